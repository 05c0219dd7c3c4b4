package permission

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Google OAuth scopes the action surface depends on.
const (
	ScopeGmailModify    = "https://www.googleapis.com/auth/gmail.modify"
	ScopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
	ScopeTasks          = "https://www.googleapis.com/auth/tasks"
)

// requiredScopes maps an action type to the minimal scope set it needs.
// Action types not listed here pass through unauthorized-checked: chat-only
// actions must never be blocked on a grant they do not use.
var requiredScopes = map[string][]string{
	"mark_read":      {ScopeGmailModify},
	"delete":         {ScopeGmailModify},
	"reply":          {ScopeGmailModify},
	"draft_reply":    {ScopeGmailModify},
	"create_meeting": {ScopeCalendarEvents},
	"create_task":    {ScopeTasks},
}

var scopeLabels = map[string]string{
	ScopeGmailModify:    "Modify Gmail messages",
	ScopeCalendarEvents: "Manage calendar events",
	ScopeTasks:          "Manage tasks",
}

// Deficiency describes the scopes an action is missing and where the user
// can grant them. It is produced per authorize call and never persisted.
type Deficiency struct {
	MissingScopes  []string `json:"missing_scopes"`
	ReauthEndpoint string   `json:"reauth_endpoint"`
	RequiredLabel  string   `json:"required_permission_label"`
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Deficiency *Deficiency
}

func (d Decision) Authorized() bool {
	return d.Deficiency == nil
}

// ScopeSource reports the scopes currently granted to the principal.
type ScopeSource interface {
	GrantedScopes(ctx context.Context) ([]string, error)
}

// Guard evaluates whether the principal holds the scopes an action type
// requires. It caches the granted set and refreshes it on demand; it opens
// no surfaces and performs no side effects on the authorized path.
type Guard struct {
	source         ScopeSource
	reauthEndpoint string

	mu     sync.Mutex
	loaded bool
	scopes map[string]bool
}

func NewGuard(source ScopeSource, reauthEndpoint string) *Guard {
	return &Guard{
		source:         source,
		reauthEndpoint: reauthEndpoint,
	}
}

// Authorize checks the action type against the cached grant set. A source
// failure is treated as an empty grant set rather than an error: the caller
// branches on the decision, and a reauthorization heals both cases.
func (g *Guard) Authorize(ctx context.Context, actionType string) Decision {
	required := RequiredScopes(actionType)
	if len(required) == 0 {
		return Decision{}
	}

	granted := g.grantedSet(ctx)
	missing := make([]string, 0, len(required))
	for _, scope := range required {
		if !granted[scope] {
			missing = append(missing, scope)
		}
	}
	if len(missing) == 0 {
		return Decision{}
	}

	sort.Strings(missing)
	return Decision{Deficiency: &Deficiency{
		MissingScopes:  missing,
		ReauthEndpoint: g.reauthEndpoint,
		RequiredLabel:  labelFor(missing),
	}}
}

// Invalidate drops the cached grant set so the next authorize call reloads
// it. Called after a reauthorization flow completes; last invalidate wins.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loaded = false
	g.scopes = nil
}

func (g *Guard) grantedSet(ctx context.Context) map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaded {
		return g.scopes
	}

	scopes := make(map[string]bool)
	granted, err := g.source.GrantedScopes(ctx)
	if err == nil {
		for _, scope := range granted {
			scopes[strings.TrimSpace(scope)] = true
		}
		g.loaded = true
	}
	g.scopes = scopes
	return scopes
}

// RequiredScopes returns the minimal scope set for an action type, empty for
// unknown types.
func RequiredScopes(actionType string) []string {
	return requiredScopes[strings.ToLower(strings.TrimSpace(actionType))]
}

func labelFor(scopes []string) string {
	labels := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if label, ok := scopeLabels[scope]; ok {
			labels = append(labels, label)
			continue
		}
		labels = append(labels, scope)
	}
	return strings.Join(labels, ", ")
}
