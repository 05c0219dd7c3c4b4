// Package orchestrator drives an action attempt from classification to an
// executed side effect: authorization first, then either a direct provider
// call or a prepare/suggest/confirm round trip through the capability.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/stewardhq/steward/internal/intent"
	"github.com/stewardhq/steward/internal/permission"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/schedule"
)

// State names the point where an action attempt came to rest.
type State string

const (
	StateDenied          State = "denied"
	StateSuggested       State = "suggested"
	StateNoSuggestions   State = "no_suggestions"
	StatePendingFollowUp State = "pending_follow_up"
	StateExecuted        State = "executed"
	StatePrepareFailed   State = "prepare_failed"
	StateExecuteFailed   State = "execute_failed"
	// StateNoop is the duplicate-confirm result: the candidate was already
	// consumed and the provider is not contacted again.
	StateNoop State = "noop"
)

// Wire error codes.
const (
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeNotConnected            = "google_not_connected"
	CodeMissingDateTime         = "missing_datetime"
	CodeActionFailed            = "action_failed"
)

// Request is one immutable action attempt.
type Request struct {
	SubjectID  string
	ActionType string
	Payload    map[string]any
	OriginText string
}

// FollowUp marks that the next user message answers a question we asked,
// and must re-enter the orchestrator instead of ordinary chat. At most one
// exists per session; the bridge clears it after a single routing decision.
type FollowUp struct {
	AwaitingActionType string `json:"awaiting_action_type"`
	SubjectID          string `json:"subject_id,omitempty"`
	Question           string `json:"question"`
}

// Candidate is a registered suggestion awaiting exactly one confirm.
type Candidate struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SubjectID string         `json:"subject_id,omitempty"`
	Title     string         `json:"title"`
	Payload   map[string]any `json:"payload"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Outcome is the single result shape every orchestrator entry point
// returns. Exactly one transcript notice per failure; Deficiency is set
// only alongside CodeInsufficientPermissions.
type Outcome struct {
	State      State
	Notice     string
	ErrorCode  string
	Deficiency *permission.Deficiency
	Candidates []Candidate
	FollowUp   *FollowUp
	Result     map[string]any
}

// Failed reports whether the attempt ended in a failure state.
func (o Outcome) Failed() bool {
	return o.ErrorCode != ""
}

// Guard is the authorization collaborator.
type Guard interface {
	Authorize(ctx context.Context, actionType string) permission.Decision
}

// Provider performs the real-world side effect.
type Provider interface {
	Execute(ctx context.Context, actionType, subjectID string, payload map[string]any) (map[string]any, error)
}

// Preparer is the capability's prepare phase.
type Preparer interface {
	Prepare(ctx context.Context, req intent.PrepareRequest) ([]intent.Suggestion, error)
}

// DateTimeResolver turns free-text timing into a concrete window.
type DateTimeResolver interface {
	Resolve(ctx context.Context, freeText string) (schedule.Resolution, error)
}

// Auditor records action outcomes. Best effort: failures are the auditor's
// problem, not the attempt's.
type Auditor interface {
	Record(ctx context.Context, event, actionType, subjectID, detail string)
}

// Config wires an Orchestrator.
type Config struct {
	Guard      Guard
	Provider   Provider
	Capability Preparer
	Resolver   DateTimeResolver
	Auditor    Auditor // optional
	Logger     *charmLog.Logger
	// CandidateTTL bounds how long a suggestion stays confirmable.
	CandidateTTL time.Duration
}

const defaultCandidateTTL = 10 * time.Minute

// Orchestrator runs one attempt at a time per session; the only suspension
// points are the capability, provider, and resolver round trips.
type Orchestrator struct {
	guard      Guard
	provider   Provider
	capability Preparer
	resolver   DateTimeResolver
	auditor    Auditor
	logger     *charmLog.Logger
	registry   *registry
	now        func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Guard == nil {
		return nil, fmt.Errorf("orchestrator: guard is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("orchestrator: provider is required")
	}
	if cfg.Capability == nil {
		return nil, fmt.Errorf("orchestrator: capability is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("orchestrator: resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = charmLog.Default()
	}
	ttl := cfg.CandidateTTL
	if ttl <= 0 {
		ttl = defaultCandidateTTL
	}
	return &Orchestrator{
		guard:      cfg.Guard,
		provider:   cfg.Provider,
		capability: cfg.Capability,
		resolver:   cfg.Resolver,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger.With("component", "orchestrator"),
		registry:   newRegistry(ttl),
		now:        time.Now,
	}, nil
}

// IsDirect reports whether an action type executes without a prepare
// phase. Direct actions are unambiguous: nothing to interpret, nothing to
// confirm.
func IsDirect(actionType string) bool {
	return actionType == "mark_read" || actionType == "delete"
}

// Execute runs the direct path: one guard check, one provider call. The
// provider's own idempotency is assumed; errors surface verbatim and are
// never retried here.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Outcome {
	if denied := o.authorize(ctx, req.ActionType, req.SubjectID); denied != nil {
		return *denied
	}

	result, err := o.provider.Execute(ctx, req.ActionType, req.SubjectID, req.Payload)
	if err != nil {
		return o.executeFailure(ctx, req.ActionType, req.SubjectID, err)
	}

	o.audit(ctx, "executed", req.ActionType, req.SubjectID, "")
	return Outcome{
		State:  StateExecuted,
		Notice: successNotice(req.ActionType),
		Result: result,
	}
}

// Prepare runs the indirect path up to the Suggested state. Meeting
// requests resolve their timing first; an ambiguous time becomes a
// follow-up question without a capability call.
func (o *Orchestrator) Prepare(ctx context.Context, req Request, history []intent.Message) Outcome {
	if denied := o.authorize(ctx, req.ActionType, req.SubjectID); denied != nil {
		return *denied
	}

	payload := clonePayload(req.Payload)
	if req.ActionType == "create_meeting" {
		outcome, ok := o.resolveMeetingWindow(ctx, req, history, payload)
		if !ok {
			return outcome
		}
	}

	suggestions, err := o.capability.Prepare(ctx, intent.PrepareRequest{
		ActionType: req.ActionType,
		SubjectID:  req.SubjectID,
		Payload:    payload,
		History:    history,
	})
	if err != nil {
		o.audit(ctx, "prepare_failed", req.ActionType, req.SubjectID, err.Error())
		o.logger.Warn("prepare failed", "action_type", req.ActionType, "error", err)
		return Outcome{
			State:     StatePrepareFailed,
			ErrorCode: CodeActionFailed,
			Notice:    fmt.Sprintf("Couldn't prepare that action: %v", err),
		}
	}

	if len(suggestions) == 0 {
		// Scheduling asks for more input instead of failing; everything
		// else ends the attempt with a terse notice.
		if req.ActionType == "create_meeting" {
			return o.pendingFollowUp(req.SubjectID, "What should the meeting cover, and when should it happen?")
		}
		return Outcome{
			State:  StateNoSuggestions,
			Notice: "No suggestions for that.",
		}
	}

	candidates := o.registry.add(o.now(), req.SubjectID, suggestions)
	return Outcome{State: StateSuggested, Candidates: candidates}
}

// Confirm promotes a suggested candidate to an executed action. The guard
// runs again: prepare and confirm may be separated by arbitrary time and an
// intervening reauthorization. Each candidate reaches the provider at most
// once.
func (o *Orchestrator) Confirm(ctx context.Context, candidateID string) Outcome {
	candidate, err := o.registry.peek(o.now(), candidateID)
	switch {
	case errors.Is(err, errUnknownCandidate):
		return Outcome{
			State:     StateExecuteFailed,
			ErrorCode: CodeActionFailed,
			Notice:    "That suggestion is no longer available.",
		}
	case errors.Is(err, errCandidateExpired):
		o.audit(ctx, "expired", candidate.Type, candidate.SubjectID, candidateID)
		return Outcome{
			State:     StateExecuteFailed,
			ErrorCode: CodeActionFailed,
			Notice:    "That suggestion expired. Ask again to retry.",
		}
	}

	subjectID := candidate.SubjectID
	if denied := o.authorize(ctx, candidate.Type, subjectID); denied != nil {
		return *denied
	}

	// Consume the confirm token only after authorization: a denied confirm
	// stays confirmable once the user has reauthorized.
	if !o.registry.consume(candidateID) {
		o.audit(ctx, "duplicate_confirm", candidate.Type, subjectID, candidateID)
		return Outcome{State: StateNoop, Notice: "Already on it."}
	}
	result, err := o.provider.Execute(ctx, candidate.Type, subjectID, candidate.Payload)
	if err != nil {
		return o.executeFailure(ctx, candidate.Type, subjectID, err)
	}

	o.audit(ctx, "executed", candidate.Type, subjectID, candidateID)
	return Outcome{
		State:  StateExecuted,
		Notice: successNotice(candidate.Type),
		Result: result,
	}
}

// CompleteFollowUp routes a captured user message back into the attempt
// that asked for it. The follow-up has already been cleared by the caller;
// a second failure here is terminal, never re-asked automatically.
func (o *Orchestrator) CompleteFollowUp(ctx context.Context, followUp FollowUp, text string, recentTurns []string) Outcome {
	if followUp.AwaitingActionType != "create_meeting" {
		return o.Prepare(ctx, Request{
			SubjectID:  followUp.SubjectID,
			ActionType: followUp.AwaitingActionType,
			OriginText: text,
		}, nil)
	}

	resolution, err := o.resolver.Resolve(ctx, text)
	if err != nil {
		return Outcome{
			State:     StatePrepareFailed,
			ErrorCode: CodeMissingDateTime,
			Notice:    "Still couldn't pin down a time. Try something like \"tomorrow 3pm\".",
		}
	}

	if denied := o.authorize(ctx, "create_meeting", followUp.SubjectID); denied != nil {
		return *denied
	}

	payload := map[string]any{
		"title": schedule.InferTitle(text, recentTurns),
		"start": resolution.Start.Format(time.RFC3339),
		"end":   resolution.End.Format(time.RFC3339),
	}
	result, err := o.provider.Execute(ctx, "create_meeting", followUp.SubjectID, payload)
	if err != nil {
		return o.executeFailure(ctx, "create_meeting", followUp.SubjectID, err)
	}

	o.audit(ctx, "executed", "create_meeting", followUp.SubjectID, "follow_up")
	return Outcome{
		State:  StateExecuted,
		Notice: successNotice("create_meeting"),
		Result: result,
	}
}

// resolveMeetingWindow fills start/end/title into the payload, or returns
// the outcome that ends the attempt. The second return value is false when
// the caller must stop.
func (o *Orchestrator) resolveMeetingWindow(ctx context.Context, req Request, history []intent.Message, payload map[string]any) (Outcome, bool) {
	text := req.OriginText
	if text == "" {
		text, _ = payload["text"].(string)
	}

	resolution, err := o.resolver.Resolve(ctx, text)
	if errors.Is(err, schedule.ErrAmbiguousDateTime) {
		return o.pendingFollowUp(req.SubjectID, "What day and time should the meeting be? For example: \"tomorrow 3pm\"."), false
	}
	if err != nil {
		o.audit(ctx, "prepare_failed", req.ActionType, req.SubjectID, err.Error())
		return Outcome{
			State:     StatePrepareFailed,
			ErrorCode: CodeActionFailed,
			Notice:    fmt.Sprintf("Couldn't work out the meeting time: %v", err),
		}, false
	}

	payload["start"] = resolution.Start.Format(time.RFC3339)
	payload["end"] = resolution.End.Format(time.RFC3339)
	if title, _ := payload["title"].(string); title == "" {
		payload["title"] = schedule.InferTitle(text, historyContents(history))
	}
	return Outcome{}, true
}

// authorize returns a Denied outcome when the guard reports a deficiency,
// nil otherwise. Denial is fail-fast: no provider or capability contact.
func (o *Orchestrator) authorize(ctx context.Context, actionType, subjectID string) *Outcome {
	decision := o.guard.Authorize(ctx, actionType)
	if decision.Authorized() {
		return nil
	}

	deficiency := decision.Deficiency
	o.audit(ctx, "denied", actionType, subjectID, deficiency.RequiredLabel)
	o.logger.Info("action denied", "action_type", actionType, "missing_scopes", deficiency.MissingScopes)
	return &Outcome{
		State:      StateDenied,
		ErrorCode:  CodeInsufficientPermissions,
		Deficiency: deficiency,
		Notice: fmt.Sprintf("This needs the %q permission. Reauthorize to grant it.",
			deficiency.RequiredLabel),
	}
}

func (o *Orchestrator) executeFailure(ctx context.Context, actionType, subjectID string, err error) Outcome {
	if errors.Is(err, provider.ErrNotConnected) {
		o.audit(ctx, "execute_failed", actionType, subjectID, CodeNotConnected)
		return Outcome{
			State:     StateExecuteFailed,
			ErrorCode: CodeNotConnected,
			Notice:    "No Google account is connected. Link an account first.",
		}
	}

	o.audit(ctx, "execute_failed", actionType, subjectID, err.Error())
	o.logger.Warn("execute failed", "action_type", actionType, "error", err)
	return Outcome{
		State:     StateExecuteFailed,
		ErrorCode: CodeActionFailed,
		Notice:    fmt.Sprintf("The action failed: %v", err),
	}
}

func (o *Orchestrator) pendingFollowUp(subjectID, question string) Outcome {
	return Outcome{
		State:  StatePendingFollowUp,
		Notice: question,
		FollowUp: &FollowUp{
			AwaitingActionType: "create_meeting",
			SubjectID:          subjectID,
			Question:           question,
		},
	}
}

func (o *Orchestrator) audit(ctx context.Context, event, actionType, subjectID, detail string) {
	if o.auditor == nil {
		return
	}
	o.auditor.Record(ctx, event, actionType, subjectID, detail)
}

func successNotice(actionType string) string {
	switch actionType {
	case "mark_read":
		return "Marked as read."
	case "delete":
		return "Moved to trash."
	case "reply":
		return "Reply sent."
	case "draft_reply":
		return "Draft saved."
	case "create_meeting":
		return "Meeting created."
	case "create_task":
		return "Task created."
	default:
		return "Done."
	}
}

func clonePayload(payload map[string]any) map[string]any {
	cloned := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		cloned[k] = v
	}
	return cloned
}

func historyContents(history []intent.Message) []string {
	contents := make([]string, 0, len(history))
	for _, m := range history {
		contents = append(contents, m.Content)
	}
	return contents
}
