// Package intent wraps the language-model capability. All model output is
// normalized at this boundary into one discriminated Result before it
// reaches the orchestrator; nothing upstream branches on raw model JSON.
package intent

import (
	"context"
	"errors"

	"github.com/stewardhq/steward/internal/schedule"
)

var (
	// ErrInvalidOutput marks model output that does not fit any known shape.
	ErrInvalidOutput = errors.New("invalid capability output")
	// ErrUnavailable marks a capability that is not configured or not
	// reachable.
	ErrUnavailable = errors.New("capability unavailable")
)

// Message is one transcript entry handed to the capability as context.
type Message struct {
	Role    string
	Content string
}

// Suggestion is a candidate action produced during the prepare phase. It
// has no lifecycle of its own: the orchestration turn that requested it
// either confirms it or lets it lapse.
type Suggestion struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Payload map[string]any `json:"payload"`
}

// PrepareRequest asks the capability for candidate actions.
type PrepareRequest struct {
	ActionType string
	SubjectID  string
	Payload    map[string]any
	History    []Message
}

// ResultKind discriminates normalized capability replies.
type ResultKind string

const (
	KindChatReply   ResultKind = "chat_reply"
	KindInsight     ResultKind = "insight"
	KindActionError ResultKind = "action_error"
)

// Result is the single normalized shape for conversational capability
// output.
type Result struct {
	Kind        ResultKind
	Reply       string
	InsightKind string
	InsightData map[string]any
	ErrorCode   string
}

// Capability is the external language-model collaborator.
type Capability interface {
	Reply(ctx context.Context, userMessage string, history []Message) (Result, error)
	Prepare(ctx context.Context, req PrepareRequest) ([]Suggestion, error)
	ResolveDateTime(ctx context.Context, freeText string) (schedule.RawResolution, error)
}
