package intent

import (
	"context"

	"github.com/stewardhq/steward/internal/schedule"
)

// Static is the degraded capability used when no model is configured.
// Direct actions and fallback datetime parsing remain usable with it.
type Static struct{}

func NewStatic() Static {
	return Static{}
}

func (Static) Reply(_ context.Context, _ string, _ []Message) (Result, error) {
	return Result{
		Kind:  KindChatReply,
		Reply: "No language model is configured. Set an API key on the backend to enable chat.",
	}, nil
}

func (Static) Prepare(_ context.Context, _ PrepareRequest) ([]Suggestion, error) {
	return nil, ErrUnavailable
}

func (Static) ResolveDateTime(_ context.Context, _ string) (schedule.RawResolution, error) {
	return schedule.RawResolution{}, ErrUnavailable
}

// Fallback tries a primary capability and degrades to a fallback for chat
// replies. Prepare and datetime resolution pass the primary's answer
// through untouched: an explicit failure token must never be masked by the
// fallback's canned output.
type Fallback struct {
	primary  Capability
	fallback Capability
}

func NewFallback(primary, fallback Capability) Capability {
	switch {
	case primary == nil:
		return fallback
	case fallback == nil:
		return primary
	default:
		return Fallback{primary: primary, fallback: fallback}
	}
}

func (f Fallback) Reply(ctx context.Context, userMessage string, history []Message) (Result, error) {
	result, err := f.primary.Reply(ctx, userMessage, history)
	if err == nil {
		return result, nil
	}
	return f.fallback.Reply(ctx, userMessage, history)
}

func (f Fallback) Prepare(ctx context.Context, req PrepareRequest) ([]Suggestion, error) {
	return f.primary.Prepare(ctx, req)
}

func (f Fallback) ResolveDateTime(ctx context.Context, freeText string) (schedule.RawResolution, error) {
	return f.primary.ResolveDateTime(ctx, freeText)
}
