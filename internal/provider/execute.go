package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
)

// Provider performs real-world side effects through the linked Google
// account. One Execute call maps to exactly one provider API call: any
// retry decision belongs to the user, not this layer.
type Provider struct {
	auth   *Authenticator
	google *GoogleClient
	logger *charmLog.Logger
}

func NewProvider(auth *Authenticator, google *GoogleClient, logger *charmLog.Logger) *Provider {
	if logger == nil {
		logger = charmLog.Default()
	}
	return &Provider{auth: auth, google: google, logger: logger}
}

// Execute dispatches an action to the matching Google API call.
func (p *Provider) Execute(ctx context.Context, actionType, subjectID string, payload map[string]any) (map[string]any, error) {
	accessToken, err := p.auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	actionType = strings.ToLower(strings.TrimSpace(actionType))
	var result any
	switch actionType {
	case "mark_read":
		result, err = p.google.MarkRead(ctx, accessToken, subjectID)
	case "delete":
		result, err = p.google.Trash(ctx, accessToken, subjectID)
	case "reply":
		result, err = p.google.SendMessage(ctx, accessToken, mailArgsFromPayload(subjectID, payload))
	case "draft_reply":
		result, err = p.google.CreateDraft(ctx, accessToken, mailArgsFromPayload(subjectID, payload))
	case "create_meeting":
		args, argErr := eventArgsFromPayload(payload)
		if argErr != nil {
			return nil, argErr
		}
		result, err = p.google.CreateEvent(ctx, accessToken, args)
	case "create_task":
		result, err = p.google.CreateTask(ctx, accessToken, TaskArgs{
			Title: stringField(payload, "title"),
			Notes: stringField(payload, "notes"),
			Due:   stringField(payload, "due"),
		})
	default:
		return nil, fmt.Errorf("unsupported action type %q", actionType)
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("action executed", "action_type", actionType, "subject_id", subjectID)
	return toMap(result)
}

// Inbox returns recent message summaries for the chat surface.
func (p *Provider) Inbox(ctx context.Context, limit int) ([]InboxMessage, error) {
	accessToken, err := p.auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return p.google.ListInbox(ctx, accessToken, limit)
}

// Message returns one message's rendered content.
func (p *Provider) Message(ctx context.Context, messageID string) (MessageContent, error) {
	accessToken, err := p.auth.AccessToken(ctx)
	if err != nil {
		return MessageContent{}, err
	}
	return p.google.ReadMessage(ctx, accessToken, messageID)
}

func mailArgsFromPayload(subjectID string, payload map[string]any) MailArgs {
	return MailArgs{
		To:       stringField(payload, "to"),
		Subject:  stringField(payload, "subject"),
		Body:     stringField(payload, "body"),
		Cc:       stringField(payload, "cc"),
		ReplyTo:  subjectID,
		ThreadID: stringField(payload, "thread_id"),
	}
}

func eventArgsFromPayload(payload map[string]any) (EventArgs, error) {
	start, err := time.Parse(time.RFC3339, stringField(payload, "start"))
	if err != nil {
		return EventArgs{}, fmt.Errorf("parse meeting start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, stringField(payload, "end"))
	if err != nil {
		return EventArgs{}, fmt.Errorf("parse meeting end: %w", err)
	}

	args := EventArgs{
		Summary:     stringField(payload, "title"),
		Description: stringField(payload, "description"),
		Start:       start,
		End:         end,
	}
	if raw, ok := payload["attendees"].([]any); ok {
		for _, entry := range raw {
			if email, ok := entry.(string); ok && strings.TrimSpace(email) != "" {
				args.Attendees = append(args.Attendees, strings.TrimSpace(email))
			}
		}
	}
	return args, nil
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, _ := payload[key].(string)
	return value
}

func toMap(value any) (map[string]any, error) {
	// Round-trip through JSON so results keep their wire field names.
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}
