package intent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stewardhq/steward/internal/schedule"
)

func completionServer(t *testing.T, respond func(callCount int) any) *httptest.Server {
	t.Helper()
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		calls++
		_ = json.NewEncoder(w).Encode(respond(calls))
	}))
}

func textCompletion(content string) any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func toolCompletion(name, arguments string) any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{
				"content": nil,
				"tool_calls": []map[string]any{
					{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      name,
							"arguments": arguments,
						},
					},
				},
			}},
		},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		PrimaryModel: "test/model",
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestReplyPlainText(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any { return textCompletion("Sure, done.") })
	defer srv.Close()

	result, err := newTestClient(t, srv).Reply(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if result.Kind != KindChatReply || result.Reply != "Sure, done." {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReplyNormalizesInsight(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any {
		return textCompletion(`{"insight": {"kind": "summary", "data": {"count": 3}}}`)
	})
	defer srv.Close()

	result, err := newTestClient(t, srv).Reply(context.Background(), "summarize my inbox", nil)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if result.Kind != KindInsight || result.InsightKind != "summary" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPrepareParsesSuggestions(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any {
		return toolCompletion("suggest_action",
			`{"type":"draft_reply","title":"Reply to Alice","payload":{"to":"alice@example.com","body":"On it."}}`)
	})
	defer srv.Close()

	suggestions, err := newTestClient(t, srv).Prepare(context.Background(), PrepareRequest{
		ActionType: "draft_reply",
		SubjectID:  "msg_1",
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}
	if suggestions[0].Type != "draft_reply" || suggestions[0].Title != "Reply to Alice" {
		t.Fatalf("unexpected suggestion: %+v", suggestions[0])
	}
	if suggestions[0].Payload["to"] != "alice@example.com" {
		t.Fatalf("unexpected payload: %v", suggestions[0].Payload)
	}
}

func TestPrepareZeroCandidatesIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any { return textCompletion("Nothing actionable here.") })
	defer srv.Close()

	suggestions, err := newTestClient(t, srv).Prepare(context.Background(), PrepareRequest{ActionType: "create_meeting"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(suggestions) != 0 {
		t.Fatalf("expected no suggestions, got %d", len(suggestions))
	}
}

func TestPrepareRepairsInvalidToolOutput(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(call int) any {
		if call == 1 {
			return toolCompletion("launch_rocket", `{}`)
		}
		return toolCompletion("suggest_action",
			`{"type":"create_task","title":"File the report","payload":{"title":"File the report"}}`)
	})
	defer srv.Close()

	suggestions, err := newTestClient(t, srv).Prepare(context.Background(), PrepareRequest{ActionType: "create_task"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].Type != "create_task" {
		t.Fatalf("unexpected suggestions: %+v", suggestions)
	}
}

func TestResolveDateTimeFailureToken(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any { return textCompletion("missing_datetime") })
	defer srv.Close()

	_, err := newTestClient(t, srv).ResolveDateTime(context.Background(), "sometime next week-ish")
	if !errors.Is(err, schedule.ErrAmbiguousDateTime) {
		t.Fatalf("expected ErrAmbiguousDateTime, got %v", err)
	}
}

func TestResolveDateTimeStructuredOutput(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any {
		return textCompletion(`{"start":"2026-03-05T09:00:00Z","end":"2026-03-05T09:30:00Z"}`)
	})
	defer srv.Close()

	raw, err := newTestClient(t, srv).ResolveDateTime(context.Background(), "tomorrow 9am")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if raw.Start != "2026-03-05T09:00:00Z" || raw.End != "2026-03-05T09:30:00Z" {
		t.Fatalf("unexpected raw resolution: %+v", raw)
	}
}

func TestResolveDateTimeMalformedOutputIsInvalid(t *testing.T) {
	t.Parallel()

	srv := completionServer(t, func(int) any { return textCompletion("Thursday sounds good!") })
	defer srv.Close()

	_, err := newTestClient(t, srv).ResolveDateTime(context.Background(), "tomorrow 9am")
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
}

func TestNormalizeReplyShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    ResultKind
	}{
		{"plain text", "hello there", KindChatReply},
		{"reply field", `{"reply":"hi"}`, KindChatReply},
		{"message field", `{"message":"hi"}`, KindChatReply},
		{"error field", `{"error":"insufficient_permissions"}`, KindActionError},
		{"insight", `{"insight":{"kind":"summary","data":{}}}`, KindInsight},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := normalizeReply(tc.content)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if result.Kind != tc.want {
				t.Fatalf("expected kind %s, got %s", tc.want, result.Kind)
			}
		})
	}

	if _, err := normalizeReply("   "); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput for empty content, got %v", err)
	}
}
