package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/stewardhq/steward/internal/intent"
	"github.com/stewardhq/steward/internal/permission"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/schedule"
)

type stubCapability struct {
	reply         intent.Result
	replyErr      error
	suggestions   []intent.Suggestion
	prepareErr    error
	rawResolution schedule.RawResolution
	resolveErr    error
}

func (c *stubCapability) Reply(ctx context.Context, userMessage string, history []intent.Message) (intent.Result, error) {
	return c.reply, c.replyErr
}

func (c *stubCapability) Prepare(ctx context.Context, req intent.PrepareRequest) ([]intent.Suggestion, error) {
	return c.suggestions, c.prepareErr
}

func (c *stubCapability) ResolveDateTime(ctx context.Context, freeText string) (schedule.RawResolution, error) {
	return c.rawResolution, c.resolveErr
}

type providerCall struct {
	ActionType string
	SubjectID  string
	Payload    map[string]any
}

type stubActionProvider struct {
	result map[string]any
	err    error
	calls  []providerCall
}

func (p *stubActionProvider) Execute(ctx context.Context, actionType, subjectID string, payload map[string]any) (map[string]any, error) {
	p.calls = append(p.calls, providerCall{ActionType: actionType, SubjectID: subjectID, Payload: payload})
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

type stubScopes struct {
	scopes []string
}

func (s stubScopes) GrantedScopes(ctx context.Context) ([]string, error) {
	return s.scopes, nil
}

var allScopes = []string{
	permission.ScopeGmailModify,
	permission.ScopeCalendarEvents,
	permission.ScopeTasks,
}

type testEnv struct {
	app        *App
	server     *httptest.Server
	capability *stubCapability
	provider   *stubActionProvider
}

func newTestEnv(t *testing.T, scopes []string) *testEnv {
	t.Helper()
	capability := &stubCapability{
		reply:      intent.Result{Kind: intent.KindChatReply, Reply: "Happy to help."},
		resolveErr: intent.ErrInvalidOutput,
	}
	prov := &stubActionProvider{result: map[string]any{"ok": true}}

	app, err := New(AppConfig{
		DBPath:      filepath.Join(t.TempDir(), "test.db"),
		Logger:      charmLog.New(io.Discard),
		Capability:  capability,
		Provider:    prov,
		ScopeSource: stubScopes{scopes: scopes},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	server := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = app.Close()
	})
	return &testEnv{app: app, server: server, capability: capability, provider: prov}
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func (e *testEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func turnsOf(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, ok := body["turns"].([]any)
	if !ok {
		t.Fatalf("no turns in %v", body)
	}
	turns := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		turns = append(turns, entry.(map[string]any))
	}
	return turns
}

func TestChatMessageRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)

	status, created := env.post(t, "/v1/sessions", map[string]string{"title": "Inbox"})
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d", status)
	}
	sessionID := created["session_id"].(string)

	status, body := env.post(t, "/v1/sessions/"+sessionID+"/messages", map[string]string{"content": "hello"})
	if status != http.StatusOK {
		t.Fatalf("message status = %d", status)
	}
	turns := turnsOf(t, body)
	if len(turns) != 1 || turns[0]["content"] != "Happy to help." {
		t.Fatalf("turns = %v", turns)
	}

	status, listed := env.get(t, "/v1/sessions/"+sessionID+"/turns")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if got := len(turnsOf(t, listed)); got != 2 {
		t.Fatalf("stored turns = %d, want user + assistant", got)
	}
}

func TestPrepareDeniedWithoutScope(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	status, body := env.post(t, "/v1/actions/prepare", map[string]any{
		"action_type": "reply",
		"subject_id":  "msg-1",
	})
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	if body["error"] != "insufficient_permissions" {
		t.Fatalf("body = %v", body)
	}
	if body["reauth_endpoint"] != "/v1/auth/start" {
		t.Errorf("reauth_endpoint = %v", body["reauth_endpoint"])
	}
	if missing, _ := body["missing_scopes"].([]any); len(missing) == 0 {
		t.Error("missing_scopes is empty")
	}
	if len(env.provider.calls) != 0 {
		t.Errorf("provider called %d times", len(env.provider.calls))
	}
}

func TestExecuteDeniedWithoutScope(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	status, body := env.post(t, "/v1/actions/execute", map[string]any{
		"action_type": "mark_read",
		"subject_id":  "msg-1",
	})
	if status != http.StatusForbidden || body["error"] != "insufficient_permissions" {
		t.Fatalf("status = %d body = %v", status, body)
	}
	if len(env.provider.calls) != 0 {
		t.Errorf("provider called %d times", len(env.provider.calls))
	}
}

func TestExecuteDirectAction(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)

	status, body := env.post(t, "/v1/actions/execute", map[string]any{
		"action_type": "mark_read",
		"subject_id":  "msg-1",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d body = %v", status, body)
	}
	if len(env.provider.calls) != 1 || env.provider.calls[0].SubjectID != "msg-1" {
		t.Fatalf("provider calls = %+v", env.provider.calls)
	}
}

func TestConfirmIsOneShot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)
	env.capability.suggestions = []intent.Suggestion{
		{Type: "reply", Title: "Accept", Payload: map[string]any{"body": "Yes."}},
	}

	status, body := env.post(t, "/v1/actions/prepare", map[string]any{
		"action_type": "reply",
		"subject_id":  "msg-1",
	})
	if status != http.StatusOK {
		t.Fatalf("prepare status = %d body = %v", status, body)
	}
	actions := body["actions"].([]any)
	if len(actions) != 1 {
		t.Fatalf("actions = %v", actions)
	}
	candidateID := actions[0].(map[string]any)["id"].(string)

	status, body = env.post(t, "/v1/actions/confirm", map[string]any{"candidate_id": candidateID})
	if status != http.StatusOK || body["result"] == nil {
		t.Fatalf("confirm status = %d body = %v", status, body)
	}

	status, body = env.post(t, "/v1/actions/confirm", map[string]any{"candidate_id": candidateID})
	if status != http.StatusOK || body["status"] != "noop" {
		t.Fatalf("second confirm status = %d body = %v", status, body)
	}
	if len(env.provider.calls) != 1 {
		t.Fatalf("provider calls = %d, want exactly 1", len(env.provider.calls))
	}
	if env.provider.calls[0].SubjectID != "msg-1" {
		t.Fatalf("executed subject = %q", env.provider.calls[0].SubjectID)
	}
}

func TestMeetingFollowUpRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)
	sessionID := env.app.bridge.ActiveSessionID()

	status, body := env.post(t, "/v1/sessions/"+sessionID+"/messages",
		map[string]string{"content": "schedule a meeting with dana sometime"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	turns := turnsOf(t, body)
	if len(turns) != 1 || turns[0]["turn_type"] != "question" {
		t.Fatalf("expected a clarifying question, got %v", turns)
	}
	if len(env.provider.calls) != 0 {
		t.Fatal("provider called before a time was given")
	}

	status, body = env.post(t, "/v1/sessions/"+sessionID+"/messages",
		map[string]string{"content": "tomorrow 3pm"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	turns = turnsOf(t, body)
	if len(turns) != 1 || turns[0]["turn_type"] != "action_result" {
		t.Fatalf("expected an executed meeting, got %v", turns)
	}

	if len(env.provider.calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(env.provider.calls))
	}
	call := env.provider.calls[0]
	if call.ActionType != "create_meeting" {
		t.Fatalf("action = %q", call.ActionType)
	}
	start, err := time.Parse(time.RFC3339, call.Payload["start"].(string))
	if err != nil {
		t.Fatalf("parse start: %v", err)
	}
	wantDay := time.Now().AddDate(0, 0, 1)
	if start.Hour() != 15 || start.Day() != wantDay.Day() {
		t.Errorf("start = %v, want tomorrow 15:00", start)
	}

	// The follow-up was consumed: the next message is ordinary chat.
	status, body = env.post(t, "/v1/sessions/"+sessionID+"/messages",
		map[string]string{"content": "thanks"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	turns = turnsOf(t, body)
	if turns[0]["turn_type"] != "chat" {
		t.Fatalf("expected chat turn, got %v", turns)
	}
}

func TestResolveDateTimeEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)

	status, body := env.post(t, "/v1/datetime/resolve", map[string]string{"text": "tomorrow at 9am"})
	if status != http.StatusOK {
		t.Fatalf("status = %d body = %v", status, body)
	}
	if body["resolved_by"] != "fallback" {
		t.Errorf("resolved_by = %v", body["resolved_by"])
	}
	start, err := time.Parse(time.RFC3339, body["start"].(string))
	if err != nil || start.Hour() != 9 {
		t.Errorf("start = %v err = %v", body["start"], err)
	}

	status, body = env.post(t, "/v1/datetime/resolve", map[string]string{"text": "soon"})
	if status != http.StatusUnprocessableEntity || body["error"] != "missing_datetime" {
		t.Fatalf("status = %d body = %v", status, body)
	}
}

func TestPermissionsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)

	status, body := env.get(t, "/v1/permissions")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	actions, ok := body["actions"].([]any)
	if !ok || len(actions) == 0 {
		t.Fatalf("actions = %v", body["actions"])
	}
	for _, entry := range actions {
		action := entry.(map[string]any)
		if action["authorized"] != true {
			t.Errorf("action %v not authorized with full scopes", action["action_type"])
		}
	}
}

func TestEventsLongPoll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)

	done := make(chan map[string]any, 1)
	go func() {
		_, body := env.get(t, "/v1/events")
		done <- body
	}()

	// Give the long poll a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	env.app.notifier.publish("permissions_updated")

	select {
	case body := <-done:
		if body["event"] != "permissions_updated" {
			t.Fatalf("event = %v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not return")
	}
}

type stubMailbox struct {
	messages []provider.InboxMessage
	content  provider.MessageContent
	err      error
}

func (m *stubMailbox) Inbox(ctx context.Context, limit int) ([]provider.InboxMessage, error) {
	return m.messages, m.err
}

func (m *stubMailbox) Message(ctx context.Context, messageID string) (provider.MessageContent, error) {
	return m.content, m.err
}

func TestInboxListing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)
	env.app.mailbox = &stubMailbox{messages: []provider.InboxMessage{
		{MessageID: "msg-1", Subject: "URGENT: invoice", Important: true},
		{MessageID: "msg-2", Subject: "lunch"},
	}}

	status, body := env.get(t, "/v1/inbox")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	messages := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", messages)
	}
	first := messages[0].(map[string]any)
	if first["important"] != true {
		t.Errorf("first message not flagged important: %v", first)
	}
}

func TestInboxNotConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)
	env.app.mailbox = &stubMailbox{err: provider.ErrNotConnected}

	status, body := env.get(t, "/v1/inbox")
	if status != http.StatusConflict || body["error"] != "google_not_connected" {
		t.Fatalf("status = %d body = %v", status, body)
	}
}

func TestMessageRequiresContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)
	sessionID := env.app.bridge.ActiveSessionID()

	status, _ := env.post(t, "/v1/sessions/"+sessionID+"/messages", map[string]string{"content": "  "})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestAuthStartRequiresConfiguration(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, allScopes)

	status, body := env.get(t, "/v1/auth/start")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body = %v", status, body)
	}
}

func TestReauthCompletionWritesAuditRow(t *testing.T) {
	t.Parallel()
	capability := &stubCapability{resolveErr: intent.ErrInvalidOutput}
	prov := &stubActionProvider{result: map[string]any{"ok": true}}
	app, err := New(AppConfig{
		DBPath:             filepath.Join(t.TempDir(), "test.db"),
		Logger:             charmLog.New(io.Discard),
		Capability:         capability,
		Provider:           prov,
		ScopeSource:        stubScopes{scopes: allScopes},
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		ReauthPollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	server := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = app.Close()
	})
	env := &testEnv{app: app, server: server, capability: capability, provider: prov}

	status, body := env.get(t, "/v1/auth/start")
	if status != http.StatusOK {
		t.Fatalf("auth start status = %d body = %v", status, body)
	}
	state, _ := body["state"].(string)
	if state == "" {
		t.Fatalf("auth start body = %v", body)
	}

	if _, err := app.db.Exec(
		`UPDATE oauth_states SET status = 'done', redirect_location = '/connected' WHERE state = ?`,
		state,
	); err != nil {
		t.Fatalf("mark state done: %v", err)
	}

	// The poll fires long after the start request has returned; the audit
	// row must land regardless.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		err := app.db.QueryRow(
			`SELECT COUNT(*) FROM audit_log WHERE event_type = 'reauth_completed' AND entity_id = ?`,
			state,
		).Scan(&n)
		if err != nil {
			t.Fatalf("count audit rows: %v", err)
		}
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("reauth completion audit row never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
