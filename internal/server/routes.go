package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/stewardhq/steward/internal/intent"
	"github.com/stewardhq/steward/internal/orchestrator"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/session"
)

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}/turns", a.handleListTurns)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", a.handleMessage)
	mux.HandleFunc("POST /v1/actions/prepare", a.handlePrepare)
	mux.HandleFunc("POST /v1/actions/execute", a.handleExecute)
	mux.HandleFunc("POST /v1/actions/confirm", a.handleConfirm)
	mux.HandleFunc("POST /v1/datetime/resolve", a.handleResolveDateTime)
	mux.HandleFunc("GET /v1/inbox", a.handleInbox)
	mux.HandleFunc("GET /v1/inbox/{id}", a.handleInboxMessage)
	mux.HandleFunc("GET /v1/permissions", a.handlePermissions)
	mux.HandleFunc("GET /v1/events", a.handleEvents)
	mux.HandleFunc("GET /v1/auth/start", a.handleAuthStart)
	mux.HandleFunc("GET /v1/auth/callback", a.handleAuthCallback)
	return a.loggingMiddleware(mux)
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	created, err := a.bridge.CreateSession(r.Context(), req.Title)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session create failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": created.ID})
}

func (a *App) handleListTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := a.bridge.Turns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list turns failed"})
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type messageRequest struct {
	Content string `json:"content"`
}

// handleMessage routes one inbound user message: a pending follow-up wins
// over everything, then action-looking text enters the orchestrator, and
// the rest is ordinary chat.
func (a *App) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req messageRequest
	if err := decodeJSON(r.Body, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	content := strings.TrimSpace(req.Content)

	ctx := r.Context()
	a.bridge.Append(ctx, sessionID, "user", content, "chat", nil)

	if followUp, ok := a.bridge.TakeFollowUp(sessionID); ok {
		outcome := a.orch.CompleteFollowUp(ctx, followUp, content, a.recentContents(ctx, sessionID))
		turns := a.appendOutcome(ctx, sessionID, outcome)
		writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
		return
	}

	if actionType, ok := classifyAction(content); ok {
		outcome := a.orch.Prepare(ctx, orchestrator.Request{
			ActionType: actionType,
			OriginText: content,
		}, a.history(ctx, sessionID))
		turns := a.appendOutcome(ctx, sessionID, outcome)
		writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
		return
	}

	result, err := a.capability.Reply(ctx, content, a.history(ctx, sessionID))
	if err != nil {
		a.logger.Warn("capability reply failed", "error", err)
		turn := a.bridge.Append(ctx, sessionID, "assistant",
			"Something went wrong answering that. Try again.", "notice", nil)
		writeJSON(w, http.StatusOK, map[string]any{"turns": []session.Turn{turn}})
		return
	}

	var turn session.Turn
	switch result.Kind {
	case intent.KindInsight:
		turn = a.bridge.Append(ctx, sessionID, "assistant", result.Reply, "insight", map[string]any{
			"insight_kind": result.InsightKind,
			"insight_data": result.InsightData,
		})
	case intent.KindActionError:
		turn = a.bridge.Append(ctx, sessionID, "assistant",
			"The assistant reported a problem: "+result.ErrorCode, "notice",
			map[string]any{"error_code": result.ErrorCode})
	default:
		turn = a.bridge.Append(ctx, sessionID, "assistant", result.Reply, "chat", nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": []session.Turn{turn}})
}

type actionRequest struct {
	SessionID  string         `json:"session_id"`
	SubjectID  string         `json:"subject_id"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	OriginText string         `json:"origin_text"`
}

func (a *App) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action_type is required"})
		return
	}
	ctx := r.Context()
	sessionID := a.sessionOrActive(req.SessionID)

	outcome := a.orch.Prepare(ctx, orchestrator.Request{
		SubjectID:  req.SubjectID,
		ActionType: req.ActionType,
		Payload:    req.Payload,
		OriginText: req.OriginText,
	}, a.history(ctx, sessionID))
	a.appendOutcome(ctx, sessionID, outcome)

	if outcome.Failed() {
		writeOutcomeError(w, outcome)
		return
	}
	candidates := outcome.Candidates
	if candidates == nil {
		candidates = []orchestrator.Candidate{}
	}
	resp := map[string]any{"actions": candidates, "state": outcome.State}
	if outcome.FollowUp != nil {
		resp["question"] = outcome.FollowUp.Question
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action_type is required"})
		return
	}
	ctx := r.Context()
	sessionID := a.sessionOrActive(req.SessionID)

	outcome := a.orch.Execute(ctx, orchestrator.Request{
		SubjectID:  req.SubjectID,
		ActionType: req.ActionType,
		Payload:    req.Payload,
	})
	a.appendOutcome(ctx, sessionID, outcome)

	if outcome.Failed() {
		writeOutcomeError(w, outcome)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": outcome.Result})
}

type confirmRequest struct {
	SessionID   string `json:"session_id"`
	CandidateID string `json:"candidate_id"`
}

func (a *App) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.CandidateID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "candidate_id is required"})
		return
	}
	ctx := r.Context()
	sessionID := a.sessionOrActive(req.SessionID)

	outcome := a.orch.Confirm(ctx, req.CandidateID)
	if outcome.State == orchestrator.StateNoop {
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop"})
		return
	}
	a.appendOutcome(ctx, sessionID, outcome)

	if outcome.Failed() {
		writeOutcomeError(w, outcome)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": outcome.Result})
}

type resolveRequest struct {
	Text string `json:"text"`
}

func (a *App) handleResolveDateTime(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r.Body, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	resolution, err := a.resolver.Resolve(r.Context(), req.Text)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "missing_datetime"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":       resolution.Start.Format(time.RFC3339),
		"end":         resolution.End.Format(time.RFC3339),
		"resolved_by": resolution.ResolvedBy,
	})
}

func (a *App) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	messages, err := a.mailbox.Inbox(r.Context(), limit)
	if err != nil {
		writeMailboxError(w, err)
		return
	}
	if messages == nil {
		messages = []provider.InboxMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (a *App) handleInboxMessage(w http.ResponseWriter, r *http.Request) {
	content, err := a.mailbox.Message(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMailboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func writeMailboxError(w http.ResponseWriter, err error) {
	if errors.Is(err, provider.ErrNotConnected) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": orchestrator.CodeNotConnected})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": orchestrator.CodeActionFailed})
}

// writeOutcomeError maps the taxonomy onto HTTP statuses and the wire
// error shapes.
func writeOutcomeError(w http.ResponseWriter, outcome orchestrator.Outcome) {
	switch outcome.ErrorCode {
	case orchestrator.CodeInsufficientPermissions:
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":           outcome.ErrorCode,
			"missing_scopes":  outcome.Deficiency.MissingScopes,
			"reauth_endpoint": outcome.Deficiency.ReauthEndpoint,
		})
	case orchestrator.CodeNotConnected:
		writeJSON(w, http.StatusConflict, map[string]string{"error": outcome.ErrorCode})
	case orchestrator.CodeMissingDateTime:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": outcome.ErrorCode})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  orchestrator.CodeActionFailed,
			"notice": outcome.Notice,
		})
	}
}

// appendOutcome turns an orchestrator outcome into transcript turns and
// records any follow-up expectation on the session.
func (a *App) appendOutcome(ctx context.Context, sessionID string, outcome orchestrator.Outcome) []session.Turn {
	var turns []session.Turn

	switch outcome.State {
	case orchestrator.StateSuggested:
		payload := map[string]any{"candidates": outcome.Candidates}
		turns = append(turns, a.bridge.Append(ctx, sessionID, "assistant",
			"Here's what I can do. Confirm one to proceed.", "suggestions", payload))
	case orchestrator.StatePendingFollowUp:
		a.bridge.SetFollowUp(sessionID, outcome.FollowUp)
		turns = append(turns, a.bridge.Append(ctx, sessionID, "assistant",
			outcome.Notice, "question", nil))
	case orchestrator.StateExecuted:
		turns = append(turns, a.bridge.Append(ctx, sessionID, "assistant",
			outcome.Notice, "action_result", map[string]any{"result": outcome.Result}))
	case orchestrator.StateDenied:
		turns = append(turns, a.bridge.Append(ctx, sessionID, "assistant",
			outcome.Notice, "permission_notice", map[string]any{
				"missing_scopes":  outcome.Deficiency.MissingScopes,
				"reauth_endpoint": outcome.Deficiency.ReauthEndpoint,
			}))
	case orchestrator.StateNoop:
		// Duplicate confirm: no transcript entry.
	default:
		if outcome.Notice != "" {
			turns = append(turns, a.bridge.Append(ctx, sessionID, "assistant",
				outcome.Notice, "notice", nil))
		}
	}
	return turns
}

func (a *App) sessionOrActive(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return a.bridge.ActiveSessionID()
}

// history maps the recent transcript into capability context, newest last.
func (a *App) history(ctx context.Context, sessionID string) []intent.Message {
	turns, err := a.bridge.Turns(ctx, sessionID)
	if err != nil {
		return nil
	}
	if len(turns) > defaultHistoryLimit {
		turns = turns[len(turns)-defaultHistoryLimit:]
	}
	history := make([]intent.Message, 0, len(turns))
	for _, turn := range turns {
		history = append(history, intent.Message{Role: turn.Role, Content: turn.Content})
	}
	return history
}

func (a *App) recentContents(ctx context.Context, sessionID string) []string {
	var contents []string
	for _, m := range a.history(ctx, sessionID) {
		contents = append(contents, m.Content)
	}
	return contents
}

// classifyAction spots messages that are action requests rather than chat.
// Deliberately narrow: anything it misses still works through the explicit
// action endpoints.
func classifyAction(text string) (string, bool) {
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "schedule") && strings.Contains(lowered, "meeting"),
		strings.Contains(lowered, "set up a meeting"),
		strings.Contains(lowered, "let's meet"),
		strings.Contains(lowered, "lets meet"):
		return "create_meeting", true
	case strings.Contains(lowered, "remind me"),
		strings.Contains(lowered, "add a task"),
		strings.Contains(lowered, "to-do"):
		return "create_task", true
	default:
		return "", false
	}
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		level := charmLog.DebugLevel
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}
		a.logger.Log(level, "http request", keyvals...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
