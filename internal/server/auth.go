package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/stewardhq/steward/internal/permission"
	"github.com/stewardhq/steward/internal/reauth"
)

var knownActionTypes = []string{
	"mark_read", "delete", "reply", "draft_reply", "create_meeting", "create_task",
}

// handlePermissions feeds the grant-status badge: granted scopes plus the
// per-action authorization verdicts.
func (a *App) handlePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	granted, err := a.tokens.GrantedScopes(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scope lookup failed"})
		return
	}
	if granted == nil {
		granted = []string{}
	}

	type actionStatus struct {
		ActionType     string   `json:"action_type"`
		Authorized     bool     `json:"authorized"`
		RequiredScopes []string `json:"required_scopes"`
	}
	actions := make([]actionStatus, 0, len(knownActionTypes))
	for _, actionType := range knownActionTypes {
		decision := a.guard.Authorize(ctx, actionType)
		actions = append(actions, actionStatus{
			ActionType:     actionType,
			Authorized:     decision.Authorized(),
			RequiredScopes: permission.RequiredScopes(actionType),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"granted_scopes": granted,
		"actions":        actions,
	})
}

// handleAuthStart creates a pending OAuth state record, returns the consent
// URL, and starts a reauth poll watching that record. Poll completion
// invalidates the guard cache and publishes the permissions-updated event
// whether or not the flow actually succeeded.
func (a *App) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if !a.oauthReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "oauth not configured"})
		return
	}

	state := newID("state")
	_, err := a.db.ExecContext(r.Context(), `
		INSERT INTO oauth_states(state, status, redirect_location, created_at)
		VALUES(?, 'pending', '', ?)
	`, state, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state create failed"})
		return
	}

	handle := a.coordinator.Launch(&oauthStateSurface{db: a.db, state: state})
	handle.OnCompletion(func(outcome reauth.Outcome) {
		a.guard.Invalidate()
		a.notifier.publish("permissions_updated")
		// The poll outlives this request; the request context is long dead
		// by the time the completion fires.
		a.Record(context.Background(), "reauth_completed", "", state, outcome.Location)
		a.logger.Info("reauth flow finished", "state", state, "success", outcome.Success)
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": a.authenticator.AuthCodeURL(state),
		"state":    state,
	})
}

// handleAuthCallback completes the consent flow: exchange the code, persist
// the token, and mark the state record done so the poll observes success.
func (a *App) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state and code are required"})
		return
	}

	var status string
	err := a.db.QueryRowContext(r.Context(),
		`SELECT status FROM oauth_states WHERE state = ?`, state).Scan(&status)
	if err != nil || status != "pending" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown or consumed state"})
		return
	}

	if err := a.authenticator.Exchange(r.Context(), code); err != nil {
		a.logger.Warn("oauth exchange failed", "error", err)
		a.markOAuthState(r, state, "closed", "")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "exchange failed"})
		return
	}

	a.markOAuthState(r, state, "done", "/connected?state="+state)
	a.guard.Invalidate()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>Account connected. You can close this window.</body></html>"))
}

func (a *App) markOAuthState(r *http.Request, state, status, location string) {
	_, err := a.db.ExecContext(r.Context(),
		`UPDATE oauth_states SET status = ?, redirect_location = ? WHERE state = ?`,
		status, location, state)
	if err != nil {
		a.logger.Warn("oauth state update failed", "state", state, "error", err)
	}
}

// oauthStateSurface adapts a pending OAuth state row to the reauth surface:
// "done" is the success location, an abandoned row past its TTL counts as
// closed.
type oauthStateSurface struct {
	db    *sql.DB
	state string
}

func (s *oauthStateSurface) Closed() bool {
	var status, createdRaw string
	err := s.db.QueryRow(
		`SELECT status, created_at FROM oauth_states WHERE state = ?`, s.state,
	).Scan(&status, &createdRaw)
	if err != nil {
		return true
	}
	if status == "closed" {
		return true
	}
	created, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return true
	}
	return status == "pending" && time.Since(created) > oauthStateTTL
}

func (s *oauthStateSurface) SuccessLocation() (string, bool) {
	var status, location string
	err := s.db.QueryRow(
		`SELECT status, redirect_location FROM oauth_states WHERE state = ?`, s.state,
	).Scan(&status, &location)
	if err != nil || status != "done" {
		return "", false
	}
	return location, true
}
