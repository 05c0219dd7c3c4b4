package permission

import (
	"context"
	"errors"
	"testing"
)

type stubSource struct {
	scopes []string
	err    error
	calls  int
}

func (s *stubSource) GrantedScopes(_ context.Context) ([]string, error) {
	s.calls++
	return s.scopes, s.err
}

func TestAuthorizeGrantedScope(t *testing.T) {
	t.Parallel()

	guard := NewGuard(&stubSource{scopes: []string{ScopeGmailModify}}, "/v1/auth/start")

	decision := guard.Authorize(context.Background(), "delete")
	if !decision.Authorized() {
		t.Fatalf("expected delete to be authorized, got deficiency %+v", decision.Deficiency)
	}
}

func TestAuthorizeMissingScope(t *testing.T) {
	t.Parallel()

	guard := NewGuard(&stubSource{scopes: []string{ScopeGmailModify}}, "/v1/auth/start")

	decision := guard.Authorize(context.Background(), "create_meeting")
	if decision.Authorized() {
		t.Fatal("expected create_meeting to be denied without calendar scope")
	}
	deficiency := decision.Deficiency
	if len(deficiency.MissingScopes) != 1 || deficiency.MissingScopes[0] != ScopeCalendarEvents {
		t.Fatalf("unexpected missing scopes: %v", deficiency.MissingScopes)
	}
	if deficiency.ReauthEndpoint != "/v1/auth/start" {
		t.Fatalf("unexpected reauth endpoint: %q", deficiency.ReauthEndpoint)
	}
	if deficiency.RequiredLabel != "Manage calendar events" {
		t.Fatalf("unexpected label: %q", deficiency.RequiredLabel)
	}
}

func TestAuthorizeUnknownActionPassesThrough(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	guard := NewGuard(source, "/v1/auth/start")

	if decision := guard.Authorize(context.Background(), "small_talk"); !decision.Authorized() {
		t.Fatal("expected unknown action type to pass through")
	}
	if source.calls != 0 {
		t.Fatalf("expected no source lookups for unscoped actions, got %d", source.calls)
	}
}

func TestAuthorizeCachesGrantSet(t *testing.T) {
	t.Parallel()

	source := &stubSource{scopes: []string{ScopeGmailModify}}
	guard := NewGuard(source, "/v1/auth/start")
	ctx := context.Background()

	guard.Authorize(ctx, "delete")
	guard.Authorize(ctx, "mark_read")
	if source.calls != 1 {
		t.Fatalf("expected a single source load, got %d", source.calls)
	}

	guard.Invalidate()
	guard.Authorize(ctx, "delete")
	if source.calls != 2 {
		t.Fatalf("expected reload after invalidate, got %d calls", source.calls)
	}
}

func TestAuthorizeSourceErrorTreatedAsNoGrants(t *testing.T) {
	t.Parallel()

	source := &stubSource{err: errors.New("store unavailable")}
	guard := NewGuard(source, "/v1/auth/start")
	ctx := context.Background()

	if decision := guard.Authorize(ctx, "delete"); decision.Authorized() {
		t.Fatal("expected denial when the scope source is unavailable")
	}

	// Failed loads are not cached: the next call retries the source.
	guard.Authorize(ctx, "delete")
	if source.calls != 2 {
		t.Fatalf("expected retry after source failure, got %d calls", source.calls)
	}
}
