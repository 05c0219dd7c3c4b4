package session

import (
	"context"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/stewardhq/steward/internal/orchestrator"
)

const greeting = "Hi, I'm Steward. Ask me about your inbox, or tell me what to do with a message."

// Bridge correlates inbound messages with the active conversation. It
// resolves exactly one active session at startup; a store failure degrades
// to an in-memory transcript with a synthetic greeting so the orchestrator
// never blocks on storage.
type Bridge struct {
	store  Storage
	logger *charmLog.Logger

	mu        sync.Mutex
	degraded  bool
	activeID  string
	memTurns  map[string][]Turn
	followUps map[string]*orchestrator.FollowUp
}

func NewBridge(ctx context.Context, store Storage, logger *charmLog.Logger) *Bridge {
	if logger == nil {
		logger = charmLog.Default()
	}
	b := &Bridge{
		store:     store,
		logger:    logger.With("component", "session"),
		memTurns:  make(map[string][]Turn),
		followUps: make(map[string]*orchestrator.FollowUp),
	}
	b.activeID = b.resolveActiveSession(ctx)
	return b
}

func (b *Bridge) resolveActiveSession(ctx context.Context) string {
	if b.store != nil {
		if session, ok, err := b.store.LatestSession(ctx); err == nil && ok {
			return session.ID
		} else if err != nil {
			b.logger.Warn("latest session lookup failed", "error", err)
		}
		if session, err := b.store.CreateSession(ctx, "New conversation"); err == nil {
			return session.ID
		} else {
			b.logger.Warn("session store unavailable, running in-memory", "error", err)
		}
	}

	// Degraded path: transcript lives only in memory for this process.
	b.degraded = true
	id := newID("sess")
	b.memTurns[id] = []Turn{{
		ID:        newID("turn"),
		SessionID: id,
		Role:      "assistant",
		Content:   greeting,
		TurnType:  "chat",
		CreatedAt: time.Now().UTC(),
	}}
	return id
}

// ActiveSessionID returns the session resolved at startup.
func (b *Bridge) ActiveSessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeID
}

// Degraded reports whether the bridge fell back to the in-memory
// transcript.
func (b *Bridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// CreateSession starts a new conversation and makes it active.
func (b *Bridge) CreateSession(ctx context.Context, title string) (Session, error) {
	b.mu.Lock()
	degraded := b.degraded
	b.mu.Unlock()

	if !degraded {
		session, err := b.store.CreateSession(ctx, title)
		if err == nil {
			b.mu.Lock()
			b.activeID = session.ID
			b.mu.Unlock()
			return session, nil
		}
		b.logger.Warn("create session failed, using in-memory session", "error", err)
	}

	session := Session{ID: newID("sess"), Title: title, CreatedAt: time.Now().UTC()}
	b.mu.Lock()
	b.memTurns[session.ID] = nil
	b.activeID = session.ID
	b.mu.Unlock()
	return session, nil
}

// Append records one transcript turn. Store failures degrade to memory
// rather than surfacing: losing a transcript line never fails an action.
func (b *Bridge) Append(ctx context.Context, sessionID, role, content, turnType string, metadata map[string]any) Turn {
	b.mu.Lock()
	degraded := b.degraded
	b.mu.Unlock()

	if !degraded {
		turn, err := b.store.AppendTurn(ctx, sessionID, role, content, turnType, metadata)
		if err == nil {
			return turn
		}
		b.logger.Warn("append turn failed, keeping in memory", "error", err)
	}

	turn := Turn{
		ID:        newID("turn"),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		TurnType:  turnType,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.memTurns[sessionID] = append(b.memTurns[sessionID], turn)
	b.mu.Unlock()
	return turn
}

// Turns returns the ordered transcript for a session.
func (b *Bridge) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	b.mu.Lock()
	degraded := b.degraded
	mem := append([]Turn(nil), b.memTurns[sessionID]...)
	b.mu.Unlock()

	if degraded {
		return mem, nil
	}
	turns, err := b.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Turns that only made it to memory are appended after the stored ones.
	return append(turns, mem...), nil
}

// SetFollowUp records the question the next user message answers. At most
// one per session: a newer follow-up replaces the old one.
func (b *Bridge) SetFollowUp(sessionID string, followUp *orchestrator.FollowUp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if followUp == nil {
		delete(b.followUps, sessionID)
		return
	}
	b.followUps[sessionID] = followUp
}

// TakeFollowUp returns and clears the pending follow-up. Clearing is
// unconditional: one routing decision per follow-up, whether or not the
// completion succeeds.
func (b *Bridge) TakeFollowUp(sessionID string) (orchestrator.FollowUp, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	followUp, ok := b.followUps[sessionID]
	if !ok {
		return orchestrator.FollowUp{}, false
	}
	delete(b.followUps, sessionID)
	return *followUp, true
}
