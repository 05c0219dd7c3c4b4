// Package session owns the conversation transcript: sqlite-backed sessions
// and append-only turns, plus the bridge that routes inbound messages and
// threads follow-up expectations across turns.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Session is one conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one transcript entry. Turns are append-only and never mutated
// after creation.
type Turn struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"` // user | assistant
	Content   string         `json:"content"`
	TurnType  string         `json:"turn_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Storage is what the bridge needs from a transcript store.
type Storage interface {
	CreateSession(ctx context.Context, title string) (Session, error)
	LatestSession(ctx context.Context) (Session, bool, error)
	AppendTurn(ctx context.Context, sessionID, role, content, turnType string, metadata map[string]any) (Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
}

// Store persists sessions and turns in sqlite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the transcript tables. Idempotent.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions(
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS turns(
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			turn_type TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, title string) (Session, error) {
	if title == "" {
		title = "New conversation"
	}
	session := Session{
		ID:        newID("sess"),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, title, created_at) VALUES(?, ?, ?)`,
		session.ID, session.Title, session.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// LatestSession returns the most recently created session, if any.
func (s *Store) LatestSession(ctx context.Context) (Session, bool, error) {
	var session Session
	var createdRaw string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM sessions ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&session.ID, &session.Title, &createdRaw)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	session.CreatedAt = parseTimestamp(createdRaw)
	return session, true, nil
}

func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content, turnType string, metadata map[string]any) (Turn, error) {
	turn := Turn{
		ID:        newID("turn"),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		TurnType:  turnType,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	metadataJSON := ""
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return Turn{}, fmt.Errorf("encode turn metadata: %w", err)
		}
		metadataJSON = string(encoded)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(id, session_id, role, content, turn_type, metadata_json, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Role, turn.Content, turn.TurnType,
		metadataJSON, turn.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, turn_type, metadata_json, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		var metadataJSON, createdRaw string
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Content,
			&turn.TurnType, &metadataJSON, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &turn.Metadata); err != nil {
				return nil, fmt.Errorf("decode turn metadata: %w", err)
			}
		}
		turn.CreatedAt = parseTimestamp(createdRaw)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func newID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

func parseTimestamp(raw string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	ts, _ := time.Parse(time.RFC3339, raw)
	return ts
}
