// Package server wires the orchestration components behind a JSON HTTP
// surface: sqlite persistence, the permission guard, the capability
// client, the Google provider, and the reauthorization coordinator.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/stewardhq/steward/internal/intent"
	"github.com/stewardhq/steward/internal/orchestrator"
	"github.com/stewardhq/steward/internal/permission"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/reauth"
	"github.com/stewardhq/steward/internal/schedule"
	"github.com/stewardhq/steward/internal/session"
)

const (
	defaultPrimaryModel       = "anthropic/claude-sonnet-4.5"
	defaultHistoryLimit       = 12
	defaultReauthPollInterval = 2 * time.Second
	reauthEndpoint            = "/v1/auth/start"
	oauthStateTTL             = 10 * time.Minute
)

// Scopes requested on a fresh Google link.
var requestedScopes = []string{
	permission.ScopeGmailModify,
	permission.ScopeCalendarEvents,
	permission.ScopeTasks,
}

type AppConfig struct {
	DBPath            string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	ModelPrimary      string
	ModelFallback     string

	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	Logger *charmLog.Logger

	// Test seams: when set, they replace the real collaborators.
	Capability         intent.Capability
	Provider           orchestrator.Provider
	Mailbox            Mailbox
	ScopeSource        permission.ScopeSource
	ReauthPollInterval time.Duration
	CandidateTTL       time.Duration
}

// Mailbox feeds the chat surface's inbox view.
type Mailbox interface {
	Inbox(ctx context.Context, limit int) ([]provider.InboxMessage, error)
	Message(ctx context.Context, messageID string) (provider.MessageContent, error)
}

type App struct {
	db            *sql.DB
	logger        *charmLog.Logger
	guard         *permission.Guard
	orch          *orchestrator.Orchestrator
	bridge        *session.Bridge
	capability    intent.Capability
	resolver      *schedule.Resolver
	coordinator   *reauth.Coordinator
	authenticator *provider.Authenticator
	tokens        *provider.TokenStore
	mailbox       Mailbox
	notifier      *notifier
	oauthReady    bool
	closeOnce     sync.Once
}

func New(cfg AppConfig) (*App, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "steward",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	tokens := provider.NewTokenStore(db)
	authenticator := provider.NewAuthenticator(
		cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL,
		requestedScopes, tokens)

	capability := cfg.Capability
	if capability == nil {
		capability = intent.Capability(intent.NewStatic())
		if cfg.OpenRouterAPIKey != "" {
			primaryModel := strings.TrimSpace(cfg.ModelPrimary)
			if primaryModel == "" {
				primaryModel = defaultPrimaryModel
			}
			client, err := intent.NewClient(intent.ClientConfig{
				APIKey:        cfg.OpenRouterAPIKey,
				BaseURL:       cfg.OpenRouterBaseURL,
				PrimaryModel:  primaryModel,
				FallbackModel: cfg.ModelFallback,
				UserAgent:     "steward/0.1",
			})
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init capability: %w", err)
			}
			capability = intent.NewFallback(client, intent.NewStatic())
		}
	}

	scopeSource := cfg.ScopeSource
	if scopeSource == nil {
		scopeSource = tokens
	}
	guard := permission.NewGuard(scopeSource, reauthEndpoint)
	resolver := schedule.NewResolver(capability)

	facade := provider.NewProvider(authenticator, provider.NewGoogleClient(), logger)
	actionProvider := cfg.Provider
	if actionProvider == nil {
		actionProvider = facade
	}
	mailbox := cfg.Mailbox
	if mailbox == nil {
		mailbox = facade
	}

	pollInterval := cfg.ReauthPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultReauthPollInterval
	}

	app := &App{
		db:            db,
		logger:        logger,
		guard:         guard,
		bridge:        session.NewBridge(context.Background(), session.NewStore(db), logger),
		capability:    capability,
		resolver:      resolver,
		coordinator:   reauth.NewCoordinator(pollInterval, logger),
		authenticator: authenticator,
		tokens:        tokens,
		mailbox:       mailbox,
		notifier:      newNotifier(),
		oauthReady:    cfg.GoogleClientID != "",
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Guard:        guard,
		Provider:     actionProvider,
		Capability:   capability,
		Resolver:     resolver,
		Auditor:      app,
		Logger:       logger,
		CandidateTTL: cfg.CandidateTTL,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	app.orch = orch
	return app, nil
}

func (a *App) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		a.coordinator.Shutdown()
		closeErr = a.db.Close()
	})
	return closeErr
}

// Record implements the orchestrator's audit sink. Best effort: an audit
// failure is logged, never surfaced into the action outcome.
func (a *App) Record(ctx context.Context, event, actionType, subjectID, detail string) {
	payload, _ := json.Marshal(map[string]string{
		"action_type": actionType,
		"subject_id":  subjectID,
		"detail":      detail,
	})
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log(entry_id, event_type, entity_id, payload_json, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, newID("aud"), event, subjectID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		a.logger.Warn("audit insert failed", "event", event, "error", err)
	}
}

func migrate(db *sql.DB) error {
	if err := session.Migrate(db); err != nil {
		return err
	}
	if err := provider.MigrateTokens(db); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log(
			entry_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS oauth_states(
			state TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			redirect_location TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func newID(prefix string) string {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		now := time.Now().UnixNano()
		return fmt.Sprintf("%s_%d", prefix, now)
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}
