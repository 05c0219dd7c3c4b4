package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotConnected means no Google account is linked. This is a linking
// problem, not a scope problem: reauthorization with more scopes will not
// help until an account is connected.
var ErrNotConnected = errors.New("google_not_connected")

const googleProvider = "google"

// OAuthToken is a stored provider token.
type OAuthToken struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// IsExpired returns true if the token's expiry has passed.
func (t OAuthToken) IsExpired() bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().After(t.Expiry)
}

// TokenStore persists OAuth tokens in sqlite. It doubles as the guard's
// scope source.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// MigrateTokens creates the token table. Idempotent.
func MigrateTokens(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS oauth_tokens(
		provider TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		token_type TEXT NOT NULL,
		expiry TEXT NOT NULL,
		scopes_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("migrate oauth_tokens: %w", err)
	}
	return nil
}

func (s *TokenStore) Save(ctx context.Context, token OAuthToken) error {
	if token.Provider == "" {
		token.Provider = googleProvider
	}
	scopesJSON, err := json.Marshal(token.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}

	expiry := ""
	if !token.Expiry.IsZero() {
		expiry = token.Expiry.UTC().Format(time.RFC3339Nano)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens(provider, access_token, refresh_token, token_type, expiry, scopes_json, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN oauth_tokens.refresh_token ELSE excluded.refresh_token END,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			scopes_json = excluded.scopes_json,
			updated_at = excluded.updated_at
	`, token.Provider, token.AccessToken, token.RefreshToken, token.TokenType, expiry, string(scopesJSON), now)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *TokenStore) Get(ctx context.Context) (OAuthToken, bool, error) {
	var token OAuthToken
	var expiryRaw string
	var scopesJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, access_token, refresh_token, token_type, expiry, scopes_json
		FROM oauth_tokens
		WHERE provider = ?
	`, googleProvider).Scan(&token.Provider, &token.AccessToken, &token.RefreshToken, &token.TokenType, &expiryRaw, &scopesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return OAuthToken{}, false, nil
	}
	if err != nil {
		return OAuthToken{}, false, err
	}

	if expiryRaw != "" {
		expiry, parseErr := time.Parse(time.RFC3339Nano, expiryRaw)
		if parseErr != nil {
			return OAuthToken{}, false, fmt.Errorf("parse token expiry: %w", parseErr)
		}
		token.Expiry = expiry
	}
	if scopesJSON != "" {
		if err := json.Unmarshal([]byte(scopesJSON), &token.Scopes); err != nil {
			return OAuthToken{}, false, fmt.Errorf("decode scopes: %w", err)
		}
	}
	return token, true, nil
}

// GrantedScopes implements the guard's scope source: no linked account
// means no grants.
func (s *TokenStore) GrantedScopes(ctx context.Context) ([]string, error) {
	token, ok, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return token.Scopes, nil
}

// Authenticator runs the Google auth-code flow and keeps the stored token
// fresh.
type Authenticator struct {
	conf  *oauth2.Config
	store *TokenStore
}

func NewAuthenticator(clientID, clientSecret, redirectURL string, scopes []string, store *TokenStore) *Authenticator {
	return &Authenticator{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		store: store,
	}
}

// AuthCodeURL builds the consent URL for the configured scopes.
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an auth code for a token and persists it with the scopes
// the user actually granted.
func (a *Authenticator) Exchange(ctx context.Context, code string) error {
	token, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}

	scopes := a.conf.Scopes
	if raw, ok := token.Extra("scope").(string); ok && strings.TrimSpace(raw) != "" {
		scopes = strings.Fields(raw)
	}

	return a.store.Save(ctx, OAuthToken{
		Provider:     googleProvider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Scopes:       scopes,
	})
}

// AccessToken returns a valid access token, refreshing and re-persisting
// it when expired. ErrNotConnected when no account is linked.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	stored, ok, err := a.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if !ok || stored.AccessToken == "" {
		return "", ErrNotConnected
	}
	if !stored.IsExpired() {
		return stored.AccessToken, nil
	}
	if stored.RefreshToken == "" {
		return "", ErrNotConnected
	}

	source := a.conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
	})
	refreshed, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	stored.AccessToken = refreshed.AccessToken
	stored.TokenType = refreshed.TokenType
	stored.Expiry = refreshed.Expiry
	if refreshed.RefreshToken != "" {
		stored.RefreshToken = refreshed.RefreshToken
	}
	if err := a.store.Save(ctx, stored); err != nil {
		return "", err
	}
	return stored.AccessToken, nil
}
