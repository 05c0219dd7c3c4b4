package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"
	"github.com/stewardhq/steward/internal/server"
)

type cliConfig struct {
	HTTPAddr           string `name:"http-addr" help:"HTTP listen address." env:"STEWARD_HTTP_ADDR" default:":8080"`
	DBPath             string `name:"db-path" help:"SQLite database path." env:"STEWARD_DB_PATH" default:"./steward.db"`
	OpenRouterAPIKey   string `name:"openrouter-api-key" help:"OpenRouter API key." env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL  string `name:"openrouter-base-url" help:"OpenRouter API base URL." env:"OPENROUTER_BASE_URL"`
	ModelPrimary       string `name:"model-primary" help:"Primary model ID." env:"STEWARD_MODEL_PRIMARY" default:"anthropic/claude-sonnet-4.5"`
	ModelFallback      string `name:"model-fallback" help:"Fallback model ID." env:"STEWARD_MODEL_FALLBACK"`
	GoogleClientID     string `name:"google-client-id" help:"Google OAuth client ID." env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `name:"google-client-secret" help:"Google OAuth client secret." env:"GOOGLE_CLIENT_SECRET"`
	OAuthRedirectURL   string `name:"oauth-redirect-url" help:"OAuth callback URL." env:"STEWARD_OAUTH_REDIRECT_URL" default:"http://localhost:8080/v1/auth/callback"`
	LogLevel           string `name:"log-level" help:"Server log level." env:"STEWARD_LOG_LEVEL" default:"info" enum:"debug,info,warn,error,fatal"`
	LogFormat          string `name:"log-format" help:"Log output format." env:"STEWARD_LOG_FORMAT" default:"text" enum:"text,json"`
}

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	charmLog.SetDefault(logger)

	app, err := server.New(server.AppConfig{
		DBPath:             cfg.DBPath,
		OpenRouterAPIKey:   cfg.OpenRouterAPIKey,
		OpenRouterBaseURL:  cfg.OpenRouterBaseURL,
		ModelPrimary:       cfg.ModelPrimary,
		ModelFallback:      cfg.ModelFallback,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		OAuthRedirectURL:   cfg.OAuthRedirectURL,
		Logger:             logger.With("component", "server"),
	})
	if err != nil {
		logger.Fatal("init app", "error", err)
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(
		"steward listening",
		"addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"openrouter_enabled", cfg.OpenRouterAPIKey != "",
		"google_oauth_enabled", cfg.GoogleClientID != "",
		"model_primary", cfg.ModelPrimary,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen and serve", "error", err)
	}
}

func parseCLI(args []string) (cliConfig, error) {
	var cfg cliConfig

	parser, err := kong.New(
		&cfg,
		kong.Name("steward"),
		kong.Description("Steward action orchestration server"),
		kong.UsageOnError(),
	)
	if err != nil {
		return cliConfig{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "steward",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		key, value, ok, parseErr := parseDotEnvLine(scanner.Text())
		if parseErr != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, parseErr)
		}
		// A variable already present in the environment wins over the file.
		if !ok || os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env %s: %w", key, err)
		}
	}
	return scanner.Err()
}

func parseDotEnvLine(line string) (key, value string, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))

	key, raw, found := strings.Cut(trimmed, "=")
	if !found {
		return "", "", false, fmt.Errorf("invalid .env line")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, fmt.Errorf("empty key in .env line")
	}

	raw = strings.TrimSpace(raw)
	switch {
	case len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"':
		value, err = strconv.Unquote(raw)
		if err != nil {
			return "", "", false, fmt.Errorf("invalid double-quoted value: %w", err)
		}
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		value = raw[1 : len(raw)-1]
	default:
		value = raw
	}
	return key, value, true, nil
}
