// Package bootstrap wires configuration, logging and the shared
// dependency container for the importer binaries.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
	"github.com/ripixel/strava-bulk-importer/pkg/importer"
	"github.com/ripixel/strava-bulk-importer/pkg/infrastructure/oauth"
	"github.com/ripixel/strava-bulk-importer/pkg/infrastructure/storage"
	"github.com/ripixel/strava-bulk-importer/pkg/integrations/strava"
)

// Config holds the environment-driven settings shared by the binaries.
type Config struct {
	ActivityDir string
	TokenFile   string

	ClientID     string
	ClientSecret string
	// AuthCode is the one-time OAuth authorization code; only needed until
	// the first token exchange has been persisted.
	AuthCode string

	Concurrency        int
	MaxThrottleRetries int
	MaxNetworkRetries  int
	PollInterval       time.Duration
	MaxPollAttempts    int

	SentryDSN   string
	Environment string
}

// LoadConfig reads configuration from the environment, after loading a
// .env file from the working directory when one exists.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; everything can come from the real environment.
	_ = godotenv.Load()

	cfg := &Config{
		ActivityDir:        envOr("ACTIVITY_DIR", "."),
		TokenFile:          envOr("TOKEN_FILE", ".strava-tokens.json"),
		ClientID:           os.Getenv("STRAVA_CLIENT_ID"),
		ClientSecret:       os.Getenv("STRAVA_CLIENT_SECRET"),
		AuthCode:           os.Getenv("AUTH_CODE"),
		Concurrency:        envInt("CONCURRENCY", 5),
		MaxThrottleRetries: envInt("MAX_THROTTLE_RETRIES", 5),
		MaxNetworkRetries:  envInt("MAX_NETWORK_RETRIES", 3),
		PollInterval:       envDuration("POLL_INTERVAL", 2*time.Second),
		MaxPollAttempts:    envInt("MAX_POLL_ATTEMPTS", 20),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		Environment:        envOr("ENVIRONMENT", "development"),
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET must be set")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring malformed integer setting", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring malformed duration setting", "key", key, "value", v)
		return fallback
	}
	return d
}

// Service holds the initialized dependencies of one importer run.
type Service struct {
	Store   *storage.FolderStore
	Tokens  oauth.TokenSource
	Client  *strava.Client
	Limiter *importer.RateLimiter
	Logger  *slog.Logger
	Config  *Config
}

// NewService wires the full dependency graph from configuration.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = NewLogger("strava-importer")
	}

	if info, err := os.Stat(cfg.ActivityDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("activity dir %q is not a directory", cfg.ActivityDir)
	}

	tokens := oauth.NewStoredTokenSource(oauth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthCode:     cfg.AuthCode,
		Store:        oauth.NewFileTokenStore(cfg.TokenFile),
	})

	limiter := importer.NewRateLimiter(importer.LimiterConfig{
		WindowLimit: shared.DefaultWindowLimit,
		DailyLimit:  shared.DefaultDailyLimit,
	}, logger)

	client := strava.NewClient(
		oauth.NewHTTPClient(tokens),
		logger,
		strava.WithHeaderObserver(limiter.UpdateFromHeaders),
	)

	return &Service{
		Store:   storage.NewFolderStore(cfg.ActivityDir),
		Tokens:  tokens,
		Client:  client,
		Limiter: limiter,
		Logger:  logger,
		Config:  cfg,
	}, nil
}
