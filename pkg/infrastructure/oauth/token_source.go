package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// TokenSource returns a valid token.
// It is safe for concurrent use by multiple goroutines.
type TokenSource interface {
	Token(context.Context) (*TokenInfo, error)
	ForceRefresh(context.Context) (*TokenInfo, error)
}

// Config configures a StoredTokenSource.
type Config struct {
	ClientID     string
	ClientSecret string
	// AuthCode is the one-time authorization code, exchanged on first use
	// when the store holds no token yet.
	AuthCode string
	Store    TokenStore
	// Endpoint overrides the Strava OAuth endpoint. Used in tests.
	Endpoint oauth2.Endpoint
	// Base routes token-endpoint HTTP calls; nil uses http.DefaultClient.
	Base *http.Client
}

// StoredTokenSource exchanges the auth code once, then refreshes tokens
// proactively and persists them through a TokenStore.
type StoredTokenSource struct {
	conf     *oauth2.Config
	authCode string
	store    TokenStore
	base     *http.Client

	mu    sync.Mutex
	token *TokenInfo
}

func NewStoredTokenSource(cfg Config) *StoredTokenSource {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = oauth2.Endpoint{
			AuthURL:   shared.StravaAuthURL,
			TokenURL:  shared.StravaTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryTokenStore()
	}

	return &StoredTokenSource{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"activity:read", "activity:write"},
		},
		authCode: cfg.AuthCode,
		store:    store,
		base:     cfg.Base,
	}
}

// Token returns a token, exchanging the auth code or refreshing as needed.
func (s *StoredTokenSource) Token(ctx context.Context) (*TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		stored, err := s.store.Load()
		if err != nil {
			slog.Warn("Failed to load stored token; will exchange auth code", "component", "oauth", "error", err)
		}
		s.token = stored
	}

	if s.token == nil {
		return s.exchangeLocked(ctx)
	}

	// Proactive refresh when expired or expiring within the next minute.
	expiry := s.token.Expiry()
	if !expiry.IsZero() && time.Now().Add(1*time.Minute).After(expiry) {
		return s.refreshLocked(ctx)
	}

	return s.token, nil
}

// ForceRefresh forcibly refreshes the token regardless of expiry. Called by
// the transport after a 401.
func (s *StoredTokenSource) ForceRefresh(ctx context.Context) (*TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil || s.token.RefreshToken == "" {
		// Nothing to refresh with; the auth code is the only way in.
		return s.exchangeLocked(ctx)
	}
	return s.refreshLocked(ctx)
}

func (s *StoredTokenSource) exchangeLocked(ctx context.Context) (*TokenInfo, error) {
	if s.authCode == "" {
		return nil, fmt.Errorf("no stored token and no auth code to exchange")
	}

	tok, err := s.conf.Exchange(s.httpContext(ctx), s.authCode)
	if err != nil {
		return nil, fmt.Errorf("auth code exchange failed: %w", err)
	}

	slog.Info("Exchanged auth code for access token", "component", "oauth", "expires_at", tok.Expiry.Unix())
	return s.adoptLocked(tok)
}

func (s *StoredTokenSource) refreshLocked(ctx context.Context) (*TokenInfo, error) {
	if s.token == nil || s.token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	// An already-expired Expiry makes the oauth2 token source perform the
	// refresh exchange instead of returning the current token.
	seed := &oauth2.Token{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		Expiry:       time.Now().Add(-1 * time.Minute),
	}

	tok, err := s.conf.TokenSource(s.httpContext(ctx), seed).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	slog.Info("Refreshed access token", "component", "oauth", "expires_at", tok.Expiry.Unix())
	return s.adoptLocked(tok)
}

// adoptLocked converts, stores and persists a token returned by the
// oauth2 package. Preserves the previous refresh token when the provider
// did not rotate it.
func (s *StoredTokenSource) adoptLocked(tok *oauth2.Token) (*TokenInfo, error) {
	info := &TokenInfo{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		info.ExpiresAt = tok.Expiry.Unix()
	}
	if info.RefreshToken == "" && s.token != nil {
		info.RefreshToken = s.token.RefreshToken
	}

	s.token = info
	if err := s.store.Save(info); err != nil {
		// Keep going with the in-memory token; persistence is best-effort.
		slog.Warn("Failed to persist token", "component", "oauth", "error", err)
	}
	return info, nil
}

// httpContext injects the configured base HTTP client for the oauth2
// package's token-endpoint calls.
func (s *StoredTokenSource) httpContext(ctx context.Context) context.Context {
	if s.base == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.base)
}
