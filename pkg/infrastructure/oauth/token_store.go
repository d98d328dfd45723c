package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenInfo is the persisted token material.
type TokenInfo struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expiry returns the expiry as a time.Time. Zero when unknown.
func (t *TokenInfo) Expiry() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAt, 0)
}

// TokenStore persists tokens between runs so the one-time auth code only
// has to be exchanged once.
type TokenStore interface {
	// Load returns the stored token, or nil when none is stored.
	Load() (*TokenInfo, error)
	Save(token *TokenInfo) error
}

// FileTokenStore keeps tokens in a JSON file.
type FileTokenStore struct {
	Path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

func (s *FileTokenStore) Load() (*TokenInfo, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var token TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", s.Path, err)
	}
	return &token, nil
}

func (s *FileTokenStore) Save(token *TokenInfo) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}
	// 0600: the file holds live credentials
	if err := os.WriteFile(s.Path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// MemoryTokenStore keeps tokens in memory; lost on process exit. Used in
// tests and when no token file is configured.
type MemoryTokenStore struct {
	token *TokenInfo
}

func NewMemoryTokenStore() *MemoryTokenStore { return &MemoryTokenStore{} }

func (s *MemoryTokenStore) Load() (*TokenInfo, error) { return s.token, nil }

func (s *MemoryTokenStore) Save(token *TokenInfo) error {
	s.token = token
	return nil
}
