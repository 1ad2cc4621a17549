package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionState is the credentials-derived state a client can carry across
// process restarts: a bearer token or a cookie set, with the issue time
// used to compute expiry. Never contains raw credentials.
type SessionState struct {
	Token    string            `json:"token,omitempty"`
	Cookies  map[string]string `json:"cookies,omitempty"`
	IssuedAt time.Time         `json:"issued_at"`
}

// refreshMargin is the safety window before expiry within which a token
// is refreshed proactively instead of being used.
const refreshMargin = 60 * time.Second

// Expired reports whether the state is past (or within the safety margin
// of) its validity window. A zero ttl never expires.
func (s *SessionState) Expired(ttl time.Duration) bool {
	if s == nil || (s.Token == "" && len(s.Cookies) == 0) {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return time.Since(s.IssuedAt) >= ttl-refreshMargin
}

// TokenCache persists per-host session state as JSON files under a
// directory, so a restart does not re-authenticate unless expired.
// Host-scoped: no cross-host sharing of credential state.
type TokenCache struct {
	dir string
	mu  sync.Mutex
}

// NewTokenCache creates a cache rooted at dir.
func NewTokenCache(dir string) (*TokenCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token cache directory: %w", err)
	}
	return &TokenCache{dir: dir}, nil
}

func (tc *TokenCache) path(hostID string) string {
	return filepath.Join(tc.dir, hostID+".json")
}

// Get returns the cached state for a host, or nil when absent.
func (tc *TokenCache) Get(hostID string) (*SessionState, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	data, err := os.ReadFile(tc.path(hostID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}
	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		// Corrupt cache entry: treat as absent, a fresh login replaces it.
		return nil, nil
	}
	return &s, nil
}

// Put stores session state for a host.
func (tc *TokenCache) Put(hostID string, s *SessionState) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := os.WriteFile(tc.path(hostID), data, 0600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

// Invalidate removes the cached state for a host.
func (tc *TokenCache) Invalidate(hostID string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	err := os.Remove(tc.path(hostID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to invalidate token cache: %w", err)
	}
	return nil
}
