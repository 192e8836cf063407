package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apphub-dev/apphub/pkg/app"
)

// TokenStore persists issued bearer tokens so an app can reconnect
// across server restarts with the token it was granted.
type TokenStore interface {
	// Get returns the stored token for the app at the given server
	// address, if any.
	Get(address string, a app.App) (string, bool)
	// Store records the token for the app at the given server address.
	Store(address string, a app.App, token string) error
}

// MemoryTokenStore keeps tokens in process memory. Used for tests and
// for plugin children, which receive their token through argv.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func tokenKey(address string, a app.App) string {
	return address + "|" + a.ID.Key()
}

// Get implements TokenStore.
func (s *MemoryTokenStore) Get(address string, a app.App) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenKey(address, a)]
	return token, ok
}

// Store implements TokenStore.
func (s *MemoryTokenStore) Store(address string, a app.App, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey(address, a)] = token
	return nil
}

// StaticTokenProvider always returns one fixed token. Plugin processes
// use it: the server mints their token and hands it over out of band.
type StaticTokenProvider struct {
	Token string
}

// Get implements TokenStore.
func (s StaticTokenProvider) Get(string, app.App) (string, bool) {
	return s.Token, s.Token != ""
}

// Store implements TokenStore. Plugins never persist tokens.
func (s StaticTokenProvider) Store(string, app.App, string) error {
	return fmt.Errorf("security: static token provider cannot store")
}

// FileTokenStore persists tokens as a JSON map in a single file. All
// writes rewrite the file atomically through a temp-file rename.
type FileTokenStore struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string
}

// NewFileTokenStore opens (or initializes) a file-backed token store.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	s := &FileTokenStore{path: path, tokens: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("security: read token store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.tokens); err != nil {
			return nil, fmt.Errorf("security: parse token store %s: %w", path, err)
		}
	}
	return s, nil
}

// Get implements TokenStore.
func (s *FileTokenStore) Get(address string, a app.App) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenKey(address, a)]
	return token, ok
}

// Store implements TokenStore.
func (s *FileTokenStore) Store(address string, a app.App, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey(address, a)] = token
	return s.flushLocked()
}

func (s *FileTokenStore) flushLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
