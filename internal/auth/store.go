package auth

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexgate/apexgate/config"
)

// User is one credential-store user.
type User struct {
	Username    string    `json:"username"`
	Permissions []string  `json:"permissions"`
	LastUsed    time.Time `json:"lastUsed"`

	password string
}

// APIKeyRecord is one stored API key. Quota fields, when positive,
// override the per-identity rate limit defaults.
type APIKeyRecord struct {
	Key         string        `json:"key"`
	Name        string        `json:"name"`
	Permissions []string      `json:"permissions"`
	QuotaLimit  int           `json:"quotaLimit,omitempty"`
	QuotaWindow time.Duration `json:"quotaWindow,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastUsed    time.Time     `json:"lastUsed"`
}

// Store is the in-memory credential store, seeded from config.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User
	keys  map[string]*APIKeyRecord
}

// NewStore seeds a store from config.
func NewStore(cfg config.AuthConfig) *Store {
	s := &Store{
		users: make(map[string]*User, len(cfg.Users)),
		keys:  make(map[string]*APIKeyRecord, len(cfg.Keys)),
	}
	for _, u := range cfg.Users {
		s.users[u.Username] = &User{
			Username:    u.Username,
			Permissions: u.Permissions,
			password:    u.Password,
		}
	}
	for _, k := range cfg.Keys {
		s.keys[k.Key] = &APIKeyRecord{
			Key:         k.Key,
			Name:        k.Name,
			Permissions: k.Permissions,
			QuotaLimit:  k.QuotaLimit,
			QuotaWindow: k.QuotaWindow.Std(),
			CreatedAt:   time.Now(),
		}
	}
	return s
}

// Authenticate checks a username/password pair and touch-stamps the
// user on success.
func (s *Store) Authenticate(username, password string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) != 1 {
		return nil, false
	}
	u.LastUsed = time.Now()
	return u, true
}

// User returns the named user without authentication.
func (s *Store) User(username string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// LookupKey resolves an API key and touch-stamps it.
func (s *Store) LookupKey(key string) (*APIKeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if ok {
		rec.LastUsed = time.Now()
	}
	return rec, ok
}

// PeekKey resolves an API key without touching last_used, for quota
// key derivation ahead of authentication.
func (s *Store) PeekKey(key string) (*APIKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	return rec, ok
}

// CreateKey mints and stores a new API key.
func (s *Store) CreateKey(name string, permissions []string, quotaLimit int, quotaWindow time.Duration) *APIKeyRecord {
	rec := &APIKeyRecord{
		Key:         "ak_" + uuid.NewString(),
		Name:        name,
		Permissions: permissions,
		QuotaLimit:  quotaLimit,
		QuotaWindow: quotaWindow,
		CreatedAt:   time.Now(),
	}
	s.mu.Lock()
	s.keys[rec.Key] = rec
	s.mu.Unlock()
	return rec
}
