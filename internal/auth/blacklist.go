package auth

import (
	"context"
	"sync"
	"time"
)

// Blacklist holds revoked tokens until their natural expiry.
type Blacklist struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // token → expiry
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{tokens: make(map[string]time.Time)}
}

// Add revokes a token until expiry.
func (b *Blacklist) Add(token string, expiry time.Time) {
	b.mu.Lock()
	b.tokens[token] = expiry
	b.mu.Unlock()
}

// Contains reports whether the token is currently revoked.
func (b *Blacklist) Contains(token string) bool {
	b.mu.RLock()
	expiry, ok := b.tokens[token]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		b.mu.Lock()
		delete(b.tokens, token)
		b.mu.Unlock()
		return false
	}
	return true
}

// Run sweeps expired revocations every 5 minutes until ctx is
// cancelled.
func (b *Blacklist) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for token, expiry := range b.tokens {
				if now.After(expiry) {
					delete(b.tokens, token)
				}
			}
			b.mu.Unlock()
		}
	}
}
