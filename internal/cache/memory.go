package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// maxEntryLifetime caps how long any entry may live in the in-process
// tier regardless of its own TTL.
const maxEntryLifetime = time.Hour

type memEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryStore is the in-process fallback tier: a bounded LRU with
// per-entry TTLs checked on read and background expiry at the cap.
type MemoryStore struct {
	lru       *expirable.LRU[string, *memEntry]
	mu        sync.Mutex // DeleteByPrefix atomicity
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates an in-process store holding at most maxSize
// entries.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, *memEntry](maxSize, func(key string, value *memEntry) {
		s.evictions.Add(1)
	}, maxEntryLifetime)
	return s
}

func (s *MemoryStore) Get(key string) (*Entry, bool) {
	me, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(me.expiresAt) {
		s.lru.Remove(key)
		return nil, false
	}
	return me.entry, true
}

func (s *MemoryStore) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 || ttl > maxEntryLifetime {
		ttl = maxEntryLifetime
	}
	s.lru.Add(key, &memEntry{entry: entry, expiresAt: time.Now().Add(ttl)})
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) DeleteByPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lru.Remove(key)
		}
	}
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
