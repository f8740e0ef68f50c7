package cache

import (
	"net/http"
	"time"
)

// Entry is one cached upstream response.
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"maxSize"`   // 0 if N/A (e.g. Redis)
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g. Redis)
}

// Store abstracts one cache tier. Keys embed the request path ahead of
// the hash so DeleteByPrefix can invalidate by path pattern.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, entry *Entry, ttl time.Duration)
	Delete(key string)
	DeleteByPrefix(prefix string)
	Purge()
	Stats() StoreStats
}
