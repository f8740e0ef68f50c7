package cache

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/apexgate/apexgate/config"
)

// preservedHeaders are the response headers reconstructed on a hit.
var preservedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Etag",
	"Last-Modified",
	"Cache-Control",
}

// Manager applies the caching policy over a Store: keying, read/write
// cacheability, TTL precedence and rule-driven invalidation.
type Manager struct {
	store            Store
	methods          map[string]bool
	statuses         map[int]bool
	keyHeaders       []string
	sensitiveHeaders []string
	defaultTTL       time.Duration
	pathTTLs         []config.PathTTLConfig
	invalidation     []invalidationRule

	hits   atomic.Int64
	misses atomic.Int64
}

type invalidationRule struct {
	prefix  string
	methods map[string]bool
}

// NewManager creates a cache manager from config.
func NewManager(store Store, cfg config.CacheConfig) *Manager {
	m := &Manager{
		store:            store,
		methods:          make(map[string]bool, len(cfg.Methods)),
		statuses:         make(map[int]bool, len(cfg.Statuses)),
		keyHeaders:       cfg.KeyHeaders,
		sensitiveHeaders: cfg.SensitiveHeaders,
		defaultTTL:       cfg.DefaultTTL.Std(),
		pathTTLs:         cfg.PathTTLs,
	}
	for _, method := range cfg.Methods {
		m.methods[strings.ToUpper(method)] = true
	}
	for _, status := range cfg.Statuses {
		m.statuses[status] = true
	}
	for _, rule := range cfg.Invalidation {
		r := invalidationRule{
			prefix:  rule.Prefix,
			methods: make(map[string]bool, len(rule.Methods)),
		}
		for _, method := range rule.Methods {
			r.methods[strings.ToUpper(method)] = true
		}
		m.invalidation = append(m.invalidation, r)
	}
	return m
}

// Key builds the deterministic cache key. The request path rides ahead
// of the hash so path-prefix invalidation can match stored keys.
func (m *Manager) Key(r *http.Request) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(':')
	sb.WriteString(r.URL.Path)
	sb.WriteByte('?')
	sb.WriteString(sortedQuery(r))
	sb.WriteByte('|')
	for i, name := range m.keyHeaders {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(r.Header.Get(name))
	}
	sum := xxhash.Sum64String(sb.String())
	return r.URL.Path + ":" + strconv.FormatUint(sum, 16)
}

func sortedQuery(r *http.Request) string {
	q := r.URL.Query()
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// CacheableRequest reports whether the request may consult or populate
// the cache: cacheable method and no sensitive headers present.
func (m *Manager) CacheableRequest(r *http.Request) bool {
	if !m.methods[r.Method] {
		return false
	}
	for _, name := range m.sensitiveHeaders {
		if r.Header.Get(name) != "" {
			return false
		}
	}
	return true
}

// Lookup consults the active tier. The returned key is non-empty
// whenever the request was cacheable, hit or miss.
func (m *Manager) Lookup(r *http.Request) (*Entry, string, bool) {
	if !m.CacheableRequest(r) {
		return nil, "", false
	}
	key := m.Key(r)
	entry, ok := m.store.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, key, false
	}
	m.hits.Add(1)
	return entry, key, true
}

// Store caches an upstream response when the write-side rules admit it.
func (m *Manager) Store(r *http.Request, key string, status int, hdr http.Header, body []byte) {
	if key == "" || !m.CacheableRequest(r) {
		return
	}
	if !m.statuses[status] {
		return
	}
	if status == http.StatusNotModified && len(body) == 0 {
		// Nothing to rehydrate from later.
		return
	}
	cc := strings.ToLower(hdr.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return
	}

	preserved := make(http.Header, len(preservedHeaders))
	for _, name := range preservedHeaders {
		if v := hdr.Get(name); v != "" {
			preserved.Set(name, v)
		}
	}

	m.store.Set(key, &Entry{
		StatusCode: status,
		Headers:    preserved,
		Body:       body,
		StoredAt:   time.Now(),
	}, m.ttlFor(r.URL.Path, hdr))
}

// ttlFor resolves the TTL: Cache-Control max-age, then the longest
// matching path prefix, then the default.
func (m *Manager) ttlFor(path string, hdr http.Header) time.Duration {
	if cc := hdr.Get("Cache-Control"); cc != "" {
		for _, part := range strings.Split(cc, ",") {
			part = strings.TrimSpace(part)
			if v, ok := strings.CutPrefix(part, "max-age="); ok {
				if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
					return time.Duration(secs) * time.Second
				}
			}
		}
	}

	best := -1
	var bestTTL time.Duration
	for _, p := range m.pathTTLs {
		if strings.HasPrefix(path, p.Prefix) && len(p.Prefix) > best {
			best = len(p.Prefix)
			bestTTL = p.TTL.Std()
		}
	}
	if best >= 0 {
		return bestTTL
	}
	return m.defaultTTL
}

// InvalidateAfter applies the invalidation rules once an upstream
// response for a mutating request has succeeded. Best-effort.
func (m *Manager) InvalidateAfter(r *http.Request, status int) {
	if status < 200 || status >= 400 {
		return
	}
	for _, rule := range m.invalidation {
		if rule.methods[r.Method] && strings.HasPrefix(r.URL.Path, rule.prefix) {
			m.store.DeleteByPrefix(rule.prefix)
		}
	}
}

// InvalidatePattern removes all entries under the path pattern.
func (m *Manager) InvalidatePattern(pattern string) {
	m.store.DeleteByPrefix(pattern)
}

// Flush removes every cached entry.
func (m *Manager) Flush() {
	m.store.Purge()
}

// Stats reports manager counters plus the active tier's stats.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
		Store:  m.store.Stats(),
	}
}

// ManagerStats is the cache snapshot exposed by monitoring.
type ManagerStats struct {
	Hits   int64      `json:"hits"`
	Misses int64      `json:"misses"`
	Store  StoreStats `json:"store"`
}
