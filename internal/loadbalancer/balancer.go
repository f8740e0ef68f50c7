package loadbalancer

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// Backend represents one addressable instance of a service.
type Backend struct {
	URL            string
	Weight         int
	Healthy        bool
	ActiveRequests int64
	ParsedURL      *url.URL // pre-parsed to avoid per-request parsing
}

// InitParsedURL pre-parses the backend URL for the proxy hot path.
// Errors are ignored; the proxy falls back to url.Parse when nil.
func (b *Backend) InitParsedURL() {
	b.ParsedURL, _ = url.Parse(b.URL)
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { atomic.AddInt64(&b.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { atomic.AddInt64(&b.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (b *Backend) GetActive() int64 { return atomic.LoadInt64(&b.ActiveRequests) }

// Balancer selects backends for a service.
type Balancer interface {
	// Next returns the next healthy backend, or nil when none is healthy.
	Next() *Backend
	// UpdateBackends replaces the backend list, preserving known health.
	UpdateBackends(backends []*Backend)
	// MarkHealthy marks a backend as healthy.
	MarkHealthy(url string)
	// MarkUnhealthy marks a backend as unhealthy.
	MarkUnhealthy(url string)
	// GetBackends returns a snapshot copy of all backends.
	GetBackends() []*Backend
	// HealthyCount returns the number of healthy backends.
	HealthyCount() int
	// GetBackendByURL returns the live Backend for a URL, or nil.
	GetBackendByURL(url string) *Backend
}

// IPAwareBalancer is implemented by policies that pick per client IP.
type IPAwareBalancer interface {
	NextForIP(clientIP string) *Backend
}

// Policy names accepted in service configuration.
const (
	PolicyRoundRobin         = "roundRobin"
	PolicyWeightedRoundRobin = "weightedRoundRobin"
	PolicyLeastConn          = "leastConn"
	PolicyRandom             = "random"
	PolicyIPHash             = "ipHash"
)

// New builds a balancer for the named policy. Unknown or empty policy
// names fall back to round-robin.
func New(policy string, backends []*Backend) Balancer {
	switch policy {
	case PolicyWeightedRoundRobin:
		return NewWeightedRoundRobin(backends)
	case PolicyLeastConn:
		return NewLeastConn(backends)
	case PolicyRandom:
		return NewRandom(backends)
	case PolicyIPHash:
		return NewIPHash(backends)
	default:
		return NewRoundRobin(backends)
	}
}

// baseBalancer provides shared backend bookkeeping.
type baseBalancer struct {
	backends      []*Backend
	urlIndex      map[string]int // URL → index for O(1) health mark
	cachedHealthy atomic.Value   // []*Backend, rebuilt on health changes
	mu            sync.RWMutex
}

// buildIndex rebuilds the URL index. Caller must hold the write lock.
func (b *baseBalancer) buildIndex() {
	b.urlIndex = make(map[string]int, len(b.backends))
	for i, backend := range b.backends {
		b.urlIndex[backend.URL] = i
	}
	b.rebuildHealthyCache()
}

// rebuildHealthyCache refreshes the lock-free healthy slice. Caller
// must hold the write lock or be in init.
func (b *baseBalancer) rebuildHealthyCache() {
	healthy := make([]*Backend, 0, len(b.backends))
	for _, be := range b.backends {
		if be.Healthy {
			healthy = append(healthy, be)
		}
	}
	b.cachedHealthy.Store(healthy)
}

// CachedHealthyBackends returns the pre-computed healthy slice without
// taking the lock.
func (b *baseBalancer) CachedHealthyBackends() []*Backend {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Backend)
	}
	return nil
}

func (b *baseBalancer) UpdateBackends(backends []*Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Keep known health; new backends start healthy.
	if b.urlIndex != nil {
		for _, backend := range backends {
			if idx, ok := b.urlIndex[backend.URL]; ok {
				backend.Healthy = b.backends[idx].Healthy
			} else {
				backend.Healthy = true
			}
		}
	} else {
		for _, backend := range backends {
			backend.Healthy = true
		}
	}

	b.backends = backends
	b.buildIndex()
}

func (b *baseBalancer) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.urlIndex[url]; ok && !b.backends[idx].Healthy {
		b.backends[idx].Healthy = true
		b.rebuildHealthyCache()
	}
}

func (b *baseBalancer) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.urlIndex[url]; ok && b.backends[idx].Healthy {
		b.backends[idx].Healthy = false
		b.rebuildHealthyCache()
	}
}

func (b *baseBalancer) GetBackends() []*Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Backend, len(b.backends))
	for i, backend := range b.backends {
		result[i] = &Backend{
			URL:            backend.URL,
			Weight:         backend.Weight,
			Healthy:        backend.Healthy,
			ActiveRequests: atomic.LoadInt64(&backend.ActiveRequests),
		}
	}
	return result
}

func (b *baseBalancer) HealthyCount() int {
	return len(b.CachedHealthyBackends())
}

// GetBackendByURL returns the live pointer so IncrActive/DecrActive hit
// the shared counter.
func (b *baseBalancer) GetBackendByURL(backendURL string) *Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if idx, ok := b.urlIndex[backendURL]; ok {
		return b.backends[idx]
	}
	return nil
}

func normalizeWeights(backends []*Backend) {
	for _, b := range backends {
		if b.Weight <= 0 {
			b.Weight = 1
		}
	}
}
