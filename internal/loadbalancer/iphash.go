package loadbalancer

import "github.com/cespare/xxhash/v2"

// IPHash pins each client IP to a backend by hashing the IP modulo the
// healthy count. Sticky per client as long as the healthy set is
// stable; a health change remaps a share of clients.
type IPHash struct {
	baseBalancer
}

// NewIPHash creates an IP-hash balancer.
func NewIPHash(backends []*Backend) *IPHash {
	ih := &IPHash{}
	normalizeWeights(backends)
	ih.backends = backends
	ih.buildIndex()
	return ih
}

// Next falls back to the first healthy backend when no client IP is
// available.
func (ih *IPHash) Next() *Backend {
	healthy := ih.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	return healthy[0]
}

// NextForIP returns the backend pinned to the client IP.
func (ih *IPHash) NextForIP(clientIP string) *Backend {
	healthy := ih.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	return healthy[xxhash.Sum64String(clientIP)%uint64(len(healthy))]
}
