package loadbalancer

// LeastConn picks the healthy backend with the fewest active requests.
// Callers must pair IncrActive on dispatch with DecrActive on
// completion for the counts to mean anything.
type LeastConn struct {
	baseBalancer
}

// NewLeastConn creates a least-connections balancer.
func NewLeastConn(backends []*Backend) *LeastConn {
	lc := &LeastConn{}
	normalizeWeights(backends)
	lc.backends = backends
	lc.buildIndex()
	return lc
}

// Next returns the healthy backend with the smallest live connection
// count. Ties resolve to the first in list order.
func (lc *LeastConn) Next() *Backend {
	healthy := lc.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	best := healthy[0]
	bestActive := best.GetActive()
	for _, b := range healthy[1:] {
		if active := b.GetActive(); active < bestActive {
			best = b
			bestActive = active
		}
	}
	return best
}
