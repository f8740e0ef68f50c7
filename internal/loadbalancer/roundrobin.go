package loadbalancer

import "sync/atomic"

// RoundRobin cycles through healthy backends in order.
type RoundRobin struct {
	baseBalancer
	current uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin(backends []*Backend) *RoundRobin {
	rr := &RoundRobin{}
	normalizeWeights(backends)
	rr.backends = backends
	rr.buildIndex()
	return rr
}

// Next returns the next healthy backend. Reads the healthy cache
// lock-free on the hot path.
func (rr *RoundRobin) Next() *Backend {
	healthy := rr.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&rr.current, 1)
	return healthy[(idx-1)%uint64(len(healthy))]
}

// WeightedRoundRobin cycles through an expansion of the healthy
// backends where each appears Weight times.
type WeightedRoundRobin struct {
	baseBalancer
	current uint64
}

// NewWeightedRoundRobin creates a weighted round-robin balancer.
func NewWeightedRoundRobin(backends []*Backend) *WeightedRoundRobin {
	wrr := &WeightedRoundRobin{}
	normalizeWeights(backends)
	wrr.backends = backends
	wrr.buildIndex()
	return wrr
}

// Next returns the next backend from the weight expansion of the
// currently healthy set.
func (wrr *WeightedRoundRobin) Next() *Backend {
	healthy := wrr.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	total := 0
	for _, b := range healthy {
		total += b.Weight
	}
	idx := int((atomic.AddUint64(&wrr.current, 1) - 1) % uint64(total))
	for _, b := range healthy {
		if idx < b.Weight {
			return b
		}
		idx -= b.Weight
	}
	return healthy[len(healthy)-1]
}
