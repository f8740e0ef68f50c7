package loadbalancer

import "math/rand/v2"

// Random picks a healthy backend uniformly at random.
type Random struct {
	baseBalancer
}

// NewRandom creates a random balancer.
func NewRandom(backends []*Backend) *Random {
	r := &Random{}
	normalizeWeights(backends)
	r.backends = backends
	r.buildIndex()
	return r
}

// Next returns a uniformly chosen healthy backend.
func (r *Random) Next() *Backend {
	healthy := r.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	return healthy[rand.IntN(len(healthy))]
}
