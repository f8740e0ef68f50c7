package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/loadbalancer"
)

// Service is one routable upstream service with its balancer.
type Service struct {
	Name        string
	PathPrefix  string
	StripPrefix bool
	Policy      string
	Timeout     config.Duration
	HealthCheck config.HealthCheckConfig
	Breaker     *config.CircuitBreakerConfig
	Balancer    loadbalancer.Balancer
}

// Select picks an instance for the request, honoring IP-aware policies.
func (s *Service) Select(clientIP string) *loadbalancer.Backend {
	if aware, ok := s.Balancer.(loadbalancer.IPAwareBalancer); ok && clientIP != "" {
		return aware.NextForIP(clientIP)
	}
	return s.Balancer.Next()
}

// Table maps request paths to services by longest prefix. The service
// list is swapped atomically on reload; in-flight requests keep the
// table they resolved against.
type Table struct {
	services atomic.Value // []*Service, sorted by prefix length desc
	mu       sync.Mutex   // serializes rebuilds
}

// NewTable builds a routing table from the service configs.
func NewTable(services []config.ServiceConfig) *Table {
	t := &Table{}
	t.Replace(services)
	return t
}

// Replace swaps in a new service table built from config. Balancers are
// rebuilt; instance health starts fresh and converges via the checker.
func (t *Table) Replace(configs []config.ServiceConfig) {
	services := make([]*Service, 0, len(configs))
	for _, sc := range configs {
		backends := make([]*loadbalancer.Backend, 0, len(sc.Instances))
		for _, inst := range sc.Instances {
			b := &loadbalancer.Backend{
				URL:     inst.URL(),
				Weight:  inst.Weight,
				Healthy: true,
			}
			b.InitParsedURL()
			backends = append(backends, b)
		}
		services = append(services, &Service{
			Name:        sc.Name,
			PathPrefix:  strings.TrimSuffix(sc.PathPrefix, "/"),
			StripPrefix: sc.StripPrefix,
			Policy:      sc.Policy,
			Timeout:     sc.Timeout,
			HealthCheck: sc.HealthCheck,
			Breaker:     sc.CircuitBreaker,
			Balancer:    loadbalancer.New(sc.Policy, backends),
		})
	}

	sort.Slice(services, func(i, j int) bool {
		return len(services[i].PathPrefix) > len(services[j].PathPrefix)
	})

	t.mu.Lock()
	t.services.Store(services)
	t.mu.Unlock()
}

// Match returns the service owning the path, or nil. Longest prefix
// wins; a prefix matches at a path-segment boundary only.
func (t *Table) Match(path string) *Service {
	for _, svc := range t.All() {
		if matchPrefix(path, svc.PathPrefix) {
			return svc
		}
	}
	return nil
}

func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// ByName returns the named service, or nil.
func (t *Table) ByName(name string) *Service {
	for _, svc := range t.All() {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// All returns the current service list.
func (t *Table) All() []*Service {
	if v := t.services.Load(); v != nil {
		return v.([]*Service)
	}
	return nil
}

// UpstreamPath rewrites the request path for the upstream, stripping
// the service prefix when configured.
func (s *Service) UpstreamPath(r *http.Request) string {
	if !s.StripPrefix {
		return r.URL.Path
	}
	stripped := strings.TrimPrefix(r.URL.Path, s.PathPrefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}
