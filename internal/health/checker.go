package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apexgate/apexgate/internal/logging"
)

// Status represents instance health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// UnhealthyAfter is the number of consecutive failures that flips an
// instance to unhealthy. Any success flips it back.
const UnhealthyAfter = 3

// Backend describes one instance to probe.
type Backend struct {
	URL        string
	HealthPath string
	Interval   time.Duration
	Timeout    time.Duration
}

// CheckResult is a snapshot of one instance's health.
type CheckResult struct {
	URL                 string        `json:"url"`
	Status              Status        `json:"status"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Latency             time.Duration `json:"latency"`
	LastCheck           time.Time     `json:"lastCheck"`
	LastError           string        `json:"lastError,omitempty"`
}

type backendState struct {
	backend             Backend
	healthy             bool
	consecutiveFailures int
	lastCheck           time.Time
	lastError           error
	latency             time.Duration
}

// Checker probes instances in the background and also accepts passive
// results from the proxy path. Probes and proxy failures feed the same
// consecutive-failure counter.
type Checker struct {
	client   *http.Client
	backends map[string]*backendState
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	onChange func(url string, status Status)
	defaults Config
}

// Config holds checker construction options.
type Config struct {
	DefaultInterval time.Duration
	DefaultTimeout  time.Duration
	// OnChange fires on every healthy/unhealthy flip.
	OnChange func(url string, status Status)
}

// NewChecker creates a health checker. Call Stop to cancel its loops.
func NewChecker(cfg Config) *Checker {
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = 30 * time.Second
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backends: make(map[string]*backendState),
		ctx:      ctx,
		cancel:   cancel,
		onChange: cfg.OnChange,
	}
	c.defaults = cfg
	return c
}

// AddBackend registers an instance and starts its probe loop.
// Instances start healthy; the first probe corrects that if needed.
func (c *Checker) AddBackend(b Backend) {
	if b.HealthPath == "" {
		b.HealthPath = "/health"
	}
	if b.Interval == 0 {
		b.Interval = c.defaults.DefaultInterval
	}
	if b.Timeout == 0 {
		b.Timeout = c.defaults.DefaultTimeout
	}

	c.mu.Lock()
	if _, exists := c.backends[b.URL]; exists {
		c.mu.Unlock()
		return
	}
	c.backends[b.URL] = &backendState{backend: b, healthy: true}
	c.mu.Unlock()

	go c.checkLoop(b.URL, b.Interval)
}

// RemoveBackend stops tracking an instance. Its loop exits on the next
// tick.
func (c *Checker) RemoveBackend(url string) {
	c.mu.Lock()
	delete(c.backends, url)
	c.mu.Unlock()
}

// IsHealthy reports whether the instance is currently healthy. Unknown
// instances report unhealthy.
func (c *Checker) IsHealthy(url string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.backends[url]
	return ok && state.healthy
}

// Snapshot returns the health of every tracked instance.
func (c *Checker) Snapshot() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.backends))
	for url, state := range c.backends {
		r := CheckResult{
			URL:                 url,
			Status:              StatusHealthy,
			ConsecutiveFailures: state.consecutiveFailures,
			Latency:             state.latency,
			LastCheck:           state.lastCheck,
		}
		if !state.healthy {
			r.Status = StatusUnhealthy
		}
		if state.lastError != nil {
			r.LastError = state.lastError.Error()
		}
		results[url] = r
	}
	return results
}

// RecordSuccess feeds a passive success (proxy completed) into the
// counter. Any success restores the healthy flag.
func (c *Checker) RecordSuccess(url string) {
	c.record(url, true, 0, nil)
}

// RecordFailure feeds a passive failure (connection-level proxy error)
// into the counter.
func (c *Checker) RecordFailure(url string, err error) {
	c.record(url, false, 0, err)
}

// Stop cancels all probe loops.
func (c *Checker) Stop() {
	c.cancel()
}

func (c *Checker) checkLoop(url string, interval time.Duration) {
	c.check(url)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			_, exists := c.backends[url]
			c.mu.RUnlock()
			if !exists {
				return
			}
			c.check(url)
		}
	}
}

func (c *Checker) check(url string) {
	c.mu.RLock()
	state, exists := c.backends[url]
	if !exists {
		c.mu.RUnlock()
		return
	}
	backend := state.backend
	c.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, backend.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+backend.HealthPath, nil)
	if err != nil {
		c.record(url, false, time.Since(start), err)
		return
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.record(url, false, latency, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.record(url, false, latency, fmt.Errorf("probe status %d", resp.StatusCode))
		return
	}
	c.record(url, true, latency, nil)
}

func (c *Checker) record(url string, success bool, latency time.Duration, err error) {
	c.mu.Lock()
	state, exists := c.backends[url]
	if !exists {
		c.mu.Unlock()
		return
	}

	state.lastCheck = time.Now()
	state.lastError = err
	if latency > 0 {
		state.latency = latency
	}

	wasHealthy := state.healthy
	if success {
		state.consecutiveFailures = 0
		state.healthy = true
	} else {
		state.consecutiveFailures++
		if state.consecutiveFailures >= UnhealthyAfter {
			state.healthy = false
		}
	}
	nowHealthy := state.healthy
	c.mu.Unlock()

	if wasHealthy == nowHealthy {
		return
	}

	status := StatusHealthy
	if !nowHealthy {
		status = StatusUnhealthy
		logging.Warn("instance unhealthy",
			zap.String("url", url),
			zap.Error(err))
	} else {
		logging.Info("instance recovered", zap.String("url", url))
	}
	if c.onChange != nil {
		c.onChange(url, status)
	}
}
