package circuitbreaker

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/logging"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, reject requests
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a per-service three-state circuit breaker.
//
// CLOSED opens when failures reach errorCount AND the failure
// percentage over the window reaches errorThreshold. OPEN admits the
// first request at or after lastStateChange+resetTimeout, moving to
// HALF_OPEN. HALF_OPEN closes after halfOpenRequests consecutive
// successes and reopens on any failure.
type Breaker struct {
	service string

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	halfOpenSuccess  int
	lastStateChange  time.Time

	errorCount       int
	errorThreshold   float64
	resetTimeout     time.Duration
	halfOpenRequests int
	callTimeout      time.Duration
	onChange         func(service string, from, to State)

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalTimeouts  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker for a service from its config.
func NewBreaker(service string, cfg config.CircuitBreakerConfig) *Breaker {
	errorCount := cfg.ErrorCount
	if errorCount <= 0 {
		errorCount = 5
	}
	threshold := cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = 50
	}
	reset := cfg.ResetTimeout.Std()
	if reset <= 0 {
		reset = 30 * time.Second
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen <= 0 {
		halfOpen = 1
	}
	callTimeout := cfg.Timeout.Std()
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	return &Breaker{
		service:          service,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		errorCount:       errorCount,
		errorThreshold:   threshold,
		resetTimeout:     reset,
		halfOpenRequests: halfOpen,
		callTimeout:      callTimeout,
	}
}

// CallTimeout is the per-upstream-call timeout the proxy must enforce.
func (b *Breaker) CallTimeout() time.Duration { return b.callTimeout }

// Permit is the admission ticket for one upstream call. Exactly one of
// Success, Failure, or Cancel must be called.
type Permit struct {
	breaker  *Breaker
	halfOpen bool
	done     atomic.Bool
}

// Allow admits or rejects a request. On rejection the second return is
// the whole seconds remaining until the breaker will probe again.
func (b *Breaker) Allow() (*Permit, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return &Permit{breaker: b}, 0

	case StateOpen:
		elapsed := time.Since(b.lastStateChange)
		if elapsed >= b.resetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenInFlight = 1
			b.halfOpenSuccess = 0
			return &Permit{breaker: b, halfOpen: true}, 0
		}
		b.totalRejected.Add(1)
		return nil, retryAfterSeconds(b.resetTimeout - elapsed)

	case StateHalfOpen:
		if b.halfOpenInFlight < b.halfOpenRequests {
			b.halfOpenInFlight++
			return &Permit{breaker: b, halfOpen: true}, 0
		}
		b.totalRejected.Add(1)
		return nil, retryAfterSeconds(b.resetTimeout)
	}

	b.totalRejected.Add(1)
	return nil, retryAfterSeconds(b.resetTimeout)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Success records a successful upstream call.
func (p *Permit) Success() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	p.breaker.recordSuccess()
}

// Failure records a failed upstream call. Timeouts are tracked
// separately for telemetry but count as ordinary failures.
func (p *Permit) Failure(isTimeout bool) {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	p.breaker.recordFailure(isTimeout)
}

// Cancel returns an unused permit without recording an outcome, e.g.
// when no healthy instance was available after admission.
func (p *Permit) Cancel() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	if !p.halfOpen {
		return
	}
	b := p.breaker
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) recordSuccess() {
	b.totalSuccesses.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.successes++

	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenRequests {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
			b.halfOpenInFlight = 0
			b.halfOpenSuccess = 0
		}
	}
}

func (b *Breaker) recordFailure(isTimeout bool) {
	b.totalFailures.Add(1)
	if isTimeout {
		b.totalTimeouts.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		total := b.failures + b.successes
		if b.failures >= b.errorCount &&
			float64(b.failures)/float64(total)*100 >= b.errorThreshold {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		b.transition(StateOpen)
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
	}
}

// transition moves to the new state. Caller holds the lock; onChange
// runs with the lock held and must not call back into the breaker.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()
	logging.Info("circuit state change",
		zap.String("service", b.service),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failures))
	if b.onChange != nil {
		b.onChange(b.service, from, to)
	}
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Service:         b.service,
		State:           b.state.String(),
		Failures:        b.failures,
		Successes:       b.successes,
		HalfOpenSuccess: b.halfOpenSuccess,
		LastStateChange: b.lastStateChange,
		TotalRequests:   b.totalRequests.Load(),
		TotalFailures:   b.totalFailures.Load(),
		TotalTimeouts:   b.totalTimeouts.Load(),
		TotalSuccesses:  b.totalSuccesses.Load(),
		TotalRejected:   b.totalRejected.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	Service         string    `json:"service"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	HalfOpenSuccess int       `json:"halfOpenSuccesses"`
	LastStateChange time.Time `json:"lastStateChange"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalTimeouts   int64     `json:"totalTimeouts"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	TotalRejected   int64     `json:"totalRejected"`
}

// Table manages one breaker per service.
type Table struct {
	defaults config.CircuitBreakerConfig
	breakers map[string]*Breaker
	onChange func(service string, from, to State)
	mu       sync.RWMutex
}

// NewTable creates a breaker table with global defaults.
func NewTable(defaults config.CircuitBreakerConfig) *Table {
	return &Table{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers a listener for every breaker state
// transition. Set it before breakers are configured or first used.
func (t *Table) OnStateChange(fn func(service string, from, to State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Configure installs per-service overrides, replacing any existing
// breaker for the service.
func (t *Table) Configure(service string, cfg config.CircuitBreakerConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := NewBreaker(service, cfg)
	b.onChange = t.onChange
	t.breakers[service] = b
}

// Get returns the breaker for a service, creating one with the global
// defaults on first sight.
func (t *Table) Get(service string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[service]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[service]; ok {
		return b
	}
	b = NewBreaker(service, t.defaults)
	b.onChange = t.onChange
	t.breakers[service] = b
	return b
}

// Snapshots returns snapshots of all breakers.
func (t *Table) Snapshots() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]Snapshot, len(t.breakers))
	for name, b := range t.breakers {
		result[name] = b.Snapshot()
	}
	return result
}

// ServiceKey derives the circuit key from a request: the second path
// segment of /api/<service>/..., else the x-service-name header. An
// empty key means the breaker is bypassed.
func ServiceKey(r *http.Request) string {
	if key := keyFromPath(r.URL.Path); key != "" {
		return key
	}
	return r.Header.Get("x-service-name")
}

// PrefixKey derives the circuit key for a configured route prefix, so
// per-service overrides land on the breaker ServiceKey resolves at
// request time. Empty when the prefix is not under /api/.
func PrefixKey(prefix string) string {
	return keyFromPath(prefix)
}

func keyFromPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] != "" {
		return parts[1]
	}
	return ""
}
