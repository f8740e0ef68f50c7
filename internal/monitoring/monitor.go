package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexgate/apexgate/config"
)

const (
	responseTimeCapacity = 1000
	sampleCapacity       = 100
	alertCapacity        = 100
)

// Alert is one entry in the bounded alert log.
type Alert struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sample is one point of process resource usage.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	HeapBytes  uint64    `json:"heapBytes"`
	SysBytes   uint64    `json:"sysBytes"`
	Goroutines int       `json:"goroutines"`
	NumGC      uint32    `json:"numGC"`
}

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	Uptime        string           `json:"uptime"`
	TotalRequests int64            `json:"totalRequests"`
	ByMethod      map[string]int64 `json:"byMethod"`
	ByPath        map[string]int64 `json:"byPath"`
	ByStatus      map[string]int64 `json:"byStatus"`
	AvgResponseMS float64          `json:"avgResponseMs"`
	P95ResponseMS float64          `json:"p95ResponseMs"`
	Memory        []Sample         `json:"memory"`
	Alerts        []Alert          `json:"alerts"`
}

// Monitor accumulates request counters, bounded series of recent
// response times and resource samples, and mirrors the counters into a
// Prometheus registry.
type Monitor struct {
	enabled        bool
	sampleInterval time.Duration
	startedAt      time.Time

	mu            sync.Mutex
	totalRequests int64
	byMethod      map[string]int64
	byPath        map[string]int64
	byStatus      map[string]int64
	responseTimes *ring[time.Duration]
	samples       *ring[Sample]
	alerts        *ring[Alert]

	registry     *prometheus.Registry
	requestsVec  *prometheus.CounterVec
	durationHist *prometheus.HistogramVec
}

// NewMonitor builds a monitor with its own Prometheus registry.
func NewMonitor(cfg config.MonitoringConfig) *Monitor {
	m := &Monitor{
		enabled:        cfg.Enabled,
		sampleInterval: cfg.SampleInterval.Std(),
		startedAt:      time.Now(),
		byMethod:       make(map[string]int64),
		byPath:         make(map[string]int64),
		byStatus:       make(map[string]int64),
		responseTimes:  newRing[time.Duration](responseTimeCapacity),
		samples:        newRing[Sample](sampleCapacity),
		alerts:         newRing[Alert](alertCapacity),
		registry:       prometheus.NewRegistry(),
	}
	if m.sampleInterval <= 0 {
		m.sampleInterval = 30 * time.Second
	}

	m.requestsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apexgate",
		Name:      "requests_total",
		Help:      "Requests processed, by method, path and status.",
	}, []string{"method", "path", "status"})
	m.durationHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apexgate",
		Name:      "request_duration_seconds",
		Help:      "Request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(
		m.requestsVec,
		m.durationHist,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRequest records one finished request.
func (m *Monitor) RecordRequest(method, path, status string, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.requestsVec.WithLabelValues(method, path, status).Inc()
	m.durationHist.WithLabelValues(method, path).Observe(elapsed.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.byMethod[method]++
	m.byPath[path]++
	m.byStatus[status]++
	m.responseTimes.push(elapsed)
}

// AddAlert appends to the bounded alert log.
func (m *Monitor) AddAlert(severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts.push(Alert{Severity: severity, Message: message, Timestamp: time.Now()})
}

// Run samples process resource usage until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	if !m.enabled {
		return
	}
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{
		Timestamp:  time.Now(),
		HeapBytes:  ms.HeapAlloc,
		SysBytes:   ms.Sys,
		Goroutines: runtime.NumGoroutine(),
		NumGC:      ms.NumGC,
	}
	m.mu.Lock()
	m.samples.push(s)
	m.mu.Unlock()
}

// Snapshot returns the current counters and series.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Uptime:        time.Since(m.startedAt).Round(time.Second).String(),
		TotalRequests: m.totalRequests,
		ByMethod:      copyCounts(m.byMethod),
		ByPath:        copyCounts(m.byPath),
		ByStatus:      copyCounts(m.byStatus),
		Memory:        m.samples.values(),
		Alerts:        m.alerts.values(),
	}

	times := m.responseTimes.values()
	if len(times) > 0 {
		var sum time.Duration
		for _, d := range times {
			sum += d
		}
		snap.AvgResponseMS = float64(sum.Microseconds()) / float64(len(times)) / 1000
		snap.P95ResponseMS = float64(percentile(times, 95).Microseconds()) / 1000
	}
	return snap
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func percentile(times []time.Duration, p int) time.Duration {
	sorted := append([]time.Duration(nil), times...)
	slices.Sort(sorted)
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// PrometheusHandler serves the registry in exposition format.
func (m *Monitor) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
