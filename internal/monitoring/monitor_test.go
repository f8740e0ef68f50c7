package monitoring

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apexgate/apexgate/config"
)

func enabledMonitor() *Monitor {
	return NewMonitor(config.MonitoringConfig{Enabled: true})
}

func TestRecordRequestCounters(t *testing.T) {
	m := enabledMonitor()
	m.RecordRequest("GET", "/api/users", "200", 10*time.Millisecond)
	m.RecordRequest("GET", "/api/users", "200", 30*time.Millisecond)
	m.RecordRequest("POST", "/api/orders", "502", 5*time.Millisecond)

	snap := m.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("total = %d, want 3", snap.TotalRequests)
	}
	if snap.ByMethod["GET"] != 2 || snap.ByMethod["POST"] != 1 {
		t.Errorf("byMethod = %v", snap.ByMethod)
	}
	if snap.ByStatus["502"] != 1 {
		t.Errorf("byStatus = %v", snap.ByStatus)
	}
	if snap.AvgResponseMS < 14 || snap.AvgResponseMS > 16 {
		t.Errorf("avg = %.2f ms, want ~15", snap.AvgResponseMS)
	}
}

func TestDisabledMonitorRecordsNothing(t *testing.T) {
	m := NewMonitor(config.MonitoringConfig{Enabled: false})
	m.RecordRequest("GET", "/api/users", "200", time.Millisecond)
	if m.Snapshot().TotalRequests != 0 {
		t.Error("disabled monitor must not count")
	}
}

func TestResponseTimeRingBounded(t *testing.T) {
	m := enabledMonitor()
	for i := 0; i < responseTimeCapacity+100; i++ {
		m.RecordRequest("GET", "/api/users", "200", time.Duration(i)*time.Millisecond)
	}
	m.mu.Lock()
	n := m.responseTimes.len()
	m.mu.Unlock()
	if n != responseTimeCapacity {
		t.Errorf("ring holds %d, want %d", n, responseTimeCapacity)
	}
}

func TestAlertLogEvictsOldest(t *testing.T) {
	m := enabledMonitor()
	for i := 0; i < alertCapacity+5; i++ {
		m.AddAlert("warning", "alert "+strconv.Itoa(i))
	}
	alerts := m.Snapshot().Alerts
	if len(alerts) != alertCapacity {
		t.Fatalf("alerts = %d, want %d", len(alerts), alertCapacity)
	}
	if alerts[0].Message != "alert 5" {
		t.Errorf("oldest = %q, want alert 5", alerts[0].Message)
	}
	if alerts[len(alerts)-1].Message != "alert "+strconv.Itoa(alertCapacity+4) {
		t.Errorf("newest = %q", alerts[len(alerts)-1].Message)
	}
}

func TestPercentile(t *testing.T) {
	times := make([]time.Duration, 100)
	for i := range times {
		times[i] = time.Duration(i+1) * time.Millisecond
	}
	if got := percentile(times, 95); got != 96*time.Millisecond {
		t.Errorf("p95 = %v, want 96ms", got)
	}
}

func TestPrometheusExposition(t *testing.T) {
	m := enabledMonitor()
	m.RecordRequest("GET", "/api/users", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "apexgate_requests_total") {
		t.Error("exposition must include the request counter")
	}
}

func TestSampleCapturesMemory(t *testing.T) {
	m := enabledMonitor()
	m.sample()
	snap := m.Snapshot()
	if len(snap.Memory) != 1 {
		t.Fatalf("samples = %d, want 1", len(snap.Memory))
	}
	if snap.Memory[0].HeapBytes == 0 || snap.Memory[0].Goroutines == 0 {
		t.Error("sample must carry heap and goroutine figures")
	}
}
