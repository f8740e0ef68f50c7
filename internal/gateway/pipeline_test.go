package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/apexgate/apexgate/config"
)

// upstream is a scripted backend recording what the gateway sends it.
type upstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	hits     int
	lastPath string
	lastBody []byte
	status   int
	body     string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{status: http.StatusOK, body: `{"ok":true}`}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		if r.URL.Path != "/health" {
			u.hits++
			u.lastPath = r.URL.Path
			u.lastBody = body
		}
		status, payload := u.status, u.body
		u.mu.Unlock()

		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, payload)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) setStatus(code int) {
	u.mu.Lock()
	u.status = code
	u.mu.Unlock()
}

func (u *upstream) hitCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

func (u *upstream) receivedBody() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.lastBody...)
}

func instanceOf(t *testing.T, u *upstream) config.InstanceConfig {
	t.Helper()
	parsed, err := url.Parse(u.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(parsed.Port())
	return config.InstanceConfig{Host: parsed.Hostname(), Port: port, Weight: 1}
}

func testConfig(instances ...config.InstanceConfig) *config.Config {
	return &config.Config{
		Host:        "127.0.0.1",
		Port:        0,
		Environment: "test",
		Auth: config.AuthConfig{
			Enabled: true,
			JWT: config.JWTConfig{
				Enabled: true,
				Secret:  "test-secret",
				TTL:     config.Duration(time.Hour),
			},
			APIKey: config.APIKeyConfig{Enabled: true, Header: "X-API-Key"},
			Basic:  config.BasicConfig{Enabled: true},
			Users: []config.UserConfig{
				{Username: "alice", Password: "s3cret", Permissions: []string{"read", "write"}},
				{Username: "root", Password: "toor", Permissions: []string{"admin"}},
			},
		},
		Routing: config.RoutingConfig{
			Services: []config.ServiceConfig{{
				Name:       "users",
				PathPrefix: "/api/users",
				Policy:     "roundRobin",
				Instances:  instances,
				HealthCheck: config.HealthCheckConfig{
					Path:     "/health",
					Interval: config.Duration(time.Hour),
				},
			}},
		},
		RateLimit: config.RateLimitConfig{
			Enabled:     true,
			WindowMS:    60_000,
			MaxRequests: 1000,
			Identity:    config.IdentityConfig{WindowMS: 60_000, MaxRequests: 1000},
		},
		Cache: config.CacheConfig{
			Enabled:    true,
			DefaultTTL: config.Duration(time.Minute),
			MaxSize:    100,
			Methods:    []string{"GET", "HEAD"},
			Statuses:   []int{200, 301, 302, 304},
			KeyHeaders: []string{"Accept", "Accept-Language", "Accept-Encoding"},
			PathTTLs: []config.PathTTLConfig{
				{Prefix: "/api/users", TTL: config.Duration(600 * time.Second)},
			},
			Invalidation: []config.InvalidationConfig{
				{Prefix: "/api/users", Methods: []string{"POST", "PUT", "PATCH", "DELETE"}},
			},
		},
		Security: config.SecurityConfig{Enabled: true},
		CircuitBreaker: config.CircuitBreakerConfig{
			Timeout:          config.Duration(5 * time.Second),
			ErrorCount:       5,
			ErrorThreshold:   50,
			ResetTimeout:     config.Duration(30 * time.Second),
			HalfOpenRequests: 1,
		},
		Transformation: config.TransformationConfig{Enabled: true},
		Monitoring:     config.MonitoringConfig{Enabled: true},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.checker.Stop)
	return s
}

func login(t *testing.T, s *Server, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body.String())
	}
	return gjson.Get(rec.Body.String(), "token").String()
}

func doAuthed(s *Server, token, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Authorization", "Bearer "+token)
	r.RemoteAddr = "10.9.9.9:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func TestCacheMissThenHit(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(instanceOf(t, up)))
	token := login(t, s, "alice", "s3cret")

	first := doAuthed(s, token, "GET", "/api/users/42", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first: %d: %s", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", got)
	}

	second := doAuthed(s, token, "GET", "/api/users/42", nil)
	if second.Code != http.StatusOK {
		t.Fatalf("second: %d", second.Code)
	}
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}
	if up.hitCount() != 1 {
		t.Errorf("upstream hits = %d, want 1 (hit served from cache)", up.hitCount())
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("cached body must be byte-identical")
	}
}

func TestMutationInvalidatesCache(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(instanceOf(t, up)))
	token := login(t, s, "alice", "s3cret")

	doAuthed(s, token, "GET", "/api/users/42", nil)
	if rec := doAuthed(s, token, "GET", "/api/users/42", nil); rec.Header().Get("X-Cache") != "HIT" {
		t.Fatal("warm-up must hit")
	}

	if rec := doAuthed(s, token, "POST", "/api/users", []byte(`{"name":"bob"}`)); rec.Code != http.StatusOK {
		t.Fatalf("POST: %d", rec.Code)
	}

	if rec := doAuthed(s, token, "GET", "/api/users/42", nil); rec.Header().Get("X-Cache") != "MISS" {
		t.Error("entries under the prefix must be invalidated after a successful mutation")
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Cache.Enabled = false
	cfg.CircuitBreaker = config.CircuitBreakerConfig{
		Timeout:          config.Duration(5 * time.Second),
		ErrorCount:       3,
		ErrorThreshold:   50,
		ResetTimeout:     config.Duration(1000 * time.Millisecond),
		HalfOpenRequests: 3,
	}
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	up.setStatus(http.StatusInternalServerError)
	for i := 0; i < 3; i++ {
		if rec := doAuthed(s, token, "GET", "/api/users/1", nil); rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}

	rec := doAuthed(s, token, "GET", "/api/users/1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("open circuit: %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if up.hitCount() != 3 {
		t.Errorf("upstream hits = %d, want 3 (4th short-circuited)", up.hitCount())
	}

	up.setStatus(http.StatusOK)
	time.Sleep(1100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if rec := doAuthed(s, token, "GET", "/api/users/1", nil); rec.Code != http.StatusOK {
			t.Fatalf("probe %d: %d", i, rec.Code)
		}
	}
	if state := s.breakers.Get("users").Snapshot().State; state != "closed" {
		t.Errorf("state = %s, want closed after consecutive probe successes", state)
	}
}

func TestBreakerOverrideWhenNameDiffersFromPrefix(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Cache.Enabled = false
	cfg.Routing.Services[0].Name = "user-service"
	cfg.Routing.Services[0].CircuitBreaker = &config.CircuitBreakerConfig{
		Timeout:          config.Duration(5 * time.Second),
		ErrorCount:       1,
		ErrorThreshold:   50,
		ResetTimeout:     config.Duration(30 * time.Second),
		HalfOpenRequests: 1,
	}
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	up.setStatus(http.StatusInternalServerError)
	if rec := doAuthed(s, token, "GET", "/api/users/1", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first: %d", rec.Code)
	}

	rec := doAuthed(s, token, "GET", "/api/users/1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second: %d, want 503 (errorCount=1 override must apply)", rec.Code)
	}
	if up.hitCount() != 1 {
		t.Errorf("upstream hits = %d, want 1", up.hitCount())
	}
	if state := s.breakers.Get("users").Snapshot().State; state != "open" {
		t.Errorf("state = %s, want open", state)
	}
}

func TestAlertLogRecordsGatewayEvents(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Cache.Enabled = false
	cfg.CircuitBreaker.ErrorCount = 1
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	up.setStatus(http.StatusInternalServerError)
	doAuthed(s, token, "GET", "/api/users/1", nil)

	for i := 0; i < 3; i++ {
		s.checker.RecordFailure(up.srv.URL, io.ErrUnexpectedEOF)
	}

	var circuit, instance bool
	for _, a := range s.monitor.Snapshot().Alerts {
		if strings.Contains(a.Message, "circuit") {
			circuit = true
		}
		if strings.Contains(a.Message, "instance unhealthy") {
			instance = true
		}
	}
	if !circuit {
		t.Error("circuit state changes must land in the alert log")
	}
	if !instance {
		t.Error("health flips must land in the alert log")
	}
}

func TestRateLimitWindow(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Cache.Enabled = false
	cfg.RateLimit.MaxRequests = 2
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, doAuthed(s, token, "GET", "/api/users/1", nil).Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}

	rec := doAuthed(s, token, "GET", "/api/users/1", nil)
	if rec.Code != 429 {
		t.Fatalf("still inside the window, want 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("denied responses must carry X-RateLimit-* headers")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("denied responses must carry Retry-After")
	}
}

func TestRoundRobinAndFailover(t *testing.T) {
	a, b := newUpstream(t), newUpstream(t)
	cfg := testConfig(instanceOf(t, a), instanceOf(t, b))
	cfg.Cache.Enabled = false
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	// Let the initial probes settle before driving traffic.
	time.Sleep(200 * time.Millisecond)

	var order []string
	for i := 0; i < 4; i++ {
		rec := doAuthed(s, token, "GET", "/api/users/1", nil)
		order = append(order, rec.Header().Get("X-Gateway-Instance"))
	}
	if order[0] == order[1] || order[0] != order[2] || order[1] != order[3] {
		t.Fatalf("dispatch order = %v, want strict alternation", order)
	}

	urlA := a.srv.URL
	for i := 0; i < 3; i++ {
		s.checker.RecordFailure(urlA, io.ErrUnexpectedEOF)
	}

	for i := 0; i < 2; i++ {
		rec := doAuthed(s, token, "GET", "/api/users/1", nil)
		if got := rec.Header().Get("X-Gateway-Instance"); got == urlA {
			t.Errorf("request %d dispatched to unhealthy instance", i)
		}
	}
}

func TestBodyTransformReachesUpstream(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Cache.Enabled = false
	cfg.Transformation.Rules = []config.TransformRuleConfig{{
		PathPrefix: "/api/users",
		Request: []config.TransformOpConfig{
			{Action: "transform", Target: "body", Path: "user.name", Function: "trim"},
			{Action: "transform", Target: "body", Path: "user.name", Function: "lowercase"},
		},
	}}
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	rec := doAuthed(s, token, "POST", "/api/users", []byte(`{"user":{"name":"  ALICE  "}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.GetBytes(up.receivedBody(), "user.name").String(); got != "alice" {
		t.Errorf("upstream saw user.name = %q, want alice", got)
	}
}

func TestGatewayEnvelopeAndHeaders(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Cache.Enabled = false
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	rec := doAuthed(s, token, "GET", "/api/users/7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	for _, h := range []string{"X-Gateway-Version", "X-Request-Id", "X-Response-Time", "X-Gateway-Service", "X-Gateway-Instance"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
	if rec.Header().Get("X-Gateway-Service") != "users" {
		t.Errorf("service = %q", rec.Header().Get("X-Gateway-Service"))
	}

	body := rec.Body.String()
	if gjson.Get(body, "_gateway.requestId").String() == "" {
		t.Error("JSON responses must carry the _gateway envelope")
	}
	if gjson.Get(body, "_gateway.service").String() != "users" {
		t.Errorf("_gateway.service = %q", gjson.Get(body, "_gateway.service").String())
	}
}

func TestUnknownServiceIs404(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(instanceOf(t, up)))
	token := login(t, s, "alice", "s3cret")

	rec := doAuthed(s, token, "GET", "/api/ghost/1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NOT_FOUND") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMissingCredentialsIs401(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(instanceOf(t, up)))

	r := httptest.NewRequest("GET", "/api/users/1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if up.hitCount() != 0 {
		t.Error("unauthenticated requests must not reach the upstream")
	}
}

func TestThreatPatternIs403(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(instanceOf(t, up)))
	token := login(t, s, "alice", "s3cret")

	rec := doAuthed(s, token, "GET", "/api/users?q=%3Cscript%3Ealert(1)%3C/script%3E", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if up.hitCount() != 0 {
		t.Error("blocked requests must not reach the upstream")
	}
}

func TestUpstreamTimeoutIs504(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	parsed, _ := url.Parse(slow.URL)
	port, _ := strconv.Atoi(parsed.Port())
	cfg := testConfig(config.InstanceConfig{Host: parsed.Hostname(), Port: port, Weight: 1})
	cfg.Cache.Enabled = false
	cfg.Routing.Services[0].Timeout = config.Duration(50 * time.Millisecond)
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	rec := doAuthed(s, token, "GET", "/api/users/1", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(instanceOf(t, up))
	cfg.Limits.MaxBodyBytes = 64
	s := newTestServer(t, cfg)
	token := login(t, s, "alice", "s3cret")

	rec := doAuthed(s, token, "POST", "/api/users", bytes.Repeat([]byte("x"), 128))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}
