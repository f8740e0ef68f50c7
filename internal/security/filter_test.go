package security

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apexgate/apexgate/config"
)

func newFilter(t *testing.T, cfg config.SecurityConfig) *Filter {
	t.Helper()
	cfg.Enabled = true
	f, err := NewFilter(cfg)
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	return f
}

func TestAllowListAuthoritative(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{
		AllowList: []string{"10.0.0.0/8"},
		DenyList:  []string{"10.1.1.1"}, // ignored while allow-list is set
	})

	r := httptest.NewRequest("GET", "/api/users", nil)
	if gerr := f.Check(r, "10.1.1.1", nil); gerr != nil {
		t.Error("allow-listed IP must pass even when deny-listed")
	}
	if gerr := f.Check(r, "192.168.1.5", nil); gerr == nil {
		t.Error("IP outside the allow-list must be rejected")
	}
}

func TestDenyList(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{DenyList: []string{"203.0.113.0/24"}})
	r := httptest.NewRequest("GET", "/api/users", nil)

	if gerr := f.Check(r, "203.0.113.9", nil); gerr == nil {
		t.Error("deny-listed IP must be rejected")
	}
	if gerr := f.Check(r, "198.51.100.1", nil); gerr != nil {
		t.Errorf("unlisted IP must pass: %v", gerr)
	}
}

func TestSQLInjectionDetected(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{})
	r := httptest.NewRequest("GET", "/api/users?q=1+UNION+SELECT+password+FROM+users", nil)

	gerr := f.Check(r, "198.51.100.1", nil)
	if gerr == nil {
		t.Fatal("SQL injection in query must be blocked")
	}
	if gerr.Code != 403 {
		t.Errorf("status = %d, want 403", gerr.Code)
	}
	if f.ViolationCount("198.51.100.1") != 1 {
		t.Errorf("violations = %d, want 1", f.ViolationCount("198.51.100.1"))
	}
}

func TestXSSAndTraversalDetected(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{})

	r := httptest.NewRequest("POST", "/api/users", nil)
	if gerr := f.Check(r, "198.51.100.1", []byte(`{"bio":"<script>alert(1)</script>"}`)); gerr == nil {
		t.Error("XSS in body must be blocked")
	}

	r = httptest.NewRequest("GET", "/api/files?path=..%2F..%2Fetc%2Fpasswd", nil)
	if gerr := f.Check(r, "198.51.100.2", nil); gerr == nil {
		t.Error("path traversal must be blocked")
	}
}

func TestHeaderSizeCap(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{MaxHeaderBytes: 64})
	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-Big", strings.Repeat("a", 65))

	gerr := f.Check(r, "198.51.100.1", nil)
	if gerr == nil {
		t.Fatal("oversized header must be rejected")
	}
	if gerr.Code != 400 {
		t.Errorf("status = %d, want 400", gerr.Code)
	}
}

func TestBodyDepthCap(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{MaxBodyDepth: 3})
	r := httptest.NewRequest("POST", "/api/users", nil)

	if gerr := f.Check(r, "198.51.100.1", []byte(`{"a":{"b":"c"}}`)); gerr != nil {
		t.Errorf("shallow body must pass: %v", gerr)
	}
	if gerr := f.Check(r, "198.51.100.1", []byte(`{"a":{"b":{"c":{"d":1}}}}`)); gerr == nil {
		t.Error("deep nesting must be rejected")
	}
}

func TestAutoDenyAfterRepeatedViolations(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{
		MaxViolations: 3,
		ViolationTTL:  config.Duration(time.Hour),
	})
	bad := httptest.NewRequest("GET", "/api/users?q=<script>", nil)
	clean := httptest.NewRequest("GET", "/api/users", nil)

	for i := 0; i < 4; i++ {
		f.Check(bad, "203.0.113.7", nil)
	}

	if gerr := f.Check(clean, "203.0.113.7", nil); gerr == nil {
		t.Error("IP over the violation budget must be auto-denied even for clean requests")
	}
	if gerr := f.Check(clean, "203.0.113.8", nil); gerr != nil {
		t.Error("other IPs must be unaffected")
	}
}

func TestAutoDenyListenerFiresOnce(t *testing.T) {
	f := newFilter(t, config.SecurityConfig{
		MaxViolations: 1,
		ViolationTTL:  config.Duration(time.Hour),
	})
	var denied []string
	f.OnAutoDeny(func(ip string) { denied = append(denied, ip) })

	bad := httptest.NewRequest("GET", "/api/users?q=<script>", nil)
	for i := 0; i < 4; i++ {
		f.Check(bad, "203.0.113.9", nil)
	}

	if len(denied) != 1 || denied[0] != "203.0.113.9" {
		t.Fatalf("denied = %v, want exactly one notification for 203.0.113.9", denied)
	}
}

func TestDisabledFilterPassesEverything(t *testing.T) {
	f, err := NewFilter(config.SecurityConfig{Enabled: false, DenyList: []string{"1.2.3.4"}})
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest("GET", "/api/users?q=<script>", nil)
	if gerr := f.Check(r, "1.2.3.4", nil); gerr != nil {
		t.Error("disabled filter must not block")
	}
}
