package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apexgate/apexgate/config"
)

func testManager() *Manager {
	cfg := config.CacheConfig{
		Enabled:          true,
		DefaultTTL:       config.Duration(60 * time.Second),
		Methods:          []string{"GET", "HEAD"},
		Statuses:         []int{200, 201, 301, 304},
		KeyHeaders:       []string{"Accept", "Accept-Language"},
		SensitiveHeaders: []string{"Authorization", "Cookie", "X-API-Key"},
		PathTTLs: []config.PathTTLConfig{
			{Prefix: "/api/users", TTL: config.Duration(600 * time.Second)},
		},
		Invalidation: []config.InvalidationConfig{
			{Prefix: "/api/users", Methods: []string{"POST", "PUT", "DELETE"}},
		},
	}
	return NewManager(NewMemoryStore(100), cfg)
}

func TestKeyIgnoresQueryOrder(t *testing.T) {
	m := testManager()
	a := httptest.NewRequest("GET", "/api/users?a=1&b=2", nil)
	b := httptest.NewRequest("GET", "/api/users?b=2&a=1", nil)
	if m.Key(a) != m.Key(b) {
		t.Error("query parameter order must not change the key")
	}
}

func TestKeyVariesOnAcceptHeaders(t *testing.T) {
	m := testManager()
	a := httptest.NewRequest("GET", "/api/users", nil)
	a.Header.Set("Accept", "application/json")
	b := httptest.NewRequest("GET", "/api/users", nil)
	b.Header.Set("Accept", "text/html")
	if m.Key(a) == m.Key(b) {
		t.Error("Accept header must participate in the key")
	}
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	m := testManager()
	r := httptest.NewRequest("GET", "/api/users/42", nil)

	_, key, hit := m.Lookup(r)
	if hit {
		t.Fatal("empty cache must miss")
	}
	m.Store(r, key, 200, http.Header{"Content-Type": []string{"application/json"}}, []byte(`{"id":42}`))

	entry, _, hit := m.Lookup(r)
	if !hit {
		t.Fatal("stored entry must hit")
	}
	if string(entry.Body) != `{"id":42}` {
		t.Errorf("body = %s", entry.Body)
	}
	if entry.Headers.Get("Content-Type") != "application/json" {
		t.Error("content-type not preserved")
	}
}

func TestSensitiveHeadersBlockCaching(t *testing.T) {
	m := testManager()
	r := httptest.NewRequest("GET", "/api/users/42", nil)
	r.Header.Set("Authorization", "Bearer tok")
	if m.CacheableRequest(r) {
		t.Error("request with Authorization must not be cacheable")
	}
	if _, key, _ := m.Lookup(r); key != "" {
		t.Error("Lookup must not produce a key for uncacheable requests")
	}
}

func TestUncacheableMethodAndStatus(t *testing.T) {
	m := testManager()
	post := httptest.NewRequest("POST", "/api/users", nil)
	if m.CacheableRequest(post) {
		t.Error("POST must not be cacheable")
	}

	get := httptest.NewRequest("GET", "/api/users/42", nil)
	key := m.Key(get)
	m.Store(get, key, 500, http.Header{}, []byte("boom"))
	if _, _, hit := m.Lookup(get); hit {
		t.Error("500 response must not be cached")
	}
}

func TestNoStoreResponseNotCached(t *testing.T) {
	m := testManager()
	r := httptest.NewRequest("GET", "/api/users/42", nil)
	key := m.Key(r)
	hdr := http.Header{"Cache-Control": []string{"no-store"}}
	m.Store(r, key, 200, hdr, []byte("x"))
	if _, _, hit := m.Lookup(r); hit {
		t.Error("Cache-Control: no-store must prevent caching")
	}
}

func TestEmpty304NotCached(t *testing.T) {
	m := testManager()
	r := httptest.NewRequest("GET", "/api/users/42", nil)
	key := m.Key(r)
	m.Store(r, key, 304, http.Header{"Etag": []string{`"v1"`}}, nil)
	if _, _, hit := m.Lookup(r); hit {
		t.Error("bodyless 304 must not be cached")
	}
}

func TestTTLPrecedence(t *testing.T) {
	m := testManager()

	// max-age beats the per-path strategy.
	hdr := http.Header{"Cache-Control": []string{"public, max-age=5"}}
	if got := m.ttlFor("/api/users/42", hdr); got != 5*time.Second {
		t.Errorf("ttl = %v, want max-age 5s", got)
	}
	// Per-path beats the default.
	if got := m.ttlFor("/api/users/42", http.Header{}); got != 600*time.Second {
		t.Errorf("ttl = %v, want path TTL 600s", got)
	}
	// Default otherwise.
	if got := m.ttlFor("/api/orders/1", http.Header{}); got != 60*time.Second {
		t.Errorf("ttl = %v, want default 60s", got)
	}
}

func TestInvalidateAfterMutation(t *testing.T) {
	m := testManager()
	get := httptest.NewRequest("GET", "/api/users/42", nil)
	key := m.Key(get)
	m.Store(get, key, 200, http.Header{}, []byte("v1"))

	post := httptest.NewRequest("POST", "/api/users", nil)
	m.InvalidateAfter(post, 201)

	if _, _, hit := m.Lookup(get); hit {
		t.Error("successful POST must invalidate entries under the rule prefix")
	}
}

func TestFailedMutationDoesNotInvalidate(t *testing.T) {
	m := testManager()
	get := httptest.NewRequest("GET", "/api/users/42", nil)
	key := m.Key(get)
	m.Store(get, key, 200, http.Header{}, []byte("v1"))

	post := httptest.NewRequest("POST", "/api/users", nil)
	m.InvalidateAfter(post, 500)

	if _, _, hit := m.Lookup(get); !hit {
		t.Error("failed POST must not invalidate")
	}
}
