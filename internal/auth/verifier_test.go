package auth

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apexgate/apexgate/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
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
		Keys: []config.APIKeyRecord{
			{Key: "ak_test", Name: "ci", Permissions: []string{"read"}, QuotaLimit: 50},
		},
	}
}

func testVerifier() (*Verifier, *Store) {
	cfg := testAuthConfig()
	store := NewStore(cfg)
	return NewVerifier(cfg, store, NewBlacklist()), store
}

func TestVerifyAPIKey(t *testing.T) {
	v, _ := testVerifier()
	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-API-Key", "ak_test")

	p, gerr := v.Verify(r)
	if gerr != nil {
		t.Fatalf("Verify: %v", gerr)
	}
	if p.Method != MethodAPIKey || p.ID != "ci" {
		t.Errorf("principal = %+v", p)
	}
	if !p.Has(PermRead) || p.Has(PermWrite) {
		t.Error("permissions must come from the key record")
	}
	if p.QuotaKey() != "apikey:ak_test" {
		t.Errorf("QuotaKey = %s", p.QuotaKey())
	}
}

func TestFirstParsingMethodIsAuthoritative(t *testing.T) {
	v, _ := testVerifier()
	// Invalid API key plus a valid basic credential: the API key is
	// authoritative and must fail without falling through.
	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-API-Key", "ak_bogus")
	r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:s3cret")))

	if _, gerr := v.Verify(r); gerr == nil {
		t.Fatal("invalid API key must not fall through to basic auth")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	v, store := testVerifier()
	user, _ := store.User("alice")
	token, err := v.MintToken(user)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, gerr := v.Verify(r)
	if gerr != nil {
		t.Fatalf("Verify: %v", gerr)
	}
	if p.Method != MethodJWT || p.ID != "alice" {
		t.Errorf("principal = %+v", p)
	}
	if !p.Has(PermWrite) {
		t.Error("claims permissions not carried")
	}
}

func TestBlacklistedTokenRejected(t *testing.T) {
	v, store := testVerifier()
	user, _ := store.User("alice")
	token, _ := v.MintToken(user)

	v.Revoke(token)
	if _, gerr := v.VerifyToken(token); gerr == nil {
		t.Error("revoked token must be rejected")
	}
}

func TestBasicAuth(t *testing.T) {
	v, _ := testVerifier()
	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:s3cret")))

	p, gerr := v.Verify(r)
	if gerr != nil {
		t.Fatalf("Verify: %v", gerr)
	}
	if p.Method != MethodBasic || p.ID != "alice" {
		t.Errorf("principal = %+v", p)
	}

	r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:wrong")))
	if _, gerr := v.Verify(r); gerr == nil {
		t.Error("wrong password must be rejected")
	}
}

func TestNoCredentials(t *testing.T) {
	v, _ := testVerifier()
	r := httptest.NewRequest("GET", "/api/users", nil)
	if _, gerr := v.Verify(r); gerr == nil {
		t.Error("missing credentials must be rejected")
	}
}

func TestAdminImpliesAll(t *testing.T) {
	p := &Principal{ID: "root", Permissions: []string{PermAdmin}}
	for _, perm := range []string{PermRead, PermWrite, PermDelete, PermAdmin} {
		if !p.Has(perm) {
			t.Errorf("admin must imply %s", perm)
		}
	}
}

func TestQuotaKeyDerivation(t *testing.T) {
	v, store := testVerifier()

	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-API-Key", "ak_test")
	key, limit, _ := v.QuotaKey(r)
	if key != "apikey:ak_test" || limit != 50 {
		t.Errorf("QuotaKey = %s limit %d, want apikey:ak_test limit 50", key, limit)
	}

	user, _ := store.User("alice")
	token, _ := v.MintToken(user)
	r = httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	key, _, _ = v.QuotaKey(r)
	if key != "user:alice" {
		t.Errorf("QuotaKey = %s, want user:alice", key)
	}

	r = httptest.NewRequest("GET", "/api/users", nil)
	if key, _, _ = v.QuotaKey(r); key != "" {
		t.Errorf("QuotaKey = %s for anonymous request, want empty", key)
	}
}
