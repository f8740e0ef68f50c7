package transform

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/apexgate/apexgate/config"
)

func ruleSet(rules ...config.TransformRuleConfig) *RuleSet {
	return NewRuleSet(config.TransformationConfig{Enabled: true, Rules: rules})
}

func TestBodyTrimThenLowercase(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api/users",
		Request: []config.TransformOpConfig{
			{Action: ActionTransform, Target: TargetBody, Path: "user.name", Function: "trim"},
			{Action: ActionTransform, Target: TargetBody, Path: "user.name", Function: "lowercase"},
		},
	})

	r := httptest.NewRequest("POST", "/api/users", nil)
	out := rs.ApplyRequest(r, []byte(`{"user":{"name":"  ALICE  "}}`))

	if got := gjson.GetBytes(out, "user.name").String(); got != "alice" {
		t.Errorf("user.name = %q, want alice", got)
	}
}

func TestBodyAddCreatesIntermediates(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api",
		Request: []config.TransformOpConfig{
			{Action: ActionAdd, Target: TargetBody, Path: "meta.source.channel", Value: "gateway"},
		},
	})
	r := httptest.NewRequest("POST", "/api/users", nil)
	out := rs.ApplyRequest(r, []byte(`{"id":1}`))

	if got := gjson.GetBytes(out, "meta.source.channel").String(); got != "gateway" {
		t.Errorf("meta.source.channel = %q", got)
	}
	if gjson.GetBytes(out, "id").Int() != 1 {
		t.Error("untouched fields must survive")
	}
}

func TestBodyRenameAndRemove(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api",
		Request: []config.TransformOpConfig{
			{Action: ActionRename, Target: TargetBody, Path: "userName", To: "user.name"},
			{Action: ActionRemove, Target: TargetBody, Path: "internal"},
		},
	})
	r := httptest.NewRequest("POST", "/api/users", nil)
	out := rs.ApplyRequest(r, []byte(`{"userName":"bob","internal":"x"}`))

	if got := gjson.GetBytes(out, "user.name").String(); got != "bob" {
		t.Errorf("user.name = %q", got)
	}
	if gjson.GetBytes(out, "userName").Exists() {
		t.Error("renamed source must be gone")
	}
	if gjson.GetBytes(out, "internal").Exists() {
		t.Error("removed field must be gone")
	}
}

func TestBodyValueFunctions(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api",
		Request: []config.TransformOpConfig{
			{Action: ActionTransform, Target: TargetBody, Path: "age", Function: "toNumber"},
			{Action: ActionTransform, Target: TargetBody, Path: "id", Function: "toString"},
			{Action: ActionTransform, Target: TargetBody, Path: "tag", Function: "toArray"},
		},
	})
	r := httptest.NewRequest("POST", "/api/users", nil)
	out := rs.ApplyRequest(r, []byte(`{"age":"42","id":7,"tag":"a"}`))

	if v := gjson.GetBytes(out, "age"); v.Type != gjson.Number || v.Float() != 42 {
		t.Errorf("age = %s, want number 42", v.Raw)
	}
	if v := gjson.GetBytes(out, "id"); v.Type != gjson.String || v.String() != "7" {
		t.Errorf("id = %s, want string \"7\"", v.Raw)
	}
	if v := gjson.GetBytes(out, "tag"); !v.IsArray() {
		t.Errorf("tag = %s, want array", v.Raw)
	}
}

func TestHeaderAndQueryOps(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api",
		Request: []config.TransformOpConfig{
			{Action: ActionAdd, Target: TargetHeader, Path: "X-Channel", Value: "edge"},
			{Action: ActionRename, Target: TargetHeader, Path: "X-Old", To: "X-New"},
			{Action: ActionRemove, Target: TargetQuery, Path: "debug"},
			{Action: ActionTransform, Target: TargetQuery, Path: "sort", Function: "lowercase"},
		},
	})

	r := httptest.NewRequest("GET", "/api/users?debug=1&sort=NAME", nil)
	r.Header.Set("X-Old", "v")
	rs.ApplyRequest(r, nil)

	if r.Header.Get("X-Channel") != "edge" {
		t.Error("header add failed")
	}
	if r.Header.Get("X-Old") != "" || r.Header.Get("X-New") != "v" {
		t.Error("header rename failed")
	}
	q := r.URL.Query()
	if q.Get("debug") != "" {
		t.Error("query remove failed")
	}
	if q.Get("sort") != "name" {
		t.Errorf("sort = %q, want name", q.Get("sort"))
	}
}

func TestNonJSONBodyPassesThrough(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api",
		Request: []config.TransformOpConfig{
			{Action: ActionAdd, Target: TargetBody, Path: "a", Value: "b"},
		},
	})
	r := httptest.NewRequest("POST", "/api/users", nil)
	body := []byte("plain text, not json")
	if out := rs.ApplyRequest(r, body); string(out) != string(body) {
		t.Error("non-JSON bodies must pass through untouched")
	}
}

func TestSanitizeQuery(t *testing.T) {
	rs := NewRuleSet(config.TransformationConfig{Enabled: true})
	r := httptest.NewRequest("GET", "/api/users?q=%3Cscript%3Ealert(1)%3C%2Fscript%3E&ok=1", nil)
	rs.ApplyRequest(r, nil)

	q := r.URL.Query().Get("q")
	if q != "alert(1)" {
		t.Errorf("q = %q, script tags must be stripped", q)
	}
	if r.URL.Query().Get("ok") != "1" {
		t.Error("clean parameters must survive")
	}
}

func TestRulesScopedByPrefix(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api/users",
		Request: []config.TransformOpConfig{
			{Action: ActionAdd, Target: TargetHeader, Path: "X-Scoped", Value: "1"},
		},
	})
	r := httptest.NewRequest("GET", "/api/orders", nil)
	rs.ApplyRequest(r, nil)
	if r.Header.Get("X-Scoped") != "" {
		t.Error("rule must not fire outside its prefix")
	}
}

func TestEnvelope(t *testing.T) {
	out := Envelope([]byte(`{"id":1}`), EnvelopeMeta{
		RequestID: "req-1",
		Service:   "users",
		Instance:  "http://127.0.0.1:3001",
	})
	if gjson.GetBytes(out, "_gateway.requestId").String() != "req-1" {
		t.Errorf("envelope missing: %s", out)
	}
	if gjson.GetBytes(out, "_gateway.service").String() != "users" {
		t.Error("service missing from envelope")
	}
	if gjson.GetBytes(out, "id").Int() != 1 {
		t.Error("original fields must survive the envelope")
	}

	// Arrays and non-JSON are left alone.
	if got := Envelope([]byte(`[1,2]`), EnvelopeMeta{}); string(got) != `[1,2]` {
		t.Errorf("array body changed: %s", got)
	}
	if got := Envelope([]byte("nope"), EnvelopeMeta{}); string(got) != "nope" {
		t.Errorf("non-JSON body changed: %s", got)
	}
}

func TestErrorEnvelope(t *testing.T) {
	out := ErrorEnvelope([]byte(`{"error":"boom"}`), "req-9")
	if gjson.GetBytes(out, "_support.requestId").String() != "req-9" {
		t.Errorf("support block missing: %s", out)
	}
}

func TestResponseOps(t *testing.T) {
	rs := ruleSet(config.TransformRuleConfig{
		PathPrefix: "/api/users",
		Response: []config.TransformOpConfig{
			{Action: ActionRemove, Target: TargetBody, Path: "password"},
			{Action: ActionAdd, Target: TargetHeader, Path: "X-Redacted", Value: "password"},
		},
	})
	hdr := http.Header{}
	out := rs.ApplyResponse("/api/users/1", hdr, []byte(`{"id":1,"password":"hash"}`))

	if gjson.GetBytes(out, "password").Exists() {
		t.Error("response body op must run")
	}
	if hdr.Get("X-Redacted") != "password" {
		t.Error("response header op must run")
	}
}
