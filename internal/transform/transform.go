package transform

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/logging"
)

// Targets and actions accepted in transform rules.
const (
	TargetHeader = "header"
	TargetQuery  = "query"
	TargetBody   = "body"

	ActionAdd       = "add"
	ActionRemove    = "remove"
	ActionRename    = "rename"
	ActionTransform = "transform"
)

// sanitizePatterns are stripped from query values on every request.
var sanitizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// RuleSet is the path-prefix-indexed transformation rule table.
type RuleSet struct {
	enabled bool
	rules   []config.TransformRuleConfig
}

// NewRuleSet builds the rule set from config.
func NewRuleSet(cfg config.TransformationConfig) *RuleSet {
	return &RuleSet{enabled: cfg.Enabled, rules: cfg.Rules}
}

// ApplyRequest sanitizes the query and runs every matching rule's
// request operations. Returns the (possibly rewritten) body.
func (rs *RuleSet) ApplyRequest(r *http.Request, body []byte) []byte {
	sanitizeQuery(r)
	if !rs.enabled {
		return body
	}
	for _, rule := range rs.rules {
		if !strings.HasPrefix(r.URL.Path, rule.PathPrefix) {
			continue
		}
		for _, op := range rule.Request {
			body = applyRequestOp(r, body, op)
		}
	}
	return body
}

// ApplyResponse runs every matching rule's response operations over the
// outbound headers and body.
func (rs *RuleSet) ApplyResponse(path string, header http.Header, body []byte) []byte {
	if !rs.enabled {
		return body
	}
	for _, rule := range rs.rules {
		if !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}
		for _, op := range rule.Response {
			body = applyHeaderBodyOp(header, body, op)
		}
	}
	return body
}

func sanitizeQuery(r *http.Request) {
	q := r.URL.Query()
	changed := false
	for key, vals := range q {
		for i, v := range vals {
			clean := v
			for _, re := range sanitizePatterns {
				clean = re.ReplaceAllString(clean, "")
			}
			if clean != v {
				vals[i] = clean
				changed = true
			}
		}
		q[key] = vals
	}
	if changed {
		r.URL.RawQuery = q.Encode()
	}
}

func applyRequestOp(r *http.Request, body []byte, op config.TransformOpConfig) []byte {
	switch op.Target {
	case TargetQuery:
		q := r.URL.Query()
		applyValuesOp(q, op)
		r.URL.RawQuery = q.Encode()
		return body
	case TargetHeader, TargetBody:
		return applyHeaderBodyOp(r.Header, body, op)
	default:
		return body
	}
}

func applyHeaderBodyOp(header http.Header, body []byte, op config.TransformOpConfig) []byte {
	switch op.Target {
	case TargetHeader:
		applyHeaderOp(header, op)
		return body
	case TargetBody:
		return applyBodyOp(body, op)
	default:
		return body
	}
}

func applyHeaderOp(h http.Header, op config.TransformOpConfig) {
	switch op.Action {
	case ActionAdd:
		h.Set(op.Path, op.Value)
	case ActionRemove:
		h.Del(op.Path)
	case ActionRename:
		if v := h.Values(op.Path); len(v) > 0 {
			h.Del(op.Path)
			for _, val := range v {
				h.Add(op.To, val)
			}
		}
	case ActionTransform:
		if v := h.Get(op.Path); v != "" {
			h.Set(op.Path, transformString(v, op.Function))
		}
	}
}

func applyValuesOp(q map[string][]string, op config.TransformOpConfig) {
	switch op.Action {
	case ActionAdd:
		q[op.Path] = []string{op.Value}
	case ActionRemove:
		delete(q, op.Path)
	case ActionRename:
		if v, ok := q[op.Path]; ok {
			delete(q, op.Path)
			q[op.To] = v
		}
	case ActionTransform:
		if vals, ok := q[op.Path]; ok {
			for i, v := range vals {
				vals[i] = transformString(v, op.Function)
			}
		}
	}
}

// applyBodyOp mutates a JSON body at a dotted path. Non-JSON bodies
// pass through untouched. Intermediate objects are created for add.
func applyBodyOp(body []byte, op config.TransformOpConfig) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}

	var out []byte
	var err error
	switch op.Action {
	case ActionAdd:
		out, err = sjson.SetBytes(body, op.Path, op.Value)
	case ActionRemove:
		out, err = sjson.DeleteBytes(body, op.Path)
	case ActionRename:
		cur := gjson.GetBytes(body, op.Path)
		if !cur.Exists() {
			return body
		}
		if out, err = sjson.SetRawBytes(body, op.To, []byte(cur.Raw)); err == nil {
			out, err = sjson.DeleteBytes(out, op.Path)
		}
	case ActionTransform:
		cur := gjson.GetBytes(body, op.Path)
		if !cur.Exists() {
			return body
		}
		out, err = setTransformed(body, op.Path, cur, op.Function)
	default:
		return body
	}

	if err != nil {
		logging.Warn("body transform failed",
			zap.String("path", op.Path),
			zap.String("action", op.Action),
			zap.Error(err))
		return body
	}
	return out
}

func setTransformed(body []byte, path string, cur gjson.Result, fn string) ([]byte, error) {
	switch fn {
	case "lowercase", "uppercase", "trim":
		return sjson.SetBytes(body, path, transformString(cur.String(), fn))
	case "toNumber":
		n, err := strconv.ParseFloat(strings.TrimSpace(cur.String()), 64)
		if err != nil {
			return body, nil
		}
		return sjson.SetBytes(body, path, n)
	case "toString":
		return sjson.SetBytes(body, path, cur.String())
	case "toArray":
		if cur.IsArray() {
			return body, nil
		}
		return sjson.SetRawBytes(body, path, []byte("["+cur.Raw+"]"))
	default:
		return body, nil
	}
}

func transformString(v, fn string) string {
	switch fn {
	case "lowercase":
		return strings.ToLower(v)
	case "uppercase":
		return strings.ToUpper(v)
	case "trim":
		return strings.TrimSpace(v)
	default:
		return v
	}
}

// EnvelopeMeta is the gateway metadata attached to outbound JSON
// bodies.
type EnvelopeMeta struct {
	RequestID string
	Service   string
	Instance  string
}

// Envelope attaches the _gateway block to a JSON object body. Other
// bodies pass through unchanged.
func Envelope(body []byte, meta EnvelopeMeta) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}
	out, err := sjson.SetBytes(body, "_gateway", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"requestId": meta.RequestID,
		"service":   meta.Service,
		"instance":  meta.Instance,
	})
	if err != nil {
		return body
	}
	return out
}

// ErrorEnvelope patches an error-response JSON body (status >= 400)
// with a support block.
func ErrorEnvelope(body []byte, requestID string) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}
	out, err := sjson.SetBytes(body, "_support", map[string]any{
		"requestId": requestID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return body
	}
	return out
}
