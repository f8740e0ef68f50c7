package security

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/errors"
	"github.com/apexgate/apexgate/internal/logging"
)

// defaultPatterns cover SQL injection keywords, XSS snippets and path
// traversal, including URL-encoded variants.
var defaultPatterns = []string{
	`(?i)\b(union\s+select|select\s+.+\s+from|insert\s+into|drop\s+table|delete\s+from|update\s+.+\s+set)\b`,
	`(?i)(<script|javascript:|\bon\w+\s*=)`,
	`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`,
}

// Filter enforces IP lists, input size caps and pattern-based threat
// detection. IPs exceeding the violation budget are auto-denied.
type Filter struct {
	enabled        bool
	allow          []*net.IPNet
	deny           []*net.IPNet
	patterns       []*regexp.Regexp
	maxHeaderBytes int
	maxValueBytes  int
	maxBodyDepth   int
	maxViolations  int
	violationTTL   time.Duration

	mu         sync.Mutex
	violations map[string][]time.Time
	autoDenied map[string]struct{}
	onAutoDeny func(ip string)
}

// OnAutoDeny registers a listener fired once per IP when repeated
// violations trip the automatic deny.
func (f *Filter) OnAutoDeny(fn func(ip string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAutoDeny = fn
}

// NewFilter builds a filter from config. List entries are single IPs or
// CIDR blocks.
func NewFilter(cfg config.SecurityConfig) (*Filter, error) {
	f := &Filter{
		enabled:        cfg.Enabled,
		maxHeaderBytes: cfg.MaxHeaderBytes,
		maxValueBytes:  cfg.MaxValueBytes,
		maxBodyDepth:   cfg.MaxBodyDepth,
		maxViolations:  cfg.MaxViolations,
		violationTTL:   cfg.ViolationTTL.Std(),
		violations:     make(map[string][]time.Time),
		autoDenied:     make(map[string]struct{}),
	}
	if f.maxHeaderBytes <= 0 {
		f.maxHeaderBytes = 8 << 10
	}
	if f.maxValueBytes <= 0 {
		f.maxValueBytes = 10 << 10
	}
	if f.maxBodyDepth <= 0 {
		f.maxBodyDepth = 10
	}
	if f.maxViolations <= 0 {
		f.maxViolations = 10
	}
	if f.violationTTL <= 0 {
		f.violationTTL = time.Hour
	}

	var err error
	if f.allow, err = parseNets(cfg.AllowList); err != nil {
		return nil, err
	}
	if f.deny, err = parseNets(cfg.DenyList); err != nil {
		return nil, err
	}

	for _, p := range append(append([]string{}, defaultPatterns...), cfg.Patterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		if !strings.Contains(e, "/") {
			if strings.Contains(e, ":") {
				e += "/128"
			} else {
				e += "/32"
			}
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Check runs every filter against the request. A nil return means the
// request may proceed.
func (f *Filter) Check(r *http.Request, clientIP string, body []byte) *errors.GatewayError {
	if !f.enabled {
		return nil
	}

	if gerr := f.checkIP(clientIP); gerr != nil {
		return gerr
	}
	if gerr := f.checkSizes(r, body); gerr != nil {
		return gerr
	}
	if match := f.scan(r, body); match != "" {
		f.recordViolation(clientIP, match)
		return errors.ErrForbidden.WithMessage("Request blocked by security policy")
	}
	return nil
}

func (f *Filter) checkIP(clientIP string) *errors.GatewayError {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return nil
	}

	f.mu.Lock()
	_, denied := f.autoDenied[clientIP]
	f.mu.Unlock()
	if denied {
		return errors.ErrForbidden.WithMessage("IP address blocked")
	}

	// A non-empty allow-list is authoritative.
	if len(f.allow) > 0 {
		if !containsIP(f.allow, ip) {
			return errors.ErrForbidden.WithMessage("IP address not allowed")
		}
		return nil
	}
	if containsIP(f.deny, ip) {
		return errors.ErrForbidden.WithMessage("IP address blocked")
	}
	return nil
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (f *Filter) checkSizes(r *http.Request, body []byte) *errors.GatewayError {
	for name, vals := range r.Header {
		for _, v := range vals {
			if len(v) > f.maxHeaderBytes {
				return errors.ErrBadRequest.WithMessage("Header value too large").
					WithDetails("header " + name)
			}
		}
	}
	for name, vals := range r.URL.Query() {
		for _, v := range vals {
			if len(v) > f.maxValueBytes {
				return errors.ErrBadRequest.WithMessage("Query value too large").
					WithDetails("parameter " + name)
			}
		}
	}
	if len(body) > 0 && gjson.ValidBytes(body) {
		if depth(gjson.ParseBytes(body), 1) > f.maxBodyDepth {
			return errors.ErrBadRequest.WithMessage("Body nesting too deep")
		}
	}
	return nil
}

func depth(v gjson.Result, level int) int {
	if !v.IsObject() && !v.IsArray() {
		return level
	}
	deepest := level
	v.ForEach(func(_, child gjson.Result) bool {
		if d := depth(child, level+1); d > deepest {
			deepest = d
		}
		return true
	})
	return deepest
}

// scan returns the first matched pattern, or "".
func (f *Filter) scan(r *http.Request, body []byte) string {
	check := func(s string) string {
		for _, re := range f.patterns {
			if re.MatchString(s) {
				return re.String()
			}
		}
		return ""
	}

	if m := check(r.URL.RawQuery); m != "" {
		return m
	}
	for _, vals := range r.URL.Query() {
		for _, v := range vals {
			if m := check(v); m != "" {
				return m
			}
		}
	}
	for _, vals := range r.Header {
		for _, v := range vals {
			if m := check(v); m != "" {
				return m
			}
		}
	}
	if len(body) > 0 {
		if m := check(string(body)); m != "" {
			return m
		}
	}
	return ""
}

func (f *Filter) recordViolation(clientIP, pattern string) {
	now := time.Now()
	cutoff := now.Add(-f.violationTTL)

	f.mu.Lock()
	kept := f.violations[clientIP][:0]
	for _, ts := range f.violations[clientIP] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	f.violations[clientIP] = kept
	count := len(kept)

	denied := false
	if count > f.maxViolations {
		if _, already := f.autoDenied[clientIP]; !already {
			f.autoDenied[clientIP] = struct{}{}
			denied = true
		}
	}
	notify := f.onAutoDeny
	f.mu.Unlock()

	logging.Warn("security violation",
		zap.String("ip", clientIP),
		zap.String("pattern", pattern),
		zap.Int("count", count))
	if denied {
		logging.Warn("ip auto-denied after repeated violations",
			zap.String("ip", clientIP))
		if notify != nil {
			notify(clientIP)
		}
	}
}

// ViolationCount returns the live violation count for an IP.
func (f *Filter) ViolationCount(clientIP string) int {
	cutoff := time.Now().Add(-f.violationTTL)
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, ts := range f.violations[clientIP] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}
