package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apexgate/apexgate/internal/loadbalancer"
)

// Result is a fully buffered upstream response. Bodies are bounded, so
// buffering keeps the transform and cache stages simple.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Forwarder sends requests to selected backends.
type Forwarder struct {
	transport    http.RoundTripper
	maxBodyBytes int64
}

// NewForwarder creates a forwarder. maxBodyBytes caps how much of an
// upstream response body is read; <= 0 means 10 MiB.
func NewForwarder(maxBodyBytes int64) *Forwarder {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	return &Forwarder{
		transport: &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
		maxBodyBytes: maxBodyBytes,
	}
}

// Forward sends the request to the backend and buffers the reply.
// body is the (possibly transformed) request body; upstreamPath is the
// rewritten path. The timeout bounds the whole upstream exchange.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, body []byte, upstreamPath string, backend *loadbalancer.Backend, timeout time.Duration) (*Result, error) {
	target := backend.ParsedURL
	if target == nil {
		parsed, err := url.Parse(backend.URL)
		if err != nil {
			return nil, err
		}
		target = parsed
	}

	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, upstreamPath)
	targetURL.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.ReadCloser
	if len(body) > 0 {
		reqBody = io.NopCloser(bytes.NewReader(body))
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          reqBody,
		ContentLength: int64(len(body)),
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	setForwardedHeaders(proxyReq.Header, r)
	removeHopHeaders(proxyReq.Header)

	backend.IncrActive()
	defer backend.DecrActive()

	start := time.Now()
	resp, err := f.transport.RoundTrip(proxyReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	for k, vv := range resp.Header {
		header[k] = append(vv[:0:0], vv...)
	}
	removeHopHeaders(header)

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
		Duration:   time.Since(start),
	}, nil
}

// IsTimeout reports whether a forward error was a timeout rather than a
// connection-level failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func setForwardedHeaders(h http.Header, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
