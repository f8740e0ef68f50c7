package gateway

import (
	"net/http"
	"time"

	"github.com/apexgate/apexgate/internal/auth"
	"github.com/apexgate/apexgate/internal/circuitbreaker"
	"github.com/apexgate/apexgate/internal/errors"
	"github.com/apexgate/apexgate/internal/loadbalancer"
	"github.com/apexgate/apexgate/internal/plugin"
	"github.com/apexgate/apexgate/internal/ratelimit"
	"github.com/apexgate/apexgate/internal/router"
)

// Response is a fully materialized reply ready to emit.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Context is the per-request bag threaded through the pipeline. The
// pipeline owns it exclusively; stages borrow it for one call.
type Context struct {
	RequestID string
	Start     time.Time
	ClientIP  string
	Request   *http.Request
	Body      []byte

	Principal *auth.Principal
	Service   *router.Service
	Instance  *loadbalancer.Backend

	// Decision records, filled as stages run.
	RateDecision   *ratelimit.Decision
	CacheConsulted bool
	CacheHit       bool
	CacheKey       string
	BreakerState   string

	permit  *circuitbreaker.Permit
	breaker *circuitbreaker.Breaker

	// Terminal is set by the stage that produced the final response.
	Terminal *Response
	Err      *errors.GatewayError

	hooks plugin.Context
}

// Outcome is a stage's result. The zero value means continue.
type Outcome struct {
	terminal *Response
	err      *errors.GatewayError
}

func Continue() Outcome { return Outcome{} }

func Terminal(resp *Response) Outcome { return Outcome{terminal: resp} }

func Fail(gerr *errors.GatewayError) Outcome { return Outcome{err: gerr} }

func (o Outcome) done() bool { return o.terminal != nil || o.err != nil }
