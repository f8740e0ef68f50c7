package gateway

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/auth"
	"github.com/apexgate/apexgate/internal/cache"
	"github.com/apexgate/apexgate/internal/circuitbreaker"
	"github.com/apexgate/apexgate/internal/errors"
	"github.com/apexgate/apexgate/internal/health"
	"github.com/apexgate/apexgate/internal/logging"
	"github.com/apexgate/apexgate/internal/middleware"
	"github.com/apexgate/apexgate/internal/monitoring"
	"github.com/apexgate/apexgate/internal/plugin"
	"github.com/apexgate/apexgate/internal/proxy"
	"github.com/apexgate/apexgate/internal/ratelimit"
	"github.com/apexgate/apexgate/internal/router"
	"github.com/apexgate/apexgate/internal/security"
	"github.com/apexgate/apexgate/internal/transform"
)

// Version is reported in X-Gateway-Version and /health.
const Version = "1.0.0"

const defaultUpstreamTimeout = 30 * time.Second

// Pipeline composes the request stages and owns error mapping and
// response emission.
type Pipeline struct {
	includeDetails bool
	maxBodyBytes   int64

	security    *security.Filter
	limiter     *ratelimit.Limiter
	rateEnabled bool
	transformer *transform.RuleSet
	verifier    *auth.Verifier
	authEnabled bool
	cache       *cache.Manager // nil when caching is off
	breakers    *circuitbreaker.Table
	routes      *router.Table
	forwarder   *proxy.Forwarder
	checker     *health.Checker
	plugins     *plugin.Engine
	monitor     *monitoring.Monitor
}

// Handle runs the full stage sequence for one proxied request.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := &Context{
		RequestID: middleware.GetRequestID(r.Context()),
		Start:     time.Now(),
		ClientIP:  middleware.GetClientIP(r.Context()),
		Request:   r,
	}
	ctx.hooks = plugin.Context{
		"requestId": ctx.RequestID,
		"method":    r.Method,
		"path":      r.URL.Path,
		"ip":        ctx.ClientIP,
	}

	if gerr := p.readBody(ctx); gerr != nil {
		ctx.Err = gerr
		p.emit(w, ctx)
		return
	}

	p.fire(ctx, plugin.HookBeforeRequest)
	p.applyHookHeaders(ctx)

	done := p.run(ctx, p.securityStage)
	done = done || p.run(ctx, p.rateLimitStage)
	done = done || p.run(ctx, p.requestTransformStage)
	p.fire(ctx, plugin.HookAfterRequest)

	p.fire(ctx, plugin.HookBeforeAuth)
	done = done || p.run(ctx, p.authStage)
	p.fire(ctx, plugin.HookAfterAuth)

	p.fire(ctx, plugin.HookBeforeCache)
	done = done || p.run(ctx, p.cacheLookupStage)
	p.fire(ctx, plugin.HookAfterCache)

	p.fire(ctx, plugin.HookBeforeRouting)
	done = done || p.run(ctx, p.breakerStage)
	done = done || p.run(ctx, p.routeStage)
	p.fire(ctx, plugin.HookAfterRouting)

	done = done || p.run(ctx, p.proxyStage)
	_ = done

	p.fire(ctx, plugin.HookBeforeResponse)
	if ctx.Err == nil && ctx.Terminal != nil && !ctx.CacheHit && ctx.Instance != nil {
		p.responseTransformStage(ctx)
	}

	p.emit(w, ctx)
	p.fire(ctx, plugin.HookAfterResponse)
}

// run executes a stage unless an earlier one already terminated the
// request. Reports whether the pipeline is now terminated.
func (p *Pipeline) run(ctx *Context, stage func(*Context) Outcome) bool {
	if ctx.Terminal != nil || ctx.Err != nil {
		return true
	}
	out := stage(ctx)
	if out.terminal != nil {
		ctx.Terminal = out.terminal
	}
	if out.err != nil {
		ctx.Err = out.err
	}
	return out.done()
}

func (p *Pipeline) fire(ctx *Context, hook string) {
	if p.plugins == nil {
		return
	}
	ctx.hooks["service"] = serviceName(ctx)
	ctx.hooks["cacheHit"] = ctx.CacheHit
	ctx.hooks = p.plugins.Fire(hook, ctx.hooks)
}

// applyHookHeaders copies "header.<Name>" keys set by beforeRequest
// handlers onto the upstream-bound request.
func (p *Pipeline) applyHookHeaders(ctx *Context) {
	for k, v := range ctx.hooks {
		name, found := strings.CutPrefix(k, "header.")
		if !found || name == "" {
			continue
		}
		if s, ok := v.(string); ok {
			ctx.Request.Header.Set(name, s)
		}
	}
}

func (p *Pipeline) readBody(ctx *Context) *errors.GatewayError {
	r := ctx.Request
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBodyBytes+1))
	if err != nil {
		return errors.ErrBadRequest.WithMessage("Unreadable request body")
	}
	if int64(len(body)) > p.maxBodyBytes {
		return errors.New(http.StatusRequestEntityTooLarge, errors.KindValidation, "Request body too large")
	}
	ctx.Body = body
	return nil
}

func (p *Pipeline) securityStage(ctx *Context) Outcome {
	if p.security == nil {
		return Continue()
	}
	if gerr := p.security.Check(ctx.Request, ctx.ClientIP, ctx.Body); gerr != nil {
		return Fail(gerr)
	}
	return Continue()
}

func (p *Pipeline) rateLimitStage(ctx *Context) Outcome {
	if !p.rateEnabled {
		return Continue()
	}

	d := p.limiter.AllowIP(ctx.ClientIP)
	ctx.RateDecision = &d
	if !d.Allowed {
		return Fail(errors.ErrTooManyRequests.
			WithMessage("Rate limit exceeded for IP").
			WithRetryAfter(d.RetryAfter))
	}

	if key, limit, window := p.verifier.QuotaKey(ctx.Request); key != "" {
		q := p.limiter.AllowIdentity(key, limit, window)
		ctx.RateDecision = &q
		if !q.Allowed {
			return Fail(errors.ErrTooManyRequests.
				WithMessage("Quota exceeded").
				WithRetryAfter(q.RetryAfter))
		}
	}

	if delay := p.limiter.SlowDownDelay(d.Count); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Request.Context().Done():
		}
	}
	return Continue()
}

func (p *Pipeline) requestTransformStage(ctx *Context) Outcome {
	if p.transformer != nil {
		ctx.Body = p.transformer.ApplyRequest(ctx.Request, ctx.Body)
	}
	return Continue()
}

func (p *Pipeline) authStage(ctx *Context) Outcome {
	if !p.authEnabled {
		return Continue()
	}
	principal, gerr := p.verifier.Verify(ctx.Request)
	if gerr != nil {
		return Fail(gerr)
	}
	ctx.Principal = principal
	ctx.hooks["principal"] = principal.ID
	return Continue()
}

func (p *Pipeline) cacheLookupStage(ctx *Context) Outcome {
	if p.cache == nil || !p.cache.CacheableRequest(ctx.Request) {
		return Continue()
	}
	ctx.CacheConsulted = true

	entry, key, hit := p.cache.Lookup(ctx.Request)
	ctx.CacheKey = key
	if !hit {
		return Continue()
	}
	ctx.CacheHit = true

	hdr := make(http.Header, len(entry.Headers))
	for k, vals := range entry.Headers {
		hdr[k] = vals
	}
	return Terminal(&Response{
		StatusCode: entry.StatusCode,
		Header:     hdr,
		Body:       entry.Body,
	})
}

func (p *Pipeline) breakerStage(ctx *Context) Outcome {
	key := circuitbreaker.ServiceKey(ctx.Request)
	if key == "" {
		return Continue()
	}
	breaker := p.breakers.Get(key)
	permit, retryAfter := breaker.Allow()
	ctx.BreakerState = breaker.Snapshot().State
	if permit == nil {
		return Fail(errors.ErrCircuitOpen.WithRetryAfter(retryAfter))
	}
	ctx.permit = permit
	ctx.breaker = breaker
	return Continue()
}

func (p *Pipeline) routeStage(ctx *Context) Outcome {
	svc := p.routes.Match(ctx.Request.URL.Path)
	if svc == nil {
		return Fail(errors.ErrNotFound.WithMessage("Unknown service path"))
	}
	ctx.Service = svc

	instance := svc.Select(ctx.ClientIP)
	if instance == nil {
		return Fail(errors.ErrNoHealthyInstance)
	}
	ctx.Instance = instance
	return Continue()
}

func (p *Pipeline) proxyStage(ctx *Context) Outcome {
	svc, instance := ctx.Service, ctx.Instance

	timeout := svc.Timeout.Std()
	if timeout <= 0 && ctx.breaker != nil {
		timeout = ctx.breaker.CallTimeout()
	}
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	result, err := p.forwarder.Forward(
		ctx.Request.Context(), ctx.Request, ctx.Body,
		svc.UpstreamPath(ctx.Request), instance, timeout)
	if err != nil {
		isTimeout := proxy.IsTimeout(err)
		if ctx.permit != nil {
			ctx.permit.Failure(isTimeout)
		}
		if p.checker != nil {
			p.checker.RecordFailure(instance.URL, err)
		}
		logging.Warn("upstream call failed",
			zap.String("service", svc.Name),
			zap.String("instance", instance.URL),
			zap.Bool("timeout", isTimeout),
			zap.Error(err))
		if isTimeout {
			return Fail(errors.ErrGatewayTimeout)
		}
		return Fail(errors.ErrBadGateway)
	}

	if result.StatusCode >= 500 {
		if ctx.permit != nil {
			ctx.permit.Failure(false)
		}
	} else {
		if ctx.permit != nil {
			ctx.permit.Success()
		}
		if p.checker != nil {
			p.checker.RecordSuccess(instance.URL)
		}
	}

	return Terminal(&Response{
		StatusCode: result.StatusCode,
		Header:     result.Header,
		Body:       result.Body,
	})
}

// responseTransformStage mutates the upstream reply, attaches the
// gateway envelope and feeds the cache. It only runs when the terminal
// response came from the proxy, never for cache hits or errors.
func (p *Pipeline) responseTransformStage(ctx *Context) {
	resp := ctx.Terminal
	r := ctx.Request

	if p.transformer != nil {
		resp.Body = p.transformer.ApplyResponse(r.URL.Path, resp.Header, resp.Body)
		if resp.StatusCode >= 400 {
			resp.Body = transform.ErrorEnvelope(resp.Body, ctx.RequestID)
		} else {
			resp.Body = transform.Envelope(resp.Body, transform.EnvelopeMeta{
				RequestID: ctx.RequestID,
				Service:   serviceName(ctx),
				Instance:  instanceURL(ctx),
			})
		}
		resp.Header.Del("Content-Length")
	}

	if p.cache != nil {
		if ctx.CacheConsulted && !ctx.CacheHit {
			p.cache.Store(r, ctx.CacheKey, resp.StatusCode, resp.Header, resp.Body)
		}
		p.cache.InvalidateAfter(r, resp.StatusCode)
	}
}

// emit writes exactly one response and records observability for it.
func (p *Pipeline) emit(w http.ResponseWriter, ctx *Context) {
	if ctx.permit != nil {
		// Settled by the proxy stage in the normal path; a late
		// terminal (404, no instance) releases the slot here.
		ctx.permit.Cancel()
	}

	if ctx.Err == nil && ctx.Terminal == nil {
		ctx.Err = errors.ErrInternalServer
	}

	h := w.Header()
	h.Set("X-Gateway-Version", Version)
	h.Set("X-Request-Id", ctx.RequestID)
	if ctx.CacheConsulted {
		if ctx.CacheHit {
			h.Set("X-Cache", "HIT")
		} else {
			h.Set("X-Cache", "MISS")
		}
		h.Set("X-Cache-Key", ctx.CacheKey)
	}
	if d := ctx.RateDecision; d != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if name := serviceName(ctx); name != "" {
		h.Set("X-Gateway-Service", name)
	}
	if url := instanceURL(ctx); url != "" {
		h.Set("X-Gateway-Instance", url)
	}

	elapsed := time.Since(ctx.Start)
	h.Set("X-Response-Time", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")

	var status int
	if ctx.Err != nil {
		gerr := ctx.Err.WithRequestID(ctx.RequestID)
		status = gerr.Code
		ctx.hooks["error"] = string(gerr.Kind)
		p.fire(ctx, plugin.HookOnError)
		gerr.WriteJSON(w, p.includeDetails)
	} else {
		resp := ctx.Terminal
		status = resp.StatusCode
		for k, vals := range resp.Header {
			h[k] = vals
		}
		w.WriteHeader(status)
		w.Write(resp.Body)
	}

	ctx.hooks["status"] = status
	if p.monitor != nil {
		p.monitor.RecordRequest(ctx.Request.Method, ctx.Request.URL.Path,
			strconv.Itoa(status), elapsed)
	}
}

func serviceName(ctx *Context) string {
	if ctx.Service != nil {
		return ctx.Service.Name
	}
	return ""
}

func instanceURL(ctx *Context) string {
	if ctx.Instance != nil {
		return ctx.Instance.URL
	}
	return ""
}

// breakerKey is the table key for a configured route. It matches what
// ServiceKey resolves for requests under the prefix, so a service whose
// name differs from its path segment still gets its override.
func breakerKey(pathPrefix, name string) string {
	if key := circuitbreaker.PrefixKey(pathPrefix); key != "" {
		return key
	}
	return name
}

// configureBreakers seeds per-service breaker overrides.
func configureBreakers(table *circuitbreaker.Table, services []config.ServiceConfig) {
	for _, sc := range services {
		if sc.CircuitBreaker != nil {
			table.Configure(breakerKey(sc.PathPrefix, sc.Name), *sc.CircuitBreaker)
		}
	}
}
