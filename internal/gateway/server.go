package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
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

// Server owns the HTTP listener, the pipeline and every supporting
// component. Background loops are started by Run.
type Server struct {
	cfg      *config.Config
	pipeline *Pipeline
	handler  http.Handler
	httpSrv  *http.Server

	startedAt   time.Time
	verifier    *auth.Verifier
	blacklist   *auth.Blacklist
	routes      *router.Table
	checker     *health.Checker
	breakers    *circuitbreaker.Table
	limiter     *ratelimit.Limiter
	cacheMgr    *cache.Manager
	twoTier     *cache.TwoTier        // nil without Redis
	redisClient *redis.Client         // nil without Redis
	monitor     *monitoring.Monitor
	plugins     *plugin.Engine
}

// NewServer builds a fully wired gateway from config.
func NewServer(cfg *config.Config) (*Server, error) {
	includeDetails := cfg.Environment != "production"

	s := &Server{
		cfg:       cfg,
		startedAt: time.Now(),
	}

	store := auth.NewStore(cfg.Auth)
	s.blacklist = auth.NewBlacklist()
	s.verifier = auth.NewVerifier(cfg.Auth, store, s.blacklist)

	s.monitor = monitoring.NewMonitor(cfg.Monitoring)

	filter, err := security.NewFilter(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("security filter: %w", err)
	}
	filter.OnAutoDeny(func(ip string) {
		s.monitor.AddAlert("critical", "ip auto-denied after repeated violations: "+ip)
	})

	s.limiter = ratelimit.NewLimiter(cfg.RateLimit)
	s.routes = router.NewTable(cfg.Routing.Services)
	s.breakers = circuitbreaker.NewTable(cfg.CircuitBreaker)
	s.breakers.OnStateChange(func(service string, from, to circuitbreaker.State) {
		severity := "info"
		if to == circuitbreaker.StateOpen {
			severity = "critical"
		}
		s.monitor.AddAlert(severity,
			fmt.Sprintf("circuit %s: %s -> %s", service, from, to))
	})
	configureBreakers(s.breakers, cfg.Routing.Services)

	s.checker = health.NewChecker(health.Config{
		OnChange: s.onHealthChange,
	})
	s.registerHealthTargets(cfg.Routing.Services)

	if cfg.Cache.Enabled {
		memory := cache.NewMemoryStore(cfg.Cache.MaxSize)
		var tier cache.Store = memory
		if cfg.Cache.Redis.Enabled {
			s.redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.Redis.Addr,
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
			})
			primary := cache.NewRedisStore(s.redisClient, cfg.Cache.KeyPrefix)
			s.twoTier = cache.NewTwoTier(primary, memory, primary)
			tier = s.twoTier
		}
		s.cacheMgr = cache.NewManager(tier, cfg.Cache)
	}

	s.plugins = plugin.NewEngine()
	if cfg.Plugins.Enabled {
		for _, pc := range cfg.Plugins.Load {
			if err := s.plugins.Load(pc.Name, pc.Config); err != nil {
				logging.Warn("plugin load failed",
					zap.String("plugin", pc.Name), zap.Error(err))
			}
		}
	}

	s.pipeline = &Pipeline{
		includeDetails: includeDetails,
		maxBodyBytes:   maxBodyBytes(cfg),
		security:       filter,
		limiter:        s.limiter,
		rateEnabled:    cfg.RateLimit.Enabled,
		transformer:    transform.NewRuleSet(cfg.Transformation),
		verifier:       s.verifier,
		authEnabled:    cfg.Auth.Enabled,
		cache:          s.cacheMgr,
		breakers:       s.breakers,
		routes:         s.routes,
		forwarder:      proxy.NewForwarder(maxBodyBytes(cfg)),
		checker:        s.checker,
		plugins:        s.plugins,
		monitor:        s.monitor,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux, store, includeDetails)

	mws := []middleware.Middleware{
		middleware.RequestID,
		middleware.ClientIP,
		middleware.Recovery,
		middleware.SecurityHeaders,
		middleware.AccessLog,
	}
	if cfg.Server.Compression {
		mws = append(mws, middleware.Gzip)
	}
	s.handler = middleware.Chain(mux, mws...)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  orDuration(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: orDuration(cfg.Server.WriteTimeout, 60*time.Second),
	}
	return s, nil
}

func maxBodyBytes(cfg *config.Config) int64 {
	if cfg.Limits.MaxBodyBytes > 0 {
		return cfg.Limits.MaxBodyBytes
	}
	return 10 << 20
}

func orDuration(d config.Duration, def time.Duration) time.Duration {
	if d.Std() > 0 {
		return d.Std()
	}
	return def
}

// onHealthChange propagates checker flips into every service balancer
// that carries the instance.
func (s *Server) onHealthChange(url string, status health.Status) {
	if status == health.StatusHealthy {
		s.monitor.AddAlert("info", "instance recovered: "+url)
	} else {
		s.monitor.AddAlert("warning", "instance unhealthy: "+url)
	}
	for _, svc := range s.routes.All() {
		if svc.Balancer.GetBackendByURL(url) == nil {
			continue
		}
		if status == health.StatusHealthy {
			svc.Balancer.MarkHealthy(url)
		} else {
			svc.Balancer.MarkUnhealthy(url)
		}
	}
}

func (s *Server) registerHealthTargets(services []config.ServiceConfig) {
	for _, sc := range services {
		for _, inst := range sc.Instances {
			s.checker.AddBackend(health.Backend{
				URL:        inst.URL(),
				HealthPath: sc.HealthCheck.Path,
				Interval:   sc.HealthCheck.Interval.Std(),
				Timeout:    sc.HealthCheck.Timeout.Std(),
			})
		}
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux, store *auth.Store, includeDetails bool) {
	authHandlers := auth.NewHandlers(store, s.verifier, includeDetails)
	authHandlers.Register(mux)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.requireAdmin(s.handleMetrics))
	mux.Handle("GET /metrics/prometheus", s.adminOnly(s.monitor.PrometheusHandler()))

	mux.HandleFunc("GET /admin/services", s.requireAdmin(s.handleAdminServices))
	mux.HandleFunc("GET /admin/routes", s.requireAdmin(s.handleAdminRoutes))
	mux.HandleFunc("POST /admin/cache/invalidate", s.requireAdmin(s.handleCacheInvalidate))
	mux.HandleFunc("POST /admin/cache/flush", s.requireAdmin(s.handleCacheFlush))
	mux.HandleFunc("GET /admin/plugins", s.requireAdmin(s.handleAdminPlugins))
	mux.HandleFunc("POST /admin/plugins/reload", s.requireAdmin(s.handlePluginReload))

	mux.HandleFunc("/api/", s.pipeline.Handle)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.
			WithRequestID(middleware.GetRequestID(r.Context())).
			WriteJSON(w, includeDetails)
	})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, gerr := s.verifier.Verify(r)
		if gerr != nil {
			gerr.WriteJSON(w, s.cfg.Environment != "production")
			return
		}
		if !principal.IsAdmin() {
			errors.ErrForbidden.WithMessage("Admin permission required").
				WriteJSON(w, s.cfg.Environment != "production")
			return
		}
		next(w, r)
	}
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return s.requireAdmin(next.ServeHTTP)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"version":     Version,
		"environment": s.cfg.Environment,
		"services":    s.checker.Snapshot(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"monitoring": s.monitor.Snapshot(),
		"breakers":   s.breakers.Snapshots(),
	}
	if s.cacheMgr != nil {
		payload["cache"] = s.cacheMgr.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

type serviceStatus struct {
	Name      string                        `json:"name"`
	Prefix    string                        `json:"pathPrefix"`
	Policy    string                        `json:"policy"`
	Healthy   int                           `json:"healthyInstances"`
	Instances []string                      `json:"instances"`
	Breaker   *circuitbreaker.Snapshot      `json:"breaker,omitempty"`
	Checks    map[string]health.CheckResult `json:"checks,omitempty"`
}

func (s *Server) handleAdminServices(w http.ResponseWriter, r *http.Request) {
	checks := s.checker.Snapshot()
	breakers := s.breakers.Snapshots()

	out := make([]serviceStatus, 0, len(s.routes.All()))
	for _, svc := range s.routes.All() {
		st := serviceStatus{
			Name:    svc.Name,
			Prefix:  svc.PathPrefix,
			Policy:  svc.Policy,
			Healthy: svc.Balancer.HealthyCount(),
			Checks:  make(map[string]health.CheckResult),
		}
		for _, b := range svc.Balancer.GetBackends() {
			st.Instances = append(st.Instances, b.URL)
			if cr, ok := checks[b.URL]; ok {
				st.Checks[b.URL] = cr
			}
		}
		if snap, ok := breakers[breakerKey(svc.PathPrefix, svc.Name)]; ok {
			st.Breaker = &snap
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) handleAdminRoutes(w http.ResponseWriter, r *http.Request) {
	type route struct {
		Prefix  string `json:"pathPrefix"`
		Service string `json:"service"`
		Strip   bool   `json:"stripPrefix"`
	}
	routes := make([]route, 0, len(s.routes.All()))
	for _, svc := range s.routes.All() {
		routes = append(routes, route{
			Prefix:  svc.PathPrefix,
			Service: svc.Name,
			Strip:   svc.StripPrefix,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cacheMgr == nil {
		errors.ErrBadRequest.WithMessage("Caching is disabled").WriteJSON(w, false)
		return
	}
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pattern == "" {
		errors.ErrBadRequest.WithMessage("Missing invalidation pattern").WriteJSON(w, false)
		return
	}
	s.cacheMgr.InvalidatePattern(req.Pattern)
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": req.Pattern})
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.cacheMgr == nil {
		errors.ErrBadRequest.WithMessage("Caching is disabled").WriteJSON(w, false)
		return
	}
	s.cacheMgr.Flush()
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) handleAdminPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.plugins.List()})
}

func (s *Server) handlePluginReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		errors.ErrBadRequest.WithMessage("Missing plugin name").WriteJSON(w, false)
		return
	}
	if err := s.plugins.Reload(req.Name); err != nil {
		errors.ErrBadRequest.WithMessage(err.Error()).WriteJSON(w, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reloaded": req.Name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler exposes the composed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ReloadConfig swaps in the routing table and breaker settings from a
// freshly loaded configuration and reconciles the health-check target
// set, so instances dropped from the config stop being probed.
func (s *Server) ReloadConfig(cfg *config.Config) {
	s.routes.Replace(cfg.Routing.Services)
	configureBreakers(s.breakers, cfg.Routing.Services)

	desired := make(map[string]struct{})
	for _, sc := range cfg.Routing.Services {
		for _, inst := range sc.Instances {
			desired[inst.URL()] = struct{}{}
		}
	}
	for url := range s.checker.Snapshot() {
		if _, ok := desired[url]; !ok {
			s.checker.RemoveBackend(url)
		}
	}
	s.registerHealthTargets(cfg.Routing.Services)

	logging.Info("configuration reloaded",
		zap.Int("services", len(cfg.Routing.Services)))
}

// RunBackground drives the supporting loops (bucket sweeper, token
// blacklist sweeper, cache tier pinger, resource sampler) until the
// context ends.
func (s *Server) RunBackground(ctx context.Context) {
	go s.limiter.Run(ctx)
	go s.blacklist.Run(ctx)
	if s.twoTier != nil {
		go s.twoTier.Run(ctx)
	}
	s.monitor.Run(ctx)
}

// Run serves until the context is canceled, then drains with the
// configured grace period.
func (s *Server) Run(ctx context.Context) error {
	s.plugins.Startup()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := orDuration(s.cfg.Server.ShutdownGrace, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := s.httpSrv.Shutdown(shutdownCtx)
	s.checker.Stop()
	s.plugins.Shutdown()
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	logging.Info("gateway stopped")
	return err
}
