package httpgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labforge/gateway/internal/adapter/outbound/authapi"
	"github.com/labforge/gateway/internal/config"
	"github.com/labforge/gateway/internal/domain/ratelimit"
	"github.com/labforge/gateway/internal/domain/route"
	"github.com/labforge/gateway/internal/service"
)

// BuildRouteTable derives the static proxy route table from configuration.
// Registration order matters: the streaming telemetry sub-path must precede
// the broader telemetry prefix, which must precede the catch-all api prefix.
func BuildRouteTable(cfg *config.Config) *route.Table {
	return route.NewTable(
		route.Route{
			Name:           "telemetry-stream",
			PathPrefix:     "/api/v1/telemetry/stream",
			Upstream:       cfg.Upstreams.Telemetry,
			Streaming:      true,
			CSRFExempt:     true,
			SynthesizeAuth: true,
		},
		route.Route{
			Name:           "telemetry",
			PathPrefix:     "/api/v1/telemetry",
			Upstream:       cfg.Upstreams.Telemetry,
			CSRFExempt:     true,
			SynthesizeAuth: true,
		},
		route.Route{
			Name:        "projects",
			PathPrefix:  "/projects",
			Upstream:    cfg.Upstreams.Auth,
			DropCookies: true,
		},
		route.Route{
			Name:        "api",
			PathPrefix:  "/api",
			Upstream:    cfg.Upstreams.Experiments,
			WebSocket:   true,
			ResolveRole: true,
		},
	)
}

// Server assembles the gateway's HTTP surface: the session endpoints, the
// reverse proxy, and the middleware pipeline in its strict order
// (client IP, trace, metrics, rate limit admission, CSRF, then routing).
type Server struct {
	httpServer *http.Server
	limiter    *ratelimit.MemoryLimiter
	logger     *slog.Logger
}

// NewServer wires the gateway from validated configuration.
func NewServer(cfg *config.Config, version string, logger *slog.Logger, reg *prometheus.Registry) (*Server, error) {
	timeout, err := time.ParseDuration(cfg.Upstreams.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid upstreams.timeout %q: %w", cfg.Upstreams.Timeout, err)
	}
	skew, err := time.ParseDuration(cfg.Security.TokenSkew)
	if err != nil {
		return nil, fmt.Errorf("invalid security.token_skew %q: %w", cfg.Security.TokenSkew, err)
	}
	cleanupInterval, err := time.ParseDuration(cfg.RateLimit.CleanupInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit.cleanup_interval %q: %w", cfg.RateLimit.CleanupInterval, err)
	}
	maxTTL, err := time.ParseDuration(cfg.RateLimit.MaxTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit.max_ttl %q: %w", cfg.RateLimit.MaxTTL, err)
	}

	cookies, err := NewCookieManager(cfg.Cookies)
	if err != nil {
		return nil, err
	}

	authClient := authapi.NewClient(cfg.Upstreams.Auth, timeout, logger)
	sessions := service.NewSessionService(authClient, logger)
	roles := service.NewRoleService(authClient, logger)

	metrics := NewMetrics(reg)
	limiter := ratelimit.NewMemoryLimiter(cleanupInterval, maxTTL)

	refresh := NewRefreshCoordinator(sessions, cookies, skew)
	annotator := NewRoleAnnotator(roles, cfg.Security.AllowUnverifiedProjectRole, cfg.Security.UnverifiedProjectRole)
	wsProxy := NewWebSocketProxy(metrics, logger)
	proxy := NewProxy(BuildRouteTable(cfg), timeout, refresh, annotator, cookies, wsProxy, metrics, logger)
	sessionHandler := NewSessionHandler(sessions, cookies, logger)
	health := NewHealthChecker(limiter, version)

	mux := http.NewServeMux()
	mux.Handle("GET /health", health.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /auth/login", sessionHandler.Login)
	mux.HandleFunc("POST /auth/register", sessionHandler.Register)
	mux.HandleFunc("POST /auth/refresh", sessionHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", sessionHandler.Logout)
	mux.HandleFunc("GET /auth/me", sessionHandler.Me)
	// Wrong-method and unknown /auth requests would otherwise fall through
	// to the proxy catch-all; the session surface answers them itself.
	mux.HandleFunc("/auth/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login", "/auth/register", "/auth/refresh", "/auth/logout", "/auth/me":
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		default:
			writeJSONError(w, http.StatusNotFound, "not_found", "no route for path")
		}
	})
	mux.Handle("/", proxy)

	csrf := NewCSRFGuard(cookies, cfg.Security.AllowedOrigins, cfg.Security.CSRFHeader, []string{
		"/health",
		"/metrics",
		"/auth/login",
		"/auth/register",
		"/auth/refresh",
		"/api/v1/telemetry",
	})

	var handler http.Handler = mux
	handler = csrf.Middleware(handler)
	handler = RateLimitMiddleware(limiter, cfg.RateLimit, metrics)(handler)
	handler = MetricsMiddleware(metrics)(handler)
	handler = TraceMiddleware(logger)(handler)
	handler = RealIPMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: streaming responses stay open until the
			// upstream closes or the client disconnects.
		},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Handler exposes the assembled handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it fails or Shutdown is called. The
// limiter's eviction goroutine shares ctx's lifetime.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.StartCleanup(ctx)

	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops background goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.limiter.Stop()
	return err
}
