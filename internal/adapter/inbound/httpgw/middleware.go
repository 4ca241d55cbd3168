package httpgw

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labforge/gateway/internal/config"
	"github.com/labforge/gateway/internal/ctxkey"
	"github.com/labforge/gateway/internal/domain/ratelimit"
	"github.com/labforge/gateway/internal/domain/trace"
)

// sensitiveHeaders are never logged, even at debug level.
var sensitiveHeaders = map[string]struct{}{
	"authorization":  {},
	"cookie":         {},
	"set-cookie":     {},
	"x-api-key":      {},
	"x-auth-token":   {},
	"x-sensor-token": {},
}

// TraceMiddleware establishes the trace context for every inbound request:
// it adopts or mints the trace_id, mints the gateway's own request_id,
// stores both (plus an enriched logger) in the request context, echoes them
// on the response, and logs request start and completion.
func TraceMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tc := trace.FromInbound(r.Header.Get(trace.TraceIDHeader))

			enriched := logger.With("trace_id", tc.TraceID, "request_id", tc.RequestID)
			ctx := trace.WithContext(r.Context(), tc)
			ctx = trace.WithLogger(ctx, enriched)

			w.Header().Set(trace.TraceIDHeader, tc.TraceID)
			w.Header().Set(trace.RequestIDHeader, tc.RequestID)

			enriched.Info("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", ClientIPFromContext(ctx),
				"headers", loggableHeaders(r.Header),
			)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			level := slog.LevelInfo
			if rec.status >= 400 {
				level = slog.LevelWarn
			}
			enriched.Log(r.Context(), level, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// loggableHeaders flattens the header map for debug logging with credential
// values redacted.
func loggableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if _, sensitive := sensitiveHeaders[strings.ToLower(key)]; sensitive {
			out[key] = "[redacted]"
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// RealIPMiddleware extracts the client's real IP for rate limiting and
// logging. Only the first X-Forwarded-For entry is trusted to avoid
// spoofing via appended entries.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), ctxkey.ClientIPKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext returns the client IP stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ctxkey.ClientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware admits or rejects requests before any credential work
// happens. Every request is checked against the per-IP limit; requests
// carrying a bearer credential are additionally checked against the
// per-subject limit. Limiter errors fail open.
func RateLimitMiddleware(limiter ratelimit.Limiter, cfg config.RateLimitConfig, metrics *Metrics) func(http.Handler) http.Handler {
	ipCfg := ratelimit.Config{Rate: cfg.IPRate, Burst: cfg.IPRate, Period: time.Minute}
	userCfg := ratelimit.Config{Rate: cfg.UserRate, Burst: cfg.UserRate, Period: time.Minute}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			logger := trace.LoggerFromContext(r.Context())

			keys := []struct {
				key string
				cfg ratelimit.Config
			}{
				{ratelimit.IPKey(ClientIPFromContext(r.Context())), ipCfg},
			}
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				credential := strings.TrimPrefix(auth, "Bearer ")
				keys = append(keys, struct {
					key string
					cfg ratelimit.Config
				}{ratelimit.SubjectKey(credential), userCfg})
			}

			if sizer, ok := limiter.(interface{ Size() int }); ok {
				metrics.SetRateLimitKeys(sizer.Size())
			}

			for _, k := range keys {
				result, err := limiter.Allow(r.Context(), k.key, k.cfg)
				if err != nil {
					logger.Warn("rate limiter error, failing open", "error", err)
					continue
				}
				if !result.Allowed {
					metrics.RateLimited()
					retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
					logger.Warn("request rate limited",
						"method", r.Method,
						"path", r.URL.Path,
						"retry_after_s", retryAfter,
					)
					writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for logging and metrics while
// passing streaming and upgrade capabilities through to the underlying
// writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE passthrough works through
// the middleware chain.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so WebSocket upgrades work
// through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
