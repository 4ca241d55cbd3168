package httpgw

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labforge/gateway/internal/config"
	"github.com/labforge/gateway/internal/domain/ratelimit"
	"github.com/labforge/gateway/internal/domain/trace"
)

func TestTraceMiddlewareAdoptsInboundTraceID(t *testing.T) {
	var seen trace.Context
	h := TraceMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
	r.Header.Set(trace.TraceIDHeader, "0f0e0d0c-0b0a-0908-0706-050403020100")
	r.Header.Set(trace.RequestIDHeader, "11111111111111111111111111111111")
	h.ServeHTTP(rec, r)

	if seen.TraceID != "0f0e0d0c0b0a09080706050403020100" {
		t.Errorf("trace_id = %q, want normalized inbound value", seen.TraceID)
	}
	if seen.RequestID == "11111111111111111111111111111111" {
		t.Error("inbound request_id must never be adopted")
	}
	if _, ok := trace.Normalize(seen.RequestID); !ok {
		t.Errorf("request_id = %q, want fresh identifier", seen.RequestID)
	}

	if got := rec.Header().Get(trace.TraceIDHeader); got != seen.TraceID {
		t.Errorf("response trace_id = %q, want echoed", got)
	}
	if got := rec.Header().Get(trace.RequestIDHeader); got != seen.RequestID {
		t.Errorf("response request_id = %q, want echoed", got)
	}
}

func TestTraceMiddlewareMintsWhenAbsent(t *testing.T) {
	var seen trace.Context
	h := TraceMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.FromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if _, ok := trace.Normalize(seen.TraceID); !ok {
		t.Errorf("trace_id = %q, want generated identifier", seen.TraceID)
	}
}

func TestTraceMiddlewareRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := TraceMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
	r.Header.Set("Authorization", "Bearer super-secret-token")
	r.Header.Set("Cookie", "access_token=also-secret")
	h.ServeHTTP(httptest.NewRecorder(), r)

	out := buf.String()
	// The start line with the filtered header map is part of the default
	// log output, not a debug extra.
	if !bytes.Contains(buf.Bytes(), []byte("request started")) {
		t.Errorf("start log missing at default level:\n%s", out)
	}
	if bytes.Contains(buf.Bytes(), []byte("super-secret-token")) || bytes.Contains(buf.Bytes(), []byte("also-secret")) {
		t.Errorf("credential value leaked into logs:\n%s", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("[redacted]")) {
		t.Errorf("sensitive headers should appear redacted:\n%s", out)
	}
}

func TestRealIPMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*http.Request)
		want    string
	}{
		{
			name:    "first forwarded entry",
			prepare: func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1") },
			want:    "203.0.113.7",
		},
		{
			name:    "real ip header",
			prepare: func(r *http.Request) { r.Header.Set("X-Real-IP", "203.0.113.9") },
			want:    "203.0.113.9",
		},
		{
			name:    "remote addr fallback",
			prepare: func(r *http.Request) { r.RemoteAddr = "198.51.100.4:58312" },
			want:    "198.51.100.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIPFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.prepare(r)
			h.ServeHTTP(httptest.NewRecorder(), r)
			if got != tt.want {
				t.Errorf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}

func rateLimitedHandler(t *testing.T, cfg config.RateLimitConfig) (http.Handler, *ratelimit.MemoryLimiter) {
	t.Helper()
	limiter := ratelimit.NewMemoryLimiter(time.Minute, time.Minute)
	t.Cleanup(limiter.Stop)
	metrics := NewMetrics(prometheus.NewRegistry())
	h := RateLimitMiddleware(limiter, cfg, metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	return RealIPMiddleware(h), limiter
}

func TestRateLimitMiddlewareRejectsAfterBurst(t *testing.T) {
	h, _ := rateLimitedHandler(t, config.RateLimitConfig{Enabled: true, IPRate: 3, UserRate: 100})

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		h.ServeHTTP(last, r)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once the burst is spent", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestRateLimitMiddlewareKeysByIP(t *testing.T) {
	h, _ := rateLimitedHandler(t, config.RateLimitConfig{Enabled: true, IPRate: 1, UserRate: 100})

	first := httptest.NewRecorder()
	r1 := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
	r1.RemoteAddr = "203.0.113.7:1234"
	h.ServeHTTP(first, r1)

	other := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
	r2.RemoteAddr = "203.0.113.8:1234"
	h.ServeHTTP(other, r2)

	if first.Code != http.StatusNoContent || other.Code != http.StatusNoContent {
		t.Errorf("statuses = %d/%d, want separate budgets per ip", first.Code, other.Code)
	}
}

func TestRateLimitMiddlewareSubjectBudget(t *testing.T) {
	h, _ := rateLimitedHandler(t, config.RateLimitConfig{Enabled: true, IPRate: 100, UserRate: 2})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		r.Header.Set("Authorization", "Bearer subject-token")
		h.ServeHTTP(last, r)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want the per-subject budget enforced", last.Code)
	}
}

func TestRateLimitMiddlewareExemptions(t *testing.T) {
	h, _ := rateLimitedHandler(t, config.RateLimitConfig{Enabled: true, IPRate: 1, UserRate: 1})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("health probe rate limited on attempt %d", i+1)
		}
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	h, limiter := rateLimitedHandler(t, config.RateLimitConfig{Enabled: false, IPRate: 1, UserRate: 1})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("disabled limiter rejected attempt %d", i+1)
		}
	}
	if limiter.Size() != 0 {
		t.Error("disabled limiter must not track keys")
	}
}
