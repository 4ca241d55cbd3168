package httpgw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labforge/gateway/internal/config"
	"github.com/labforge/gateway/internal/domain/trace"
)

func serverConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Upstreams.Auth = "http://127.0.0.1:18001"
	cfg.Upstreams.Experiments = "http://127.0.0.1:18002"
	cfg.Upstreams.Telemetry = "http://127.0.0.1:18003"
	cfg.Security.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.SetDefaults()
	cfg.RateLimit.Enabled = false
	return cfg
}

func TestBuildRouteTable(t *testing.T) {
	table := BuildRouteTable(serverConfig())

	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/telemetry/stream", "telemetry-stream"},
		{"/api/v1/telemetry/events", "telemetry"},
		{"/api/v1/experiments", "api"},
		{"/projects/p1/members", "projects"},
		{"/elsewhere", ""},
	}
	for _, tt := range tests {
		rt := table.Match(tt.path)
		switch {
		case tt.want == "" && rt != nil:
			t.Errorf("Match(%q) = %q, want no route", tt.path, rt.Name)
		case tt.want != "" && (rt == nil || rt.Name != tt.want):
			t.Errorf("Match(%q) = %v, want %q", tt.path, rt, tt.want)
		}
	}
}

func TestBuildRouteTableFlags(t *testing.T) {
	table := BuildRouteTable(serverConfig())

	stream := table.Match("/api/v1/telemetry/stream")
	if !stream.Streaming || !stream.SynthesizeAuth || !stream.CSRFExempt {
		t.Errorf("stream route flags = %+v", stream)
	}
	projects := table.Match("/projects/p1")
	if !projects.DropCookies {
		t.Error("the identity upstream route must drop cookies")
	}
	api := table.Match("/api/v1/experiments")
	if !api.WebSocket || !api.ResolveRole {
		t.Errorf("api route flags = %+v", api)
	}
	if api.SynthesizeAuth {
		t.Error("the refresh ladder is confined to telemetry routes")
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(serverConfig(), "test", testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestServerHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if rec.Header().Get(trace.TraceIDHeader) == "" {
		t.Error("every response carries the trace header")
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServerCSRFGuardInChain(t *testing.T) {
	s := newTestServer(t)

	// A cookie-bearing state change with a hostile origin must be rejected
	// before it reaches the proxy.
	r := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "t1"})
	r.AddCookie(&http.Cookie{Name: "csrf_token", Value: "c1"})
	r.Header.Set("Origin", "https://evil.example.com")
	r.Header.Set("X-CSRF-Token", "c1")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 from the csrf guard", rec.Code)
	}
}

func TestServerSessionEndpointMethods(t *testing.T) {
	s := newTestServer(t)

	t.Run("wrong method", func(t *testing.T) {
		// GET on a POST-only session endpoint never reaches the proxy
		// catch-all.
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["error"] != "method_not_allowed" {
			t.Errorf("error = %q", body["error"])
		}
	})

	t.Run("unknown auth path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/elsewhere", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestServerUnknownPath(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 from the route table", rec.Code)
	}
}
