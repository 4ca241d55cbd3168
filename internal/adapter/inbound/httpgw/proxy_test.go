package httpgw

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labforge/gateway/internal/domain/route"
	"github.com/labforge/gateway/internal/domain/trace"
	"github.com/labforge/gateway/internal/service"
)

func newTestProxy(t *testing.T, table *route.Table, refresher *fakeRefresher, resolver *fakeResolver) *Proxy {
	t.Helper()
	logger := testLogger()
	cookies := testCookieManager(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	if refresher == nil {
		refresher = &fakeRefresher{}
	}
	if resolver == nil {
		resolver = &fakeResolver{}
	}
	return NewProxy(
		table,
		5*time.Second,
		NewRefreshCoordinator(refresher, cookies, 30*time.Second),
		NewRoleAnnotator(resolver, false, ""),
		cookies,
		NewWebSocketProxy(metrics, logger),
		metrics,
		logger,
	)
}

// tracedRequest builds a request carrying a known trace context, as the
// trace middleware would.
func tracedRequest(method, target string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, target, body)
	tc := trace.Context{TraceID: "abcdabcdabcdabcdabcdabcdabcdabcd", RequestID: trace.NewID()}
	return r.WithContext(trace.WithContext(r.Context(), tc))
}

func TestProxyNoRoute(t *testing.T) {
	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "api", PathPrefix: "/api", Upstream: "http://127.0.0.1:1"},
	), nil, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, tracedRequest(http.MethodGet, "/unknown/path", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "not_found" {
		t.Errorf("error = %q, want not_found", body["error"])
	}
}

func TestProxyForwardsRequest(t *testing.T) {
	var got struct {
		method    string
		path      string
		query     string
		body      string
		traceID   string
		requestID string
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.body = string(body)
		got.traceID = r.Header.Get(trace.TraceIDHeader)
		got.requestID = r.Header.Get(trace.RequestIDHeader)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"e1"}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "api", PathPrefix: "/api", Upstream: upstream.URL},
	), nil, nil)

	rec := httptest.NewRecorder()
	r := tracedRequest(http.MethodPost, "/api/v1/experiments?limit=5", strings.NewReader(`{"name":"x"}`))
	p.ServeHTTP(rec, r)

	if got.method != http.MethodPost || got.path != "/api/v1/experiments" || got.query != "limit=5" {
		t.Errorf("upstream saw %s %s?%s", got.method, got.path, got.query)
	}
	if got.body != `{"name":"x"}` {
		t.Errorf("upstream body = %q", got.body)
	}
	if got.traceID != "abcdabcdabcdabcdabcdabcdabcdabcd" {
		t.Errorf("upstream trace_id = %q, want propagated", got.traceID)
	}
	if _, ok := trace.Normalize(got.requestID); !ok {
		t.Errorf("upstream request_id = %q, want fresh hop identifier", got.requestID)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want upstream status relayed", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response headers must be relayed")
	}
	if rec.Body.String() != `{"id":"e1"}` {
		t.Errorf("body = %q, want upstream body relayed", rec.Body.String())
	}
}

func TestProxyPathRewrite(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "projects", PathPrefix: "/projects", Upstream: upstream.URL, RewritePrefix: "/api/v1/projects"},
	), nil, nil)

	p.ServeHTTP(httptest.NewRecorder(), tracedRequest(http.MethodGet, "/projects/p1/members", nil))

	if gotPath != "/api/v1/projects/p1/members" {
		t.Errorf("upstream path = %q, want rewritten prefix", gotPath)
	}
}

func TestProxyCookieSynthesis(t *testing.T) {
	var gotAuthz, gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "api", PathPrefix: "/api", Upstream: upstream.URL},
	), nil, nil)

	t.Run("access cookie becomes bearer", func(t *testing.T) {
		r := tracedRequest(http.MethodGet, "/api/v1/experiments", nil)
		r.AddCookie(&http.Cookie{Name: "access_token", Value: "t1"})
		p.ServeHTTP(httptest.NewRecorder(), r)
		if gotAuthz != "Bearer t1" {
			t.Errorf("upstream Authorization = %q, want synthesized bearer", gotAuthz)
		}
		if gotCookie == "" {
			t.Error("cookies forwarded on routes without the drop flag")
		}
	})

	t.Run("explicit header wins", func(t *testing.T) {
		r := tracedRequest(http.MethodGet, "/api/v1/experiments", nil)
		r.Header.Set("Authorization", "Bearer explicit")
		r.AddCookie(&http.Cookie{Name: "access_token", Value: "t1"})
		p.ServeHTTP(httptest.NewRecorder(), r)
		if gotAuthz != "Bearer explicit" {
			t.Errorf("upstream Authorization = %q, want inbound header", gotAuthz)
		}
	})

	t.Run("anonymous stays anonymous", func(t *testing.T) {
		p.ServeHTTP(httptest.NewRecorder(), tracedRequest(http.MethodGet, "/api/v1/experiments", nil))
		if gotAuthz != "" {
			t.Errorf("upstream Authorization = %q, want none", gotAuthz)
		}
	})
}

func TestProxyRefreshLadderRoute(t *testing.T) {
	var gotAuthz string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "telemetry", PathPrefix: "/api/v1/telemetry", Upstream: upstream.URL, SynthesizeAuth: true},
	), &fakeRefresher{}, nil)

	token := signedToken(t, "u1", time.Now().Add(time.Hour))
	r := tracedRequest(http.MethodGet, "/api/v1/telemetry/events", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	p.ServeHTTP(httptest.NewRecorder(), r)

	if gotAuthz != "Bearer "+token {
		t.Errorf("upstream Authorization = %q, want session-derived bearer", gotAuthz)
	}
}

func TestProxyDropCookies(t *testing.T) {
	var gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "projects", PathPrefix: "/projects", Upstream: upstream.URL, DropCookies: true},
	), nil, nil)

	r := tracedRequest(http.MethodGet, "/projects/p1", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "t1"})
	p.ServeHTTP(httptest.NewRecorder(), r)

	if gotCookie != "" {
		t.Errorf("upstream Cookie = %q, want dropped", gotCookie)
	}
}

func TestProxyRoleAnnotation(t *testing.T) {
	var gotUser, gotProject, gotRole string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-Id")
		gotProject = r.Header.Get("X-Project-Id")
		gotRole = r.Header.Get("X-Project-Role")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	resolver := &fakeResolver{res: service.Resolution{UserID: "u1", Role: "editor", Evaluated: true}}
	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "api", PathPrefix: "/api", Upstream: upstream.URL, ResolveRole: true},
	), nil, resolver)

	token := signedToken(t, "u1", time.Now().Add(time.Hour))
	r := tracedRequest(http.MethodGet, "/api/v1/experiments?project_id=p1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p.ServeHTTP(httptest.NewRecorder(), r)

	if gotUser != "u1" || gotProject != "p1" || gotRole != "editor" {
		t.Errorf("identity headers = %q/%q/%q", gotUser, gotProject, gotRole)
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	// A closed server gives a connection-refused error immediately.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "api", PathPrefix: "/api", Upstream: upstream.URL},
	), nil, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, tracedRequest(http.MethodGet, "/api/v1/experiments", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "upstream_unreachable" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestProxyStreamingFlushes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"seq\":1}\n\n"))
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "telemetry-stream", PathPrefix: "/api/v1/telemetry/stream", Upstream: upstream.URL, Streaming: true},
	), nil, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, tracedRequest(http.MethodGet, "/api/v1/telemetry/stream", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "data:") {
		t.Errorf("body = %q, want event payload relayed", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("streamed chunks must be flushed as they arrive")
	}
}

func TestProxyStripsHopByHopFromResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-App", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, route.NewTable(
		route.Route{Name: "api", PathPrefix: "/api", Upstream: upstream.URL},
	), nil, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, tracedRequest(http.MethodGet, "/api/v1/experiments", nil))

	if rec.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response headers must not be relayed")
	}
	if rec.Header().Get("X-App") != "yes" {
		t.Error("application response headers must be relayed")
	}
}
