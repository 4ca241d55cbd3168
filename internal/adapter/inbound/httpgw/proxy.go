// Package httpgw is the gateway's inbound HTTP adapter: the reverse proxy
// router plus the session endpoints, CSRF guard, and token refresh
// coordination that front it.
package httpgw

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labforge/gateway/internal/domain/route"
	"github.com/labforge/gateway/internal/domain/trace"
)

// Proxy routes inbound requests to upstream services by path prefix and
// forwards them with the gateway's header policy applied.
type Proxy struct {
	table        *route.Table
	client       *http.Client
	streamClient *http.Client
	refresh      *RefreshCoordinator
	annotator    *RoleAnnotator
	cookies      *CookieManager
	ws           *WebSocketProxy
	metrics      *Metrics
	logger       *slog.Logger
}

// NewProxy creates a Proxy over the given route table. timeout bounds
// ordinary proxied calls; streaming routes use a client without one.
func NewProxy(table *route.Table, timeout time.Duration, refresh *RefreshCoordinator, annotator *RoleAnnotator, cookies *CookieManager, ws *WebSocketProxy, metrics *Metrics, logger *slog.Logger) *Proxy {
	noRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Proxy{
		table: table,
		client: &http.Client{
			Timeout:       timeout,
			CheckRedirect: noRedirect,
		},
		// Streaming responses outlive any sane timeout; the client
		// disconnect is the lifecycle signal instead.
		streamClient: &http.Client{
			CheckRedirect: noRedirect,
		},
		refresh:   refresh,
		annotator: annotator,
		cookies:   cookies,
		ws:        ws,
		metrics:   metrics,
		logger:    logger,
	}
}

// ServeHTTP implements the proxy pipeline for one request: route match,
// credential synthesis, identity annotation, then forwarding.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := trace.LoggerFromContext(r.Context())
	tc := trace.FromContext(r.Context())

	rt := p.table.Match(r.URL.Path)
	if rt == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no route for path")
		return
	}

	// Credential selection: routes flagged for it run the full refresh
	// ladder; everything else gets a plain cookie-to-bearer synthesis so a
	// browser session works on any proxied route.
	authz := r.Header.Get("Authorization")
	if rt.SynthesizeAuth {
		authz, _ = p.refresh.Authorize(w, r)
	} else if authz == "" {
		if access, ok := p.cookies.ReadAccess(r); ok {
			authz = "Bearer " + access
		}
	}

	var userID, projectID, role string
	var clearRole bool
	if rt.ResolveRole {
		userID, projectID, role, clearRole = p.annotator.Annotate(r, authz)
	}

	if rt.WebSocket && isWebSocketUpgrade(r) {
		headers := buildOutboundHeaders(r, rt, tc.NewHop(), authz, userID, projectID, role, clearRole)
		destURL := strings.TrimRight(rt.Upstream, "/") + rt.RewritePath(r.URL.Path)
		if err := p.ws.Proxy(w, r, destURL, headers); err != nil {
			logger.Error("websocket proxy failed", "route", rt.Name, "error", err)
		}
		return
	}

	hop := tc.NewHop()
	upstreamURL := strings.TrimRight(rt.Upstream, "/") + rt.RewritePath(r.URL.Path)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		logger.Error("failed to create upstream request", "route", rt.Name, "error", err)
		writeJSONError(w, http.StatusBadGateway, "gateway_error", "failed to create upstream request")
		return
	}
	outReq.Header = buildOutboundHeaders(r, rt, hop, authz, userID, projectID, role, clearRole)
	outReq.ContentLength = r.ContentLength

	logger.Debug("forwarding upstream",
		"route", rt.Name,
		"method", r.Method,
		"path", r.URL.Path,
		"upstream_request_id", hop.RequestID,
		"has_authorization", authz != "",
		"has_cookie", r.Header.Get("Cookie") != "",
	)

	client := p.client
	if rt.Streaming {
		client = p.streamClient
	}

	resp, err := client.Do(outReq)
	if err != nil {
		if isTimeout(err) {
			logger.Error("upstream timeout", "route", rt.Name, "request_id", hop.RequestID, "error", err)
			writeJSONError(w, http.StatusGatewayTimeout, "upstream_timeout", "")
			p.metrics.ObserveUpstream(rt.Name, http.StatusGatewayTimeout)
			return
		}
		logger.Error("upstream unreachable", "route", rt.Name, "request_id", hop.RequestID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", "")
		p.metrics.ObserveUpstream(rt.Name, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.metrics.ObserveUpstream(rt.Name, resp.StatusCode)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if rt.Streaming || isEventStream(resp.Header.Get("Content-Type")) {
		p.streamBody(w, resp.Body, logger)
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("error copying upstream response body", "route", rt.Name, "error", err)
	}
}

// streamBody relays a long-lived response chunk by chunk, flushing after
// every read so server-sent events reach the browser as they happen.
func (p *Proxy) streamBody(w http.ResponseWriter, body io.Reader, logger *slog.Logger) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("client disconnected during stream", "error", werr)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("upstream stream ended", "error", err)
			}
			return
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
