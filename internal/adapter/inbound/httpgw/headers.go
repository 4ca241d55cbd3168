package httpgw

import (
	"net"
	"net/http"

	"github.com/labforge/gateway/internal/domain/route"
	"github.com/labforge/gateway/internal/domain/trace"
)

// Identity headers the gateway injects for downstream services.
const (
	userIDHeader      = "X-User-Id"
	projectIDHeader   = "X-Project-Id"
	projectRoleHeader = "X-Project-Role"
)

// hopByHopHeaders are connection-scoped and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// buildOutboundHeaders computes the header set for one upstream hop. Every
// outbound request, proxied or gateway-initiated, goes through here so the
// forwarding policy has a single home:
//
//   - inbound headers are copied single-valued (first value wins),
//   - hop-by-hop headers are dropped,
//   - the inbound request_id is never forwarded; the hop's own trace
//     identifiers replace both trace headers,
//   - session cookies are stripped on routes that must not see them,
//   - the synthesized Authorization and the resolved identity headers
//     overwrite anything the caller supplied for them,
//   - body-carrying methods without a Content-Type get application/json.
func buildOutboundHeaders(r *http.Request, rt *route.Route, hop trace.Context, authz, userID, projectID, role string, clearRole bool) http.Header {
	out := make(http.Header, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			out.Set(key, values[0])
		}
	}

	for _, h := range hopByHopHeaders {
		out.Del(h)
	}

	out.Set(trace.TraceIDHeader, hop.TraceID)
	out.Set(trace.RequestIDHeader, hop.RequestID)

	if rt.DropCookies {
		out.Del("Cookie")
	}

	if authz != "" {
		out.Set("Authorization", authz)
	}
	if userID != "" {
		out.Set(userIDHeader, userID)
	}
	if projectID != "" {
		out.Set(projectIDHeader, projectID)
	}
	if role != "" {
		out.Set(projectRoleHeader, role)
	} else if clearRole {
		// A membership lookup ran and resolved no role; a caller-supplied
		// role header must not survive it.
		out.Del(projectRoleHeader)
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if out.Get("Content-Type") == "" {
			out.Set("Content-Type", "application/json")
		}
	}

	// X-Forwarded-* chain for upstream logging.
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if prior := out.Get("X-Forwarded-For"); prior != "" {
		out.Set("X-Forwarded-For", prior+", "+clientIP)
	} else if clientIP != "" {
		out.Set("X-Forwarded-For", clientIP)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	out.Set("X-Forwarded-Proto", scheme)
	out.Set("X-Forwarded-Host", r.Host)

	return out
}
