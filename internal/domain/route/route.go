// Package route defines the static proxy route table.
//
// Routes map URL path prefixes to upstream services. The table is built once
// from configuration and immutable for the process lifetime. Matching walks
// the table in registration order, so a narrower prefix (e.g. a streaming
// sub-path) must be registered before a broader one that would otherwise
// swallow it.
package route

import "strings"

// Route is one configuration-derived mapping from a path prefix to an
// upstream base URL, plus the per-route forwarding policy flags.
type Route struct {
	// Name identifies the route in logs and metrics.
	Name string
	// PathPrefix is the inbound URL path prefix to match (e.g. "/api/").
	PathPrefix string
	// Upstream is the base URL of the backend service.
	Upstream string
	// RewritePrefix replaces PathPrefix on the outbound path. Empty means
	// the prefix is forwarded unchanged (identity rewrite).
	RewritePrefix string
	// Streaming marks routes serving long-lived SSE responses: no response
	// timeout, flush-per-chunk passthrough.
	Streaming bool
	// WebSocket allows protocol upgrades on this route.
	WebSocket bool
	// DropCookies strips the inbound Cookie header before forwarding.
	// Session cookies are gateway-local state and must not reach the
	// authorization upstream.
	DropCookies bool
	// CSRFExempt skips the CSRF guard (bearer-authenticated ingest routes).
	CSRFExempt bool
	// SynthesizeAuth enables the token refresh coordinator: requests without
	// an Authorization header get one synthesized from the browser session.
	SynthesizeAuth bool
	// ResolveRole enables the identity/project-role resolver pre-proxy hook.
	ResolveRole bool
}

// RewritePath substitutes the route's prefix for its rewrite prefix.
func (r *Route) RewritePath(path string) string {
	if r.RewritePrefix == "" || r.RewritePrefix == r.PathPrefix {
		return path
	}
	rewritten := r.RewritePrefix + strings.TrimPrefix(path, r.PathPrefix)
	if !strings.HasPrefix(rewritten, "/") {
		rewritten = "/" + rewritten
	}
	return rewritten
}

// Table is an ordered, immutable set of routes.
type Table struct {
	routes []Route
}

// NewTable builds a route table. Registration order is match order.
func NewTable(routes ...Route) *Table {
	rs := make([]Route, len(routes))
	copy(rs, routes)
	return &Table{routes: rs}
}

// Match returns the first route whose prefix matches path, or nil.
func (t *Table) Match(path string) *Route {
	for i := range t.routes {
		if strings.HasPrefix(path, t.routes[i].PathPrefix) {
			return &t.routes[i]
		}
	}
	return nil
}

// Routes returns a copy of the table for inspection (debug commands, tests).
func (t *Table) Routes() []Route {
	rs := make([]Route, len(t.routes))
	copy(rs, t.routes)
	return rs
}
