package httpgw

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/labforge/gateway/internal/domain/trace"
)

// CSRFGuard enforces the double-submit cookie defense plus an exact-match
// Origin allowlist on state-changing, cookie-authenticated requests.
//
// Requests without session cookies carry no ambient credential to ride and
// pass unchecked; that is how bearer-token clients (sensors, CLI tools)
// bypass the guard without a header contract. Session establishment
// endpoints are exempt because the browser has no CSRF cookie before the
// first login.
type CSRFGuard struct {
	cookies        *CookieManager
	allowedOrigins map[string]struct{}
	headerName     string
	exemptPrefixes []string
}

// NewCSRFGuard creates a CSRFGuard. exemptPrefixes are path prefixes that
// skip the check entirely.
func NewCSRFGuard(cookies *CookieManager, allowedOrigins []string, headerName string, exemptPrefixes []string) *CSRFGuard {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &CSRFGuard{
		cookies:        cookies,
		allowedOrigins: allowed,
		headerName:     headerName,
		exemptPrefixes: exemptPrefixes,
	}
}

// Middleware wraps next with the CSRF check.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		logger := trace.LoggerFromContext(r.Context())

		if errType, reason := g.checkOrigin(r); errType != "" {
			logger.Warn("csrf rejection",
				"method", r.Method,
				"path", r.URL.Path,
				"reason", reason,
			)
			writeJSONError(w, http.StatusForbidden, errType, reason)
			return
		}

		if errType, reason := g.checkToken(r); errType != "" {
			logger.Warn("csrf rejection",
				"method", r.Method,
				"path", r.URL.Path,
				"reason", reason,
			)
			writeJSONError(w, http.StatusForbidden, errType, reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// skip reports whether the request is outside the guard's scope.
func (g *CSRFGuard) skip(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	for _, prefix := range g.exemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	// Only the session cookies are an ambient credential. Unrelated cookies
	// (analytics, preferences) authenticate nothing and must not pull an
	// anonymous request into the guard's scope.
	if _, ok := g.cookies.ReadAccess(r); ok {
		return false
	}
	if _, ok := g.cookies.ReadRefresh(r); ok {
		return false
	}
	return true
}

// checkOrigin validates the browser-asserted source of the request. Origin
// is authoritative when present; Referer is the fallback for browsers that
// omit Origin on same-site requests. A request asserting neither is
// rejected: a cookie-bearing state change must prove where it came from.
func (g *CSRFGuard) checkOrigin(r *http.Request) (errType, reason string) {
	if origin := r.Header.Get("Origin"); origin != "" {
		if _, ok := g.allowedOrigins[strings.TrimRight(origin, "/")]; !ok {
			return "csrf_rejected", "origin not allowed"
		}
		return "", ""
	}

	if referer := r.Header.Get("Referer"); referer != "" {
		u, err := url.Parse(referer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "csrf_rejected", "referer not parseable"
		}
		if _, ok := g.allowedOrigins[u.Scheme+"://"+u.Host]; !ok {
			return "csrf_rejected", "referer not allowed"
		}
		return "", ""
	}

	return "csrf_rejected", "missing origin"
}

// checkToken enforces the double-submit rule: the CSRF header must equal
// the CSRF cookie. Only a same-origin script can read the cookie to echo it.
func (g *CSRFGuard) checkToken(r *http.Request) (errType, reason string) {
	cookieToken, ok := g.cookies.ReadCSRF(r)
	if !ok {
		return "csrf_rejected", "missing csrf cookie"
	}
	headerToken := r.Header.Get(g.headerName)
	if headerToken == "" {
		return "csrf_rejected", "missing csrf header"
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return "csrf_rejected", "csrf token mismatch"
	}
	return "", ""
}
