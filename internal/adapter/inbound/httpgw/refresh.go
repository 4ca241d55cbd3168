package httpgw

import (
	"context"
	"net/http"
	"time"

	"github.com/labforge/gateway/internal/adapter/outbound/authapi"
	"github.com/labforge/gateway/internal/domain/identity"
	"github.com/labforge/gateway/internal/domain/trace"
)

// tokenRefresher exchanges a refresh token for fresh token material.
// Satisfied by *service.SessionService.
type tokenRefresher interface {
	Refresh(ctx context.Context, tc trace.Context, refreshToken string) (*authapi.Response, error)
}

// RefreshCoordinator decides, per proxied request, which credential to
// forward upstream. It walks a fixed ladder:
//
//  1. an inbound Authorization header always wins (bearer clients manage
//     their own tokens),
//  2. a still-usable access cookie is forwarded as a bearer token,
//  3. an expired access cookie with a refresh cookie triggers a synchronous
//     refresh; fresh cookies are set on the response and the new access
//     token is forwarded,
//  4. when refresh fails the dead session cookies are cleared, but an
//     expired access cookie is still forwarded so the upstream issues the
//     authoritative rejection,
//  5. otherwise the request goes upstream without a credential.
type RefreshCoordinator struct {
	sessions tokenRefresher
	cookies  *CookieManager
	skew     time.Duration
}

// NewRefreshCoordinator creates a RefreshCoordinator. skew shrinks the
// access token's remaining lifetime so tokens about to expire are refreshed
// preemptively.
func NewRefreshCoordinator(sessions tokenRefresher, cookies *CookieManager, skew time.Duration) *RefreshCoordinator {
	return &RefreshCoordinator{sessions: sessions, cookies: cookies, skew: skew}
}

// Authorize returns the Authorization header value to forward upstream, or
// empty when the request carries no credential. fromSession is true when
// the credential came from the browser session cookies rather than the
// inbound request.
func (c *RefreshCoordinator) Authorize(w http.ResponseWriter, r *http.Request) (authz string, fromSession bool) {
	if inbound := r.Header.Get("Authorization"); inbound != "" {
		return inbound, false
	}

	access, hasAccess := c.cookies.ReadAccess(r)
	if hasAccess && identity.Usable(access, c.skew) {
		return "Bearer " + access, true
	}

	logger := trace.LoggerFromContext(r.Context())

	refreshToken, hasRefresh := c.cookies.ReadRefresh(r)
	if hasRefresh {
		tc := trace.FromContext(r.Context())
		resp, err := c.sessions.Refresh(r.Context(), tc, refreshToken)
		switch {
		case err != nil:
			logger.Warn("token refresh failed", "error", err)
			c.cookies.Clear(w)
		case !resp.OK():
			logger.Warn("token refresh rejected by auth upstream", "status", resp.Status)
			c.cookies.Clear(w)
		default:
			logger.Debug("access token refreshed")
			c.cookies.SetSession(w, resp.Tokens)
			return "Bearer " + resp.Tokens.AccessToken, true
		}
	}

	// Refresh unavailable. An expired access token is still forwarded so
	// the rejection comes from the upstream, not the gateway guessing.
	if hasAccess {
		return "Bearer " + access, true
	}
	return "", false
}
