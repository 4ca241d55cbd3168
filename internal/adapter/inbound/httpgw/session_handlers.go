package httpgw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labforge/gateway/internal/adapter/outbound/authapi"
	"github.com/labforge/gateway/internal/domain/trace"
	"github.com/labforge/gateway/internal/service"
)

// maxAuthBody bounds the credential bodies the gateway buffers.
const maxAuthBody = 64 * 1024

// SessionHandler serves the browser-facing session endpoints. Token
// material from the auth upstream is converted into HttpOnly cookies and
// stripped from the response body; the SPA never sees a token.
type SessionHandler struct {
	sessions *service.SessionService
	cookies  *CookieManager
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions *service.SessionService, cookies *CookieManager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, cookies: cookies, logger: logger}
}

// Login handles POST /auth/login.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.establishSession(w, r, h.sessions.Login)
}

// Register handles POST /auth/register.
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.establishSession(w, r, h.sessions.Register)
}

// establishSession forwards a credential body to the auth upstream and, on
// success, converts the returned tokens into session cookies.
func (h *SessionHandler) establishSession(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, tc trace.Context, body []byte) (*authapi.Response, error)) {
	logger := trace.LoggerFromContext(r.Context())
	tc := trace.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	resp, err := call(r.Context(), tc, body)
	if err != nil {
		logger.Error("session establishment failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", "")
		return
	}
	if !resp.OK() {
		passthrough(w, resp)
		return
	}

	h.cookies.SetSession(w, resp.Tokens)
	writeStripped(w, resp)
}

// Refresh handles POST /auth/refresh: the browser asks the gateway to renew
// its session from the refresh cookie.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	logger := trace.LoggerFromContext(r.Context())
	tc := trace.FromContext(r.Context())

	// The cookie is the primary source; a body field serves non-browser
	// callers that manage the refresh token themselves.
	refreshToken, ok := h.cookies.ReadRefresh(r)
	if !ok {
		refreshToken = refreshTokenFromBody(r)
	}
	if refreshToken == "" {
		writeJSONError(w, http.StatusUnauthorized, "not_authenticated", "no refresh token")
		return
	}

	resp, err := h.sessions.Refresh(r.Context(), tc, refreshToken)
	if err != nil {
		logger.Error("session refresh failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", "")
		return
	}
	if !resp.OK() {
		// The refresh token is dead; a browser holding these cookies can
		// never recover, so clear them.
		h.cookies.Clear(w)
		passthrough(w, resp)
		return
	}

	h.cookies.SetSession(w, resp.Tokens)
	writeStripped(w, resp)
}

// Logout handles POST /auth/logout. The auth upstream is notified on a
// best-effort basis; the session cookies are cleared regardless so logout
// never fails from the browser's point of view.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	tc := trace.FromContext(r.Context())

	access := bearerFromRequest(r, h.cookies)
	h.sessions.Logout(r.Context(), tc, access)

	h.cookies.Clear(w)
	writeJSON(w, http.StatusOK, map[string]any{})
}

// Me handles GET /auth/me: the identity probe the SPA uses on load.
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	logger := trace.LoggerFromContext(r.Context())
	tc := trace.FromContext(r.Context())

	access := bearerFromRequest(r, h.cookies)
	if access == "" {
		writeJSONError(w, http.StatusUnauthorized, "not_authenticated", "")
		return
	}

	resp, err := h.sessions.Me(r.Context(), tc, access)
	if err != nil {
		logger.Error("identity probe failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", "")
		return
	}
	if resp.Status == http.StatusUnauthorized {
		h.cookies.Clear(w)
	}
	passthrough(w, resp)
}

// refreshTokenFromBody reads the refresh_token field of a JSON body.
func refreshTokenFromBody(r *http.Request) string {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBody))
	if err != nil {
		return ""
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.RefreshToken
}

// bearerFromRequest finds the caller's access token: an explicit bearer
// header wins over the session cookie.
func bearerFromRequest(r *http.Request, cookies *CookieManager) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	access, _ := cookies.ReadAccess(r)
	return access
}

// passthrough relays an upstream response body and status verbatim.
func passthrough(w http.ResponseWriter, resp *authapi.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// writeStripped writes a 2xx session response with all token material
// removed. Tokens travel only in cookies.
func writeStripped(w http.ResponseWriter, resp *authapi.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(stripTokens(resp.Body))
}

// stripTokens removes token fields from a JSON body. A body that is not a
// JSON object, or is nothing but token material, becomes an empty object.
func stripTokens(body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return []byte("{}")
	}
	for _, field := range []string{"access_token", "refresh_token", "expires_in", "token_type"} {
		delete(payload, field)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return []byte("{}")
	}
	return out
}
