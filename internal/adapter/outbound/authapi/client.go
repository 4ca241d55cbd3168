// Package authapi is the outbound HTTP client for the authorization service.
//
// The gateway consumes the auth service's token endpoints (login, register,
// refresh, logout, me) and its project membership endpoint. Every call is
// one hop of the inbound request's trace: it carries the shared trace_id and
// a freshly minted request_id.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labforge/gateway/internal/domain/trace"
)

// TokenResponse is the token material in a successful auth response.
// Access and refresh tokens are opaque bearer strings minted by the auth
// service; the gateway never creates or verifies them.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Response is the outcome of one auth service call. Body is the raw
// upstream body so session handlers can pass non-2xx bodies through
// verbatim; Tokens is parsed from Body on 2xx responses.
type Response struct {
	Status int
	Body   []byte
	Tokens TokenResponse
}

// OK reports whether the upstream answered with a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Member is one entry of a project membership list.
type Member struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// membersResponse mirrors the GET /projects/{id}/members payload.
type membersResponse struct {
	Members []Member `json:"members"`
}

// maxResponseBody bounds how much of an upstream body the client buffers.
const maxResponseBody = 1 << 20 // 1MB

// Client calls the authorization service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the auth service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			// Do not follow redirects — pass them through to the caller.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Login forwards a login body. POST /auth/login.
func (c *Client) Login(ctx context.Context, tc trace.Context, body []byte) (*Response, error) {
	return c.do(ctx, tc, http.MethodPost, "/auth/login", body, "")
}

// Register forwards a registration body. POST /auth/register.
func (c *Client) Register(ctx context.Context, tc trace.Context, body []byte) (*Response, error) {
	return c.do(ctx, tc, http.MethodPost, "/auth/register", body, "")
}

// Refresh exchanges a refresh token for fresh token material.
// POST /auth/refresh with body {"refresh_token": ...}.
func (c *Client) Refresh(ctx context.Context, tc trace.Context, refreshToken string) (*Response, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}
	return c.do(ctx, tc, http.MethodPost, "/auth/refresh", body, "")
}

// Logout notifies the auth service that the session ends. POST /auth/logout.
func (c *Client) Logout(ctx context.Context, tc trace.Context, accessToken string) (*Response, error) {
	return c.do(ctx, tc, http.MethodPost, "/auth/logout", nil, accessToken)
}

// Me fetches the current user for the given access token. GET /auth/me.
func (c *Client) Me(ctx context.Context, tc trace.Context, accessToken string) (*Response, error) {
	return c.do(ctx, tc, http.MethodGet, "/auth/me", nil, accessToken)
}

// ProjectMembers fetches the membership list of a project.
// GET /projects/{id}/members. The status is returned alongside the members
// so callers can distinguish 403/404 (not a member / no such project) from
// transport failure.
func (c *Client) ProjectMembers(ctx context.Context, tc trace.Context, projectID, accessToken string) ([]Member, int, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/members"
	resp, err := c.do(ctx, tc, http.MethodGet, path, nil, accessToken)
	if err != nil {
		return nil, 0, err
	}
	if !resp.OK() {
		return nil, resp.Status, nil
	}
	var payload membersResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, resp.Status, fmt.Errorf("failed to decode members response: %w", err)
	}
	return payload.Members, resp.Status, nil
}

// do executes one hop against the auth service. The hop gets its own
// request_id; the trace_id is propagated unchanged.
func (c *Client) do(ctx context.Context, tc trace.Context, method, path string, body []byte, bearer string) (*Response, error) {
	hop := tc.NewHop()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}

	req.Header.Set(trace.TraceIDHeader, hop.TraceID)
	req.Header.Set(trace.RequestIDHeader, hop.RequestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	c.logger.Debug("auth upstream call",
		"method", method,
		"path", path,
		"trace_id", hop.TraceID,
		"request_id", hop.RequestID,
		"has_authorization", bearer != "",
	)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("auth upstream unreachable",
			"method", method,
			"path", path,
			"trace_id", hop.TraceID,
			"request_id", hop.RequestID,
			"error", err,
		)
		return nil, fmt.Errorf("auth upstream %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read auth response: %w", err)
	}

	out := &Response{Status: resp.StatusCode, Body: raw}
	if out.OK() && len(raw) > 0 {
		// Token material is optional on some endpoints (me, logout); a
		// non-token JSON body is not an error here.
		_ = json.Unmarshal(raw, &out.Tokens)
	}
	return out, nil
}
