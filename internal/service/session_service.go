// Package service contains the gateway's orchestration layer between the
// inbound HTTP adapters and the outbound upstream clients.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labforge/gateway/internal/adapter/outbound/authapi"
	"github.com/labforge/gateway/internal/domain/trace"
)

// AuthClient is the subset of the auth upstream client the session service
// depends on. Satisfied by *authapi.Client; tests substitute mocks.
type AuthClient interface {
	Login(ctx context.Context, tc trace.Context, body []byte) (*authapi.Response, error)
	Register(ctx context.Context, tc trace.Context, body []byte) (*authapi.Response, error)
	Refresh(ctx context.Context, tc trace.Context, refreshToken string) (*authapi.Response, error)
	Logout(ctx context.Context, tc trace.Context, accessToken string) (*authapi.Response, error)
	Me(ctx context.Context, tc trace.Context, accessToken string) (*authapi.Response, error)
}

// SessionService brokers browser sessions against the authorization upstream.
// It owns no state; token material lives in the browser's cookies and the
// auth service's stores.
type SessionService struct {
	auth   AuthClient
	logger *slog.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(auth AuthClient, logger *slog.Logger) *SessionService {
	return &SessionService{auth: auth, logger: logger}
}

// Login forwards a login body to the auth upstream. A 2xx response must
// carry an access token; a 2xx without one is an upstream contract violation
// and surfaces as an error.
func (s *SessionService) Login(ctx context.Context, tc trace.Context, body []byte) (*authapi.Response, error) {
	resp, err := s.auth.Login(ctx, tc, body)
	if err != nil {
		return nil, err
	}
	if err := requireTokens(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Register forwards a registration body to the auth upstream. The same token
// contract as Login applies.
func (s *SessionService) Register(ctx context.Context, tc trace.Context, body []byte) (*authapi.Response, error) {
	resp, err := s.auth.Register(ctx, tc, body)
	if err != nil {
		return nil, err
	}
	if err := requireTokens(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Refresh exchanges a refresh token for new token material.
func (s *SessionService) Refresh(ctx context.Context, tc trace.Context, refreshToken string) (*authapi.Response, error) {
	resp, err := s.auth.Refresh(ctx, tc, refreshToken)
	if err != nil {
		return nil, err
	}
	if err := requireTokens(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Logout notifies the auth upstream that the session ends. Upstream failure
// is logged and swallowed: the gateway clears the session cookies regardless,
// so a dead auth service cannot pin a browser to a stale session.
func (s *SessionService) Logout(ctx context.Context, tc trace.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	resp, err := s.auth.Logout(ctx, tc, accessToken)
	if err != nil {
		s.logger.Warn("logout notification failed", "trace_id", tc.TraceID, "error", err)
		return
	}
	if !resp.OK() {
		s.logger.Warn("logout rejected by auth upstream", "trace_id", tc.TraceID, "status", resp.Status)
	}
}

// Me fetches the current user profile for the given access token.
func (s *SessionService) Me(ctx context.Context, tc trace.Context, accessToken string) (*authapi.Response, error) {
	return s.auth.Me(ctx, tc, accessToken)
}

// requireTokens enforces the token contract on 2xx session responses.
func requireTokens(resp *authapi.Response) error {
	if resp.OK() && resp.Tokens.AccessToken == "" {
		return fmt.Errorf("auth upstream returned %d without an access token", resp.Status)
	}
	return nil
}
