package service

import (
	"context"
	"log/slog"

	"github.com/labforge/gateway/internal/adapter/outbound/authapi"
	"github.com/labforge/gateway/internal/domain/identity"
	"github.com/labforge/gateway/internal/domain/trace"
)

// MembershipClient is the subset of the auth upstream client the role
// service depends on.
type MembershipClient interface {
	ProjectMembers(ctx context.Context, tc trace.Context, projectID, accessToken string) ([]authapi.Member, int, error)
}

// Resolution is the outcome of a project role lookup. Evaluated
// distinguishes "looked up and found no role" from "never looked up": the
// former must suppress any caller-supplied role, the latter may fall back
// to one. Role is empty when no membership entry matched.
type Resolution struct {
	UserID    string
	Role      string
	Evaluated bool
}

// RoleService resolves the caller's role within a project by matching the
// token subject against the project's membership list. Resolution is
// advisory: lookup failures degrade to "no role" with a warning and the
// request proceeds. The downstream service makes the final authorization
// decision.
type RoleService struct {
	auth   MembershipClient
	logger *slog.Logger
}

// NewRoleService creates a RoleService.
func NewRoleService(auth MembershipClient, logger *slog.Logger) *RoleService {
	return &RoleService{auth: auth, logger: logger}
}

// Resolve determines the caller's role in the given project. The access
// token's subject claim identifies the caller; the membership list of the
// project is the source of truth for the role. A token that cannot be
// decoded yields Evaluated=false (no identity, lookup never attempted).
func (s *RoleService) Resolve(ctx context.Context, tc trace.Context, accessToken, projectID string) Resolution {
	id, err := identity.Decode(accessToken)
	if err != nil {
		s.logger.Warn("project role resolution skipped: token not decodable",
			"trace_id", tc.TraceID,
			"project_id", projectID,
			"error", err,
		)
		return Resolution{}
	}

	members, status, err := s.auth.ProjectMembers(ctx, tc, projectID, accessToken)
	if err != nil {
		s.logger.Warn("project role resolution failed: membership lookup error",
			"trace_id", tc.TraceID,
			"project_id", projectID,
			"user_id", id.UserID,
			"error", err,
		)
		return Resolution{UserID: id.UserID, Evaluated: true}
	}
	if members == nil && (status < 200 || status >= 300) {
		s.logger.Warn("project role resolution failed: membership lookup rejected",
			"trace_id", tc.TraceID,
			"project_id", projectID,
			"user_id", id.UserID,
			"status", status,
		)
		return Resolution{UserID: id.UserID, Evaluated: true}
	}

	for _, m := range members {
		if m.UserID == id.UserID {
			return Resolution{UserID: id.UserID, Role: m.Role, Evaluated: true}
		}
	}

	s.logger.Warn("project role resolution: caller not in membership list",
		"trace_id", tc.TraceID,
		"project_id", projectID,
		"user_id", id.UserID,
	)
	return Resolution{UserID: id.UserID, Evaluated: true}
}
