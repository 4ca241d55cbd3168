package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/labforge/gateway/internal/domain/identity"
	"github.com/labforge/gateway/internal/domain/trace"
	"github.com/labforge/gateway/internal/service"
)

// maxPeekBody bounds how much of a request body the gateway buffers while
// looking for a project identifier.
const maxPeekBody = 1 << 20 // 1MB

// roleResolver resolves the caller's role in a project.
// Satisfied by *service.RoleService.
type roleResolver interface {
	Resolve(ctx context.Context, tc trace.Context, accessToken, projectID string) service.Resolution
}

// RoleAnnotator derives the identity headers forwarded to the domain data
// upstream: X-User-Id from the access token subject, X-Project-Id from the
// request, and X-Project-Role from the project's membership list.
type RoleAnnotator struct {
	roles roleResolver

	// When the lookup was never attempted and the caller supplied no role
	// header, forward this permissive role. Off by default; exists for
	// legacy and local-testing callers.
	allowUnverified bool
	unverifiedRole  string
}

// NewRoleAnnotator creates a RoleAnnotator.
func NewRoleAnnotator(roles roleResolver, allowUnverified bool, unverifiedRole string) *RoleAnnotator {
	return &RoleAnnotator{
		roles:           roles,
		allowUnverified: allowUnverified,
		unverifiedRole:  unverifiedRole,
	}
}

// Annotate inspects the request and the forwarded credential and returns
// the identity headers to inject. clearRole means a membership lookup ran
// and found no role; the caller-supplied role header, if any, must be
// dropped so "not a member" never upgrades to a spoofed role. An empty
// role with clearRole false leaves any inbound role header untouched.
func (a *RoleAnnotator) Annotate(r *http.Request, authz string) (userID, projectID, role string, clearRole bool) {
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == authz {
		// Not a bearer credential; nothing to decode.
		token = ""
	}

	projectID = extractProjectID(r)

	if token == "" || projectID == "" {
		// Lookup never attempted. Identity alone is still useful downstream.
		if token != "" {
			if id, err := identity.Decode(token); err == nil {
				userID = id.UserID
			}
		}
		if r.Header.Get(projectRoleHeader) == "" && a.allowUnverified {
			role = a.unverifiedRole
		}
		return userID, projectID, role, false
	}

	tc := trace.FromContext(r.Context())
	res := a.roles.Resolve(r.Context(), tc, token, projectID)
	if !res.Evaluated {
		// Token not decodable; same fallback as an absent session.
		if r.Header.Get(projectRoleHeader) == "" && a.allowUnverified {
			role = a.unverifiedRole
		}
		return "", projectID, role, false
	}
	return res.UserID, projectID, res.Role, res.Role == ""
}

// extractProjectID finds the project identifier the request operates on.
// A project_id field in a JSON body takes precedence over the project_id
// query parameter. The body is buffered and restored so the proxy still
// forwards it intact.
func extractProjectID(r *http.Request) string {
	if id := projectIDFromBody(r); id != "" {
		return id
	}
	return r.URL.Query().Get("project_id")
}

func projectIDFromBody(r *http.Request) string {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return ""
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
	if err != nil {
		return ""
	}

	var payload struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return ""
	}
	return payload.ProjectID
}
