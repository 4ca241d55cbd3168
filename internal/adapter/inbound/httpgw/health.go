package httpgw

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labforge/gateway/internal/domain/ratelimit"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "ok" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker reports gateway liveness. The gateway holds no state beyond
// the rate limiter, so the check is shallow: upstream health is the
// upstreams' own concern and a dead upstream shows up as 502s, not as a
// failing gateway.
type HealthChecker struct {
	rateLimiter *ratelimit.MemoryLimiter
	version     string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(rateLimiter *ratelimit.MemoryLimiter, version string) *HealthChecker {
	return &HealthChecker{rateLimiter: rateLimiter, version: version}
}

// Check performs the health checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)

	if h.rateLimiter != nil {
		// Size() acquires the limiter lock - if this hangs, we have a problem
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  "ok",
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	})
}
