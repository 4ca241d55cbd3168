package httpgw

import (
	"encoding/json"
	"net/http"
)

// writeJSONError writes a JSON error response with the given status.
// Every gateway-generated rejection uses this shape so the SPA can handle
// all failure modes uniformly. Reason is optional detail.
func writeJSONError(w http.ResponseWriter, status int, errorType, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]any{
		"error": errorType,
	}
	if reason != "" {
		resp["reason"] = reason
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON success response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
