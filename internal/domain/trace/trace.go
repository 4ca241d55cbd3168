// Package trace implements the gateway's distributed trace propagation.
//
// Every inbound request is assigned a trace context: a trace_id that is
// stable across all hops of one logical browser-initiated request, and a
// request_id that is unique per network hop. The trace_id is taken from the
// inbound X-Trace-Id header when present (normalized to 32 hex digits) and
// generated otherwise. The request_id is never taken from the inbound
// request; the gateway mints a fresh one for its own log context and again
// for every outbound call it makes.
package trace

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/labforge/gateway/internal/ctxkey"
)

// Header names used for trace propagation across services.
const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"
)

// Context is the immutable per-request trace context. It is created once at
// the start of request handling and read-only thereafter.
type Context struct {
	TraceID   string
	RequestID string
}

// NewID generates a fresh 128-bit identifier in canonical 32-hex-digit form.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Normalize canonicalizes a trace identifier to 32 lowercase hex digits,
// stripping UUID hyphenation. The second return value is false when the
// input is not a well-formed identifier.
func Normalize(raw string) (string, bool) {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", ""))
	if len(s) != 32 {
		return "", false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return s, true
}

// FromInbound derives the trace context for an inbound request: the trace_id
// is the normalized inbound header value or a fresh identifier, and the
// request_id is always freshly generated.
func FromInbound(traceHeader string) Context {
	traceID, ok := Normalize(traceHeader)
	if !ok {
		traceID = NewID()
	}
	return Context{TraceID: traceID, RequestID: NewID()}
}

// NewHop returns a trace context for one outbound call: the same trace_id
// with a fresh request_id. Each upstream hop gets its own request_id.
func (c Context) NewHop() Context {
	return Context{TraceID: c.TraceID, RequestID: NewID()}
}

// WithContext stores the trace context in ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxkey.TraceKey{}, tc)
}

// FromContext retrieves the trace context from ctx. The zero Context is
// returned when none is stored (callers outside the middleware chain).
func FromContext(ctx context.Context) Context {
	if tc, ok := ctx.Value(ctxkey.TraceKey{}).(Context); ok {
		return tc
	}
	return Context{}
}

// LoggerFromContext retrieves the request-scoped logger enriched with
// trace_id and request_id. Returns slog.Default() if none is stored.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger stores the request-scoped logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxkey.LoggerKey{}, logger)
}
