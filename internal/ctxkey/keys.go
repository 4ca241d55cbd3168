// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with trace_id/request_id fields.
type LoggerKey struct{}

// TraceKey is the context key type for the per-request trace context.
type TraceKey struct{}

// ClientIPKey is the context key type for the client's real IP address.
type ClientIPKey struct{}
