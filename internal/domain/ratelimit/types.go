// Package ratelimit provides the gateway's request admission check.
//
// The gateway performs a single allow/deny admission per inbound request,
// keyed per client IP and per authenticated subject. Health checks are
// exempt. The limiter is a replaceable building block behind the Limiter
// interface; the in-memory implementation uses GCRA.
package ratelimit

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Config defines the parameters of one rate limit.
type Config struct {
	// Rate is the number of allowed requests per Period.
	Rate int
	// Burst is the number of requests that may arrive at once.
	// Defaults to Rate when zero.
	Burst int
	// Period is the time window for the limit.
	Period time.Duration
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	// Remaining is the number of requests left in the current window.
	Remaining int
	// RetryAfter is how long until the next request would be admitted.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
	// ResetAfter is how long until the limit fully resets.
	ResetAfter time.Duration
}

// Limiter admits or rejects a request identified by key.
type Limiter interface {
	Allow(ctx context.Context, key string, cfg Config) (Result, error)
}

// IPKey returns the admission key for an unauthenticated client address.
func IPKey(ip string) string {
	return "ip:" + ip
}

// SubjectKey returns the admission key for an authenticated caller. The
// bearer credential is hashed so raw token material never sits in the
// limiter's key map or appears in debug output.
func SubjectKey(credential string) string {
	h := xxhash.Sum64String(credential)
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(h >> (56 - 8*i))
	}
	return "user:" + hex.EncodeToString(b[:])
}
