// Package ratelimit limits request rates per key.
//
// The server uses it for task creation (per principal) and token issuance
// (per client IP). MemoryLimiter is the only implementation; state is
// per process.
package ratelimit

import (
	"context"
	"time"
)

// Result describes one Allow decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records one request for key. An error signals a limiter
	// malfunction; callers fail open.
	Allow(ctx context.Context, key string) (Result, error)

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always allows.
func (NoopLimiter) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
