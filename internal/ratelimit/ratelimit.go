// Package ratelimit limits mutating control API requests.
//
// A single API instance uses the in-memory token bucket (MemoryLimiter).
// Instances that share a Redis use RedisLimiter so the limit holds across
// the fleet.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Errors signal a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                { return nil }
