package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow counts a hit in the current window and starts the window's
// expiry on the first hit.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter allows limit requests per key per window, counted in Redis so
// every API instance sharing it sees the same totals.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "maintask:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: int64(max(limit, 1)), window: window}
}

// Allow counts the request against key's current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := incrWindow.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return n <= l.limit, nil
}

func (l *RedisLimiter) Close() error { return l.client.Close() }
