package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript increments the window counter and attaches the TTL in the
// same atomic step. Without the script, a crash between INCR and EXPIRE would
// leave a counter with no expiry that rate-limits the user forever. The
// script returns {count, ttl_seconds}.
var rateLimitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
if ttl < 0 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimiter implements fixed-window per-user rate limiting on the shared
// Redis instance. Separate surfaces use separate key prefixes so that, for
// example, credential writes and generation requests have independent
// buckets.
type RateLimiter struct {
	client *redis.Client
}

// NewRateLimiter returns a RateLimiter using the provided Redis client.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow records one request against the (surface, subject) bucket and reports
// whether it is within limit. When the bucket is exhausted, retryAfter holds
// the remaining window.
func (rl *RateLimiter) Allow(ctx context.Context, surface, subject string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("ratelimit:%s:%s", surface, subject)
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	res, err := rateLimitScript.Run(ctx, rl.client, []string{key}, seconds).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("kv: rate limit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("kv: rate limit: unexpected script reply %v", res)
	}

	count, ttl := res[0], res[1]
	if count > int64(limit) {
		return false, time.Duration(ttl) * time.Second, nil
	}
	return true, 0, nil
}
