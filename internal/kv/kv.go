// Package kv wraps the shared Redis instance used by all tiers: request
// deduplication, per-user rate limiting, idempotency locks, stop-sequence
// telemetry, and the push-delivery stream. One client is created per process
// and shared by every component.
package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// New parses the Redis URL and returns a connected client. The connection is
// verified with a PING so misconfiguration fails at startup rather than on
// the first request.
func New(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping: %w", err)
	}
	return client, nil
}
