package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL is how long a per-message processing lock is held after a
// successful run. Failed runs release the lock explicitly to re-enable
// retries immediately.
const DefaultLockTTL = 5 * time.Minute

// MessageLocks implements the per-message idempotency lock: at most one
// worker processes a given platform message at a time.
type MessageLocks struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMessageLocks returns a MessageLocks with the given TTL; ttl <= 0 uses
// DefaultLockTTL.
func NewMessageLocks(client *redis.Client, ttl time.Duration) *MessageLocks {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &MessageLocks{client: client, ttl: ttl}
}

// Acquire attempts to take the processing lock for messageID. It returns true
// when this caller now owns the lock. Callers that fail processing MUST call
// Release so a retry can re-acquire; callers that succeed leave the lock to
// expire with its TTL.
func (l *MessageLocks) Acquire(ctx context.Context, messageID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, "msglock:"+messageID, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: acquire message lock: %w", err)
	}
	return ok, nil
}

// Release drops the processing lock for messageID. Releasing a lock that is
// not held is a no-op.
func (l *MessageLocks) Release(ctx context.Context, messageID string) error {
	if err := l.client.Del(ctx, "msglock:"+messageID).Err(); err != nil {
		return fmt.Errorf("kv: release message lock: %w", err)
	}
	return nil
}
