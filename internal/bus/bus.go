package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channel is the single Redis pub/sub channel carrying all invalidation
// events. Consumers filter by Kind.
const channel = "cache:invalidation"

// Handler consumes one validated invalidation event. Handlers run on the
// subscriber's receive goroutine and must be fast and idempotent.
type Handler func(Event)

// Bus publishes and subscribes to invalidation events on the shared Redis
// instance.
type Bus struct {
	client *redis.Client
	log    *zap.Logger
}

// New returns a Bus using the provided Redis client.
func New(client *redis.Client, log *zap.Logger) *Bus {
	return &Bus{client: client, log: log}
}

// Publish sends an event to all subscribed processes. Publish failures are
// logged and swallowed: the database remains the source of truth and every
// cache entry carries a TTL safety net, so a lost event degrades freshness
// but never correctness. Invalid events are a programming error and are
// reported.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.log.Warn("invalidation publish failed",
			zap.String("event", e.String()),
			zap.Error(err),
		)
	}
	return nil
}

// Subscribe registers handler for all invalidation events. It returns a
// cleanup function that stops the receive loop and closes the subscription.
// Malformed payloads are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) (func() error, error) {
	sub := b.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so callers
	// do not miss events published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := ParseEvent([]byte(msg.Payload))
				if err != nil {
					b.log.Warn("dropping invalid invalidation event",
						zap.String("payload", msg.Payload),
						zap.Error(err),
					)
					continue
				}
				handler(event)
			case <-ctx.Done():
				return
			}
		}
	}()

	cleanup := func() error {
		err := sub.Close()
		<-done
		return err
	}
	return cleanup, nil
}
