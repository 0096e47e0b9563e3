package bus

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	// notifyChannel is the PostgreSQL NOTIFY channel that database triggers
	// write to on rows affecting cached state.
	notifyChannel = "cache_invalidation"

	bridgeInitialBackoff = 1 * time.Second
	bridgeMaxBackoff     = 60 * time.Second
	bridgeMaxAttempts    = 20
)

// Bridge forwards PostgreSQL NOTIFY payloads from the cache_invalidation
// channel onto the Redis invalidation bus. It lets out-of-band database
// writes (migrations, admin SQL, other services) invalidate caches without
// going through the application write paths.
type Bridge struct {
	dsn string
	bus *Bus
	log *zap.Logger
}

// NewBridge returns a Bridge that will connect to the database at dsn.
func NewBridge(dsn string, bus *Bus, log *zap.Logger) *Bridge {
	return &Bridge{dsn: dsn, bus: bus, log: log}
}

// reconnect tracks consecutive failed LISTEN sessions and the backoff
// between retries. A session that delivered at least one notification was
// healthy and resets the counter, so only an unbroken run of failures
// exhausts the budget.
type reconnect struct {
	attempts int
	backoff  time.Duration
}

func newReconnect() *reconnect {
	return &reconnect{backoff: bridgeInitialBackoff}
}

func (r *reconnect) reset() {
	r.attempts = 0
	r.backoff = bridgeInitialBackoff
}

// next records a failed session and returns the delay before the next
// attempt, or false when the retry budget is exhausted.
func (r *reconnect) next() (time.Duration, bool) {
	r.attempts++
	if r.attempts >= bridgeMaxAttempts {
		return 0, false
	}
	delay := r.backoff
	r.backoff *= 2
	if r.backoff > bridgeMaxBackoff {
		r.backoff = bridgeMaxBackoff
	}
	return delay, true
}

// Run connects, LISTENs, and forwards notifications until ctx is cancelled.
// Connection failures are retried with exponential backoff starting at 1s and
// doubling to a 60s ceiling; after 20 consecutive failed attempts the bridge
// gives up — caches then rely on their TTL safety net and the application
// publish paths.
func (br *Bridge) Run(ctx context.Context) {
	state := newReconnect()

	for {
		if ctx.Err() != nil {
			return
		}

		received, err := br.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			state.reset()
		}

		delay, retry := state.next()
		if !retry {
			br.log.Error("database notification bridge giving up",
				zap.Int("attempts", state.attempts),
				zap.Error(err),
			)
			return
		}

		br.log.Warn("database notification bridge disconnected",
			zap.Int("attempt", state.attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// listen holds one connection: LISTEN, then forward notifications until the
// connection drops or ctx is cancelled. The bool reports whether at least
// one notification arrived on this connection.
func (br *Bridge) listen(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, br.dsn)
	if err != nil {
		return false, err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return false, err
	}

	br.log.Info("database notification bridge connected",
		zap.String("channel", notifyChannel),
	)

	received := false
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return received, err
		}
		received = true

		event, err := ParseEvent([]byte(notification.Payload))
		if err != nil {
			br.log.Warn("dropping invalid database notification",
				zap.String("payload", notification.Payload),
				zap.Error(err),
			)
			continue
		}

		if err := br.bus.Publish(ctx, event); err != nil {
			br.log.Warn("failed to republish database notification",
				zap.String("event", event.String()),
				zap.Error(err),
			)
		}
	}
}
