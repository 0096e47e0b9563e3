package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// resultStream is the Redis stream carrying completed job results for push
// delivery to the chat-platform adapter.
const resultStream = "results:stream"

// resultStreamMaxLen bounds the stream; the relational job_results table is
// the durable copy, the stream exists only for prompt push delivery.
const resultStreamMaxLen = 10_000

// ResultStream appends completed job results to the shared delivery stream.
type ResultStream struct {
	client *redis.Client
}

// NewResultStream returns a ResultStream using the provided client.
func NewResultStream(client *redis.Client) *ResultStream {
	return &ResultStream{client: client}
}

// Append publishes a completed job result for push delivery.
func (s *ResultStream) Append(ctx context.Context, jobID string, payload []byte) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: resultStream,
		MaxLen: resultStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"jobId":       jobID,
			"payload":     string(payload),
			"completedAt": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("kv: append result stream: %w", err)
	}
	return nil
}
