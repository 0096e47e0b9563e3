package kv

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// stopSeqKey is the hash aggregating inferred stop-sequence activations
// across all worker processes, field = model id.
const stopSeqKey = "telemetry:stop-sequences"

// StopSequenceTelemetry aggregates inferred stop-sequence activations in a
// Redis hash. Recording is fire-and-forget: a telemetry failure must never
// fail a generation, so errors are logged and swallowed.
type StopSequenceTelemetry struct {
	client *redis.Client
	log    *zap.Logger
}

// NewStopSequenceTelemetry returns a StopSequenceTelemetry using the provided
// client and logger.
func NewStopSequenceTelemetry(client *redis.Client, log *zap.Logger) *StopSequenceTelemetry {
	return &StopSequenceTelemetry{client: client, log: log}
}

// Record increments the activation counter for model. Issued through a
// pipeline so multiple telemetry writes from one generation share a round
// trip; pipeline errors are isolated here and do not propagate.
func (t *StopSequenceTelemetry) Record(ctx context.Context, model string) {
	pipe := t.client.Pipeline()
	pipe.HIncrBy(ctx, stopSeqKey, model, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("stop-sequence telemetry write failed", zap.Error(err))
	}
}

// Totals returns the per-model activation counts.
func (t *StopSequenceTelemetry) Totals(ctx context.Context) (map[string]int64, error) {
	raw, err := t.client.HGetAll(ctx, stopSeqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: stop-sequence totals: %w", err)
	}

	totals := make(map[string]int64, len(raw))
	for model, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		totals[model] = n
	}
	return totals, nil
}
