package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/pipeline"
	"github.com/chimera-ai/chimera/internal/queue"
)

// Generation returns the handler for LLMGeneration jobs: acquire the
// per-message idempotency lock, run the pipeline, release the lock on
// failure so a retry can re-acquire it.
func (d *Deps) Generation() queue.Handler {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var req pipeline.Request
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, queue.Permanent(fmt.Errorf("malformed generation payload: %w", err))
		}

		log := d.Log.With(
			zap.String("jobId", job.ID),
			zap.String("requestId", req.RequestID))

		acquired, err := d.Locks.Acquire(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("message lock: %w", err)
		}
		if !acquired {
			// Another worker already owns this message; treat as success so
			// the job does not retry into a double reply.
			log.Info("message already being processed elsewhere")
			return json.RawMessage(`{"skipped":true}`), nil
		}

		g := &pipeline.GenerationContext{
			JobID:   job.ID,
			Request: &req,
			Log:     log,
		}
		if err := d.buildPipeline().Run(ctx, g); err != nil {
			// A failed run must not pin the lock for the full TTL.
			if relErr := d.Locks.Release(context.WithoutCancel(ctx), req.RequestID); relErr != nil {
				log.Warn("message lock release failed", zap.Error(relErr))
			}
			return nil, wrapClassified(err)
		}

		result, err := json.Marshal(g.Result)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("marshal generation result: %w", err))
		}
		return result, nil
	}
}

// wrapClassified marks permanently classified failures so the queue skips
// retries for them.
func wrapClassified(err error) error {
	var ce *llm.Error
	if errors.As(err, &ce) && ce.Permanent() {
		return queue.Permanent(err)
	}
	return err
}
