package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// DeliverStage hands the finished result off for delivery: a stream entry on
// the shared KV for push, and a PENDING_DELIVERY row in the relational store
// that only an explicit confirm-delivery call transitions to DELIVERED.
type DeliverStage struct {
	Stream  *kv.ResultStream
	Results repositories.JobResultRepository
}

func (DeliverStage) Name() string { return "delivery-handoff" }

func (s DeliverStage) Run(ctx context.Context, g *GenerationContext) error {
	result := &Result{
		JobID:     g.JobID,
		RequestID: g.Request.RequestID,
		Content:   g.Content,
		Reasoning: g.Reasoning,
		Model:     g.Resolved.Model,
		GuestMode: g.Auth.GuestMode,
		Duplicate: g.Duplicate,
		CreatedAt: time.Now().UTC(),
	}
	if g.Response != nil {
		result.Usage = g.Response.Usage
	}
	g.Result = result

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	// The durable row comes first: the stream is best-effort push, the row is
	// the source of truth for delivery state.
	err = s.Results.Create(ctx, &db.JobResult{
		JobID:   g.JobID,
		Payload: db.JSONText(db.SanitizeForJSONB(string(payload))),
		Status:  db.DeliveryPending,
	})
	if err != nil {
		return fmt.Errorf("persist job result: %w", err)
	}

	if err := s.Stream.Append(ctx, g.JobID, payload); err != nil {
		g.Log.Warn("result stream append failed, clients must poll", zap.Error(err))
	}
	return nil
}
