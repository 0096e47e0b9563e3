// Package pipeline turns a validated generation job into a user-visible
// reply. A single mutable GenerationContext threads an ordered list of
// stages; each stage consumes what earlier stages produced and enriches the
// context. Stage failures either degrade locally (fallbacks) or surface as a
// classified error carried by the job.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "chimera",
	Subsystem: "pipeline",
	Name:      "stage_duration_seconds",
	Help:      "Wall time per generation pipeline stage.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
}, []string{"stage"})

// Stage is one step of the generation pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, g *GenerationContext) error
}

// Pipeline runs stages in order, recording per-stage durations. The first
// stage error aborts the run.
type Pipeline struct {
	stages []Stage
	log    *zap.Logger
}

func New(log *zap.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, log: log}
}

// Run executes the pipeline over g. The returned error wraps the failing
// stage's name for log correlation.
func (p *Pipeline) Run(ctx context.Context, g *GenerationContext) error {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := stage.Run(ctx, g)
		elapsed := time.Since(start)
		stageDuration.WithLabelValues(stage.Name()).Observe(elapsed.Seconds())

		if err != nil {
			g.Log.Error("pipeline stage failed",
				zap.String("stage", stage.Name()),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			return fmt.Errorf("pipeline: stage %s: %w", stage.Name(), err)
		}
		g.Log.Debug("pipeline stage done",
			zap.String("stage", stage.Name()),
			zap.Duration("elapsed", elapsed))
	}
	return nil
}
