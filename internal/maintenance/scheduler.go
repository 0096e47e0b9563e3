// Package maintenance schedules the recurring housekeeping routines in the
// server process: stale attachment cleanup, pending-memory backfill,
// tombstone purge, and avatar resync. It wraps gocron; each routine runs in
// singleton mode so a slow pass is skipped rather than stacked.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/jobs"
)

// Routine intervals. Attachment cleanup runs often because staged files are
// the largest transient disk consumer; the rest tolerate coarse schedules.
const (
	attachmentInterval = 15 * time.Minute
	backfillInterval   = 5 * time.Minute
	tombstoneInterval  = 24 * time.Hour
	avatarInterval     = 6 * time.Hour

	// routineTimeout bounds one pass of any routine.
	routineTimeout = 2 * time.Minute
)

// routine is one scheduled housekeeping pass.
type routine struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// Scheduler drives the maintenance routines of the jobs package.
type Scheduler struct {
	cron gocron.Scheduler
	deps *jobs.Deps
	log  *zap.Logger
}

// New creates a configured Scheduler. Call Start to begin processing.
func New(deps *jobs.Deps, log *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: create scheduler: %w", err)
	}
	return &Scheduler{cron: s, deps: deps, log: log.Named("maintenance")}, nil
}

// Start registers every routine and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	routines := []routine{
		{"attachment-cleanup", attachmentInterval, s.deps.CleanupTempAttachments},
		{"tombstone-purge", tombstoneInterval, s.deps.PurgeTombstones},
		{"avatar-resync", avatarInterval, s.deps.ResyncAvatars},
	}
	// SQLite deployments have no vector store; skip the backfill there.
	if s.deps.Memories != nil {
		routines = append(routines, routine{"memory-backfill", backfillInterval, s.deps.BackfillPendingMemories})
	}

	for _, r := range routines {
		if err := s.addRoutine(r.name, r.interval, r.run); err != nil {
			return err
		}
	}

	s.log.Info("maintenance scheduler started", zap.Int("routines", len(routines)))
	s.cron.Start()
	return nil
}

// RunStartupResync performs the avatar reconciliation once at boot so a
// fresh volume does not serve dead avatar links until the first tick.
func (s *Scheduler) RunStartupResync(ctx context.Context) {
	if err := s.deps.ResyncAvatars(ctx); err != nil {
		s.log.Warn("startup avatar resync failed", zap.Error(err))
	}
}

// Stop shuts the scheduler down, waiting for running routines to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance: shutdown: %w", err)
	}
	s.log.Info("maintenance scheduler stopped")
	return nil
}

func (s *Scheduler) addRoutine(name string, interval time.Duration, run func(context.Context) error) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), routineTimeout)
			defer cancel()

			started := time.Now()
			if err := run(ctx); err != nil {
				s.log.Error("maintenance routine failed",
					zap.String("routine", name), zap.Error(err))
				return
			}
			s.log.Debug("maintenance routine done",
				zap.String("routine", name),
				zap.Duration("elapsed", time.Since(started)))
		}),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("maintenance: schedule %s: %w", name, err)
	}
	return nil
}
