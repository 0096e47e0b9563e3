// Package queue implements the durable typed job queue on Redis: per-type
// FIFO lists with blocking fetch, delayed retries with exponential backoff,
// job dependencies, dead-lettering, and waitable completion events.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Job states.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job types on the core path. Maintenance types are registered dynamically by
// the jobs package.
const (
	TypeGeneration       = "LLMGeneration"
	TypeTranscription    = "AudioTranscription"
	TypeImageDescription = "ImageDescription"
)

// Job is the queue-owned record for one unit of work. Payload and Result are
// raw JSON; the typed handlers own their shape.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       string          `json:"state"`
	Priority    bool            `json:"priority,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Options control enqueue behavior.
type Options struct {
	// JobID makes the enqueue idempotent: a second enqueue with the same id
	// returns the existing job without creating a new queue entry.
	JobID string
	// Priority jobs are picked up before older non-priority jobs of the same
	// type.
	Priority bool
	// Delay defers the first pickup.
	Delay time.Duration
	// DependsOn lists job ids that must complete before this job runs. A
	// failed dependency fails the dependent job.
	DependsOn []string
	// MaxAttempts overrides the per-type retry policy for this job.
	MaxAttempts int
}

// Policy is the per-type retry policy.
type Policy struct {
	MaxAttempts int
	// Backoff is the first retry delay; it doubles on each subsequent attempt.
	Backoff time.Duration
}

// DefaultPolicy applies to types with no registered policy.
var DefaultPolicy = Policy{MaxAttempts: 3, Backoff: 2 * time.Second}

// ErrJobNotFound is returned when a job id has no record, either because it
// never existed or its retention window elapsed.
var ErrJobNotFound = errors.New("queue: job not found")

// ErrWaitTimeout is returned by WaitUntilFinished when the job does not reach
// a terminal state within the caller's timeout.
var ErrWaitTimeout = errors.New("queue: wait timed out")

// permanentError marks a handler failure that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps a handler error so the consumer fails the job immediately
// instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
