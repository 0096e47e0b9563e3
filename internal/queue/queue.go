package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key layout. Job records are JSON strings; pending/processing are per-type
// lists so types never contend; delayed is one zset scored by ready-time.
const (
	jobKeyPrefix     = "jobs:record:"
	pendingPrefix    = "jobs:pending:"
	processingPrefix = "jobs:processing:"
	delayedKey       = "jobs:delayed"
	deadKey          = "jobs:dead"
	depsPrefix       = "jobs:deps:"
	childrenPrefix   = "jobs:children:"
	eventsChannel    = "jobs:events"
	cancelChannel    = "jobs:cancel"
)

// retention keeps terminal job records queryable for late GET /ai/job polls.
const retention = 24 * time.Hour

// Event is the completion notification published for every terminal
// transition.
type Event struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Queue is the Redis-backed durable job queue shared by ingress and workers.
type Queue struct {
	rdb      *redis.Client
	log      *zap.Logger
	policies map[string]Policy
}

func New(rdb *redis.Client, log *zap.Logger) *Queue {
	return &Queue{
		rdb:      rdb,
		log:      log,
		policies: make(map[string]Policy),
	}
}

// SetPolicy registers the retry policy for a job type. Types without a policy
// use DefaultPolicy.
func (q *Queue) SetPolicy(jobType string, p Policy) {
	q.policies[jobType] = p
}

func (q *Queue) policy(jobType string) Policy {
	if p, ok := q.policies[jobType]; ok {
		return p
	}
	return DefaultPolicy
}

// Enqueue creates a job and dispatches it. With Options.JobID set the call is
// idempotent: if a job with that id already exists, the existing job is
// returned and no new queue entry is created.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts Options) (*Job, error) {
	id := opts.JobID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("queue: job id: %w", err)
		}
		id = v7.String()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy(jobType).MaxAttempts
	}

	job := &Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		State:       StateQueued,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job: %w", err)
	}
	created, err := q.rdb.SetNX(ctx, jobKeyPrefix+id, raw, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: store job: %w", err)
	}
	if !created {
		return q.Get(ctx, id)
	}

	pending, err := q.registerDependencies(ctx, job, opts.DependsOn)
	if err != nil {
		return nil, err
	}
	if pending {
		return job, nil
	}

	if opts.Delay > 0 {
		if err := q.delayJob(ctx, job, opts.Delay); err != nil {
			return nil, err
		}
		return job, nil
	}

	if err := q.push(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// depsReleaseScript removes one parent from a job's dependency set and
// returns the remaining count, or -1 when the parent was already removed.
// SREM and SCARD run atomically so exactly one caller observes the set
// becoming empty and owns the dispatch.
var depsReleaseScript = redis.NewScript(`
if redis.call("SREM", KEYS[1], ARGV[1]) == 0 then
	return -1
end
return redis.call("SCARD", KEYS[1])`)

// registerDependencies records unfinished parents and reports whether Enqueue
// must leave the job alone: it is waiting, already dispatched by a racing
// releaseDependents, or failed. Completed parents are ignored; a failed
// parent fails the job immediately.
func (q *Queue) registerDependencies(ctx context.Context, job *Job, parents []string) (bool, error) {
	unfinished := make([]string, 0, len(parents))
	for _, parentID := range parents {
		parent, err := q.Get(ctx, parentID)
		if errors.Is(err, ErrJobNotFound) {
			return true, q.fail(ctx, job, fmt.Sprintf("dependency %s does not exist", parentID))
		}
		if err != nil {
			return false, err
		}
		switch parent.State {
		case StateCompleted:
			continue
		case StateFailed:
			return true, q.fail(ctx, job, fmt.Sprintf("dependency %s failed", parentID))
		}
		unfinished = append(unfinished, parentID)
	}
	if len(unfinished) == 0 {
		return false, nil
	}

	// All edges land in one transaction so a concurrent releaseDependents
	// sees either none of them or the full set.
	pipe := q.rdb.TxPipeline()
	for _, parentID := range unfinished {
		pipe.SAdd(ctx, depsPrefix+job.ID, parentID)
		pipe.SAdd(ctx, childrenPrefix+parentID, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: register dependency: %w", err)
	}

	return q.settleFinishedParents(ctx, job, unfinished)
}

// settleFinishedParents closes the race between the registration state check
// and the SAdd: a parent finishing in that window has already run
// releaseDependents against a children set that missed this job, so the job
// would wait forever. Each parent is re-read and, if it reached a terminal
// state, its edge is discharged here. depsReleaseScript arbitrates with a
// concurrent releaseDependents so every edge is discharged exactly once.
func (q *Queue) settleFinishedParents(ctx context.Context, job *Job, parents []string) (bool, error) {
	for _, parentID := range parents {
		parent, err := q.Get(ctx, parentID)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return false, err
		}
		if err == nil && parent.State != StateCompleted && parent.State != StateFailed {
			continue
		}

		// A vanished record means the parent finished long enough ago for
		// retention to expire it; treat it like a completed parent.
		left, rerr := depsReleaseScript.Run(ctx, q.rdb, []string{depsPrefix + job.ID}, parentID).Int()
		if rerr != nil {
			return false, fmt.Errorf("queue: release dependency: %w", rerr)
		}
		_ = q.rdb.SRem(ctx, childrenPrefix+parentID, job.ID).Err()
		if left == -1 {
			// releaseDependents claimed the edge and dispatches or fails
			// the job itself.
			continue
		}
		if err == nil && parent.State == StateFailed {
			return true, q.fail(ctx, job, fmt.Sprintf("dependency %s failed", parentID))
		}
		if left == 0 {
			// Every edge discharged here; Enqueue dispatches the job.
			return false, nil
		}
	}
	return true, nil
}

// push makes the job visible to consumers. Consumers pop from the tail, so
// normal jobs LPUSH (FIFO) and priority jobs RPUSH (next pickup).
func (q *Queue) push(ctx context.Context, job *Job) error {
	job.State = StateQueued
	if err := q.store(ctx, job, 0); err != nil {
		return err
	}
	key := pendingPrefix + job.Type
	var err error
	if job.Priority {
		err = q.rdb.RPush(ctx, key, job.ID).Err()
	} else {
		err = q.rdb.LPush(ctx, key, job.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("queue: push job: %w", err)
	}
	return nil
}

func (q *Queue) delayJob(ctx context.Context, job *Job, delay time.Duration) error {
	job.State = StateDelayed
	if err := q.store(ctx, job, 0); err != nil {
		return err
	}
	err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: defer job: %w", err)
	}
	return nil
}

// Get returns the job record for id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("queue: corrupt job record %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) store(ctx context.Context, job *Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.rdb.Set(ctx, jobKeyPrefix+job.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("queue: store job: %w", err)
	}
	return nil
}

// complete records a successful result, notifies waiters and releases
// dependents.
func (q *Queue) complete(ctx context.Context, job *Job, result json.RawMessage) error {
	now := time.Now().UTC()
	job.State = StateCompleted
	job.Result = result
	job.Error = ""
	job.FinishedAt = &now
	if err := q.store(ctx, job, retention); err != nil {
		return err
	}
	q.publishEvent(ctx, Event{JobID: job.ID, State: StateCompleted})
	return q.releaseDependents(ctx, job.ID, true)
}

// fail records a terminal failure, dead-letters the job, notifies waiters and
// cascades the failure to dependents.
func (q *Queue) fail(ctx context.Context, job *Job, cause string) error {
	now := time.Now().UTC()
	job.State = StateFailed
	job.Error = cause
	job.FinishedAt = &now
	if err := q.store(ctx, job, retention); err != nil {
		return err
	}
	raw, _ := json.Marshal(job)
	if err := q.rdb.RPush(ctx, deadKey, raw).Err(); err != nil {
		q.log.Error("dead-letter append failed", zap.String("jobId", job.ID), zap.Error(err))
	}
	q.publishEvent(ctx, Event{JobID: job.ID, State: StateFailed, Error: cause})
	return q.releaseDependents(ctx, job.ID, false)
}

// retry schedules the next attempt with exponential backoff: policy.Backoff
// doubled per prior attempt.
func (q *Queue) retry(ctx context.Context, job *Job, cause string) error {
	backoff := q.policy(job.Type).Backoff << (job.Attempts - 1)
	job.Error = cause
	q.log.Warn("job attempt failed, retrying",
		zap.String("jobId", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", backoff),
		zap.String("cause", cause))
	return q.delayJob(ctx, job, backoff)
}

func (q *Queue) releaseDependents(ctx context.Context, parentID string, ok bool) error {
	children, err := q.rdb.SMembers(ctx, childrenPrefix+parentID).Result()
	if err != nil {
		return fmt.Errorf("queue: list dependents: %w", err)
	}
	if len(children) == 0 {
		return nil
	}
	_ = q.rdb.Del(ctx, childrenPrefix+parentID).Err()

	for _, childID := range children {
		child, err := q.Get(ctx, childID)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		left, err := depsReleaseScript.Run(ctx, q.rdb, []string{depsPrefix + childID}, parentID).Int()
		if err != nil {
			return fmt.Errorf("queue: release dependent: %w", err)
		}
		if left == -1 {
			// The registering side settled this edge already.
			continue
		}
		if !ok {
			if err := q.fail(ctx, child, fmt.Sprintf("dependency %s failed", parentID)); err != nil {
				return err
			}
			continue
		}
		if left == 0 {
			if err := q.push(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) publishEvent(ctx context.Context, e Event) {
	raw, _ := json.Marshal(e)
	if err := q.rdb.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		q.log.Error("completion event publish failed", zap.String("jobId", e.JobID), zap.Error(err))
	}
}

// WaitUntilFinished blocks until the job reaches a terminal state or timeout
// elapses. The subscription is established before the state check so a
// completion landing in between is not missed.
func (q *Queue) WaitUntilFinished(ctx context.Context, id string, timeout time.Duration) (*Job, error) {
	sub := q.rdb.Subscribe(ctx, eventsChannel)
	defer sub.Close() //nolint:errcheck
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("queue: subscribe events: %w", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Finished() {
		return job, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrWaitTimeout
		case msg, open := <-ch:
			if !open {
				return nil, fmt.Errorf("queue: event subscription closed")
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil || e.JobID != id {
				continue
			}
			return q.Get(ctx, id)
		}
	}
}

// SubscribeEvents delivers every terminal transition to handler until the
// returned cleanup is called.
func (q *Queue) SubscribeEvents(ctx context.Context, handler func(Event)) (func() error, error) {
	sub := q.rdb.Subscribe(ctx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("queue: subscribe events: %w", err)
	}
	go func() {
		for msg := range sub.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				q.log.Warn("malformed completion event", zap.Error(err))
				continue
			}
			handler(e)
		}
	}()
	return sub.Close, nil
}

// OnFinished invokes cb once when the job completes or fails. The watch ends
// when ctx is canceled.
func (q *Queue) OnFinished(ctx context.Context, id string, cb func(*Job)) error {
	sub := q.rdb.Subscribe(ctx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("queue: subscribe events: %w", err)
	}
	go func() {
		defer sub.Close() //nolint:errcheck

		if job, err := q.Get(ctx, id); err == nil && job.Finished() {
			cb(job)
			return
		}
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil || e.JobID != id {
					continue
				}
				if job, err := q.Get(ctx, id); err == nil {
					cb(job)
				}
				return
			}
		}
	}()
	return nil
}

// Cancel removes a queued or delayed job and signals consumers to abort it if
// it is already active. Canceling a finished job is a no-op.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Finished() {
		return nil
	}

	// Remove from whichever structure holds it; the job may race into active
	// state, which the cancel broadcast below covers.
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, pendingPrefix+job.Type, 0, id)
	pipe.ZRem(ctx, delayedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: cancel job: %w", err)
	}
	if err := q.rdb.Publish(ctx, cancelChannel, id).Err(); err != nil {
		q.log.Error("cancel broadcast failed", zap.String("jobId", id), zap.Error(err))
	}
	return q.fail(ctx, job, "canceled")
}

// PromoteDelayed moves every delayed job whose ready-time has passed back to
// its pending list. Returns the number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue: promote delayed: %w", err)
		}
		if removed == 0 {
			// Another promoter won the race.
			continue
		}
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return promoted, err
		}
		if err := q.push(ctx, job); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RunPromoter promotes delayed jobs on the given interval until ctx is
// canceled. Worker processes run exactly one of these per process; promotion
// races between processes are resolved by the ZRem check.
func (q *Queue) RunPromoter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.log.Error("delayed promotion failed", zap.Error(err))
			}
		}
	}
}

// DeadLetters returns up to limit dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Job, error) {
	raws, err := q.rdb.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}
	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
