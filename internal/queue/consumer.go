package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one job payload and returns the result to persist on the
// job record. The context is canceled when the job is removed by its caller
// or when the consumer shuts down.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// fetchTimeout bounds each blocking pop so shutdown is observed promptly.
const fetchTimeout = 5 * time.Second

type registration struct {
	handler     Handler
	concurrency int
}

// Consumer runs the worker side of the queue: per-type goroutine pools doing
// blocking fetches, with a live-job registry for external cancellation.
type Consumer struct {
	queue *Queue
	log   *zap.Logger

	// PromoteInterval overrides the delayed-job promotion cadence. Zero means
	// one second.
	PromoteInterval time.Duration

	mu       sync.Mutex
	handlers map[string]registration
	active   map[string]context.CancelFunc
}

func NewConsumer(q *Queue, log *zap.Logger) *Consumer {
	return &Consumer{
		queue:    q,
		log:      log,
		handlers: make(map[string]registration),
		active:   make(map[string]context.CancelFunc),
	}
}

// Consume registers a handler for a job type with the given worker count.
// Must be called before Run.
func (c *Consumer) Consume(jobType string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = registration{handler: h, concurrency: concurrency}
}

// Run starts the worker pools, the delayed-job promoter and the cancel
// listener, then blocks until ctx is canceled and all in-flight jobs return.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	regs := make(map[string]registration, len(c.handlers))
	for t, r := range c.handlers {
		regs[t] = r
	}
	c.mu.Unlock()
	if len(regs) == 0 {
		return fmt.Errorf("queue: no handlers registered")
	}

	var wg sync.WaitGroup

	promoteEvery := c.PromoteInterval
	if promoteEvery <= 0 {
		promoteEvery = time.Second
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.queue.RunPromoter(ctx, promoteEvery)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.listenCancels(ctx)
	}()

	for jobType, reg := range regs {
		for i := 0; i < reg.concurrency; i++ {
			wg.Add(1)
			go func(jobType string, h Handler) {
				defer wg.Done()
				c.workLoop(ctx, jobType, h)
			}(jobType, reg.handler)
		}
	}

	wg.Wait()
	return nil
}

func (c *Consumer) workLoop(ctx context.Context, jobType string, h Handler) {
	pending := pendingPrefix + jobType
	processing := processingPrefix + jobType
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := c.queue.rdb.BRPopLPush(ctx, pending, processing, fetchTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("job fetch failed", zap.String("type", jobType), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		c.process(ctx, id, processing, h)
	}
}

func (c *Consumer) process(ctx context.Context, id, processingKey string, h Handler) {
	defer c.queue.rdb.LRem(context.WithoutCancel(ctx), processingKey, 1, id)

	job, err := c.queue.Get(ctx, id)
	if err != nil {
		c.log.Error("fetched job has no record", zap.String("jobId", id), zap.Error(err))
		return
	}
	if job.Finished() {
		// Canceled between push and pickup.
		return
	}

	job.State = StateActive
	job.Attempts++
	if err := c.queue.store(ctx, job, 0); err != nil {
		c.log.Error("job state update failed", zap.String("jobId", id), zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	c.track(id, cancel)
	result, handlerErr := h(jobCtx, job)
	c.untrack(id)
	cancel()

	// Terminal bookkeeping must survive worker shutdown.
	finishCtx := context.WithoutCancel(ctx)
	switch {
	case handlerErr == nil:
		if err := c.queue.complete(finishCtx, job, result); err != nil {
			c.log.Error("job completion failed", zap.String("jobId", id), zap.Error(err))
		}
	case errors.Is(handlerErr, context.Canceled) && jobCtx.Err() != nil && ctx.Err() == nil:
		// Canceled by the caller; Cancel already failed the record.
	case IsPermanent(handlerErr) || job.Attempts >= job.MaxAttempts:
		if err := c.queue.fail(finishCtx, job, handlerErr.Error()); err != nil {
			c.log.Error("job failure bookkeeping failed", zap.String("jobId", id), zap.Error(err))
		}
	default:
		if err := c.queue.retry(finishCtx, job, handlerErr.Error()); err != nil {
			c.log.Error("job retry scheduling failed", zap.String("jobId", id), zap.Error(err))
		}
	}
}

func (c *Consumer) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = cancel
}

func (c *Consumer) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// listenCancels aborts in-flight jobs named on the cancel channel. Ids for
// jobs this process is not running are ignored; some other consumer owns
// them.
func (c *Consumer) listenCancels(ctx context.Context) {
	sub := c.queue.rdb.Subscribe(ctx, cancelChannel)
	defer sub.Close() //nolint:errcheck
	if _, err := sub.Receive(ctx); err != nil {
		c.log.Error("cancel listener subscribe failed", zap.Error(err))
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
			c.mu.Lock()
			cancel, ok := c.active[msg.Payload]
			c.mu.Unlock()
			if ok {
				c.log.Info("aborting job on cancel signal", zap.String("jobId", msg.Payload))
				cancel()
			}
		}
	}
}
