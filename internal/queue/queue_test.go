package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, zap.NewNop())
}

// startConsumer runs a consumer until the test ends.
func startConsumer(t *testing.T, q *Queue, register func(*Consumer)) {
	t.Helper()
	c := NewConsumer(q, zap.NewNop())
	c.PromoteInterval = 10 * time.Millisecond
	register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEnqueueIdempotentJobID(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{"n":1}`), Options{JobID: "job-1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{"n":2}`), Options{JobID: "job-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"n":1}`, string(second.Payload))

	n, err := q.rdb.LLen(ctx, pendingPrefix+TypeGeneration).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestConsumeCompletesJob(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	startConsumer(t, q, func(c *Consumer) {
		c.Consume(TypeGeneration, 2, func(_ context.Context, job *Job) (json.RawMessage, error) {
			return json.RawMessage(`{"reply":"hi"}`), nil
		})
	})

	job, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)

	done, err := q.WaitUntilFinished(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.JSONEq(t, `{"reply":"hi"}`, string(done.Result))
	assert.Equal(t, 1, done.Attempts)
}

func TestRetryThenSucceed(t *testing.T) {
	q := testQueue(t)
	q.SetPolicy(TypeTranscription, Policy{MaxAttempts: 3, Backoff: time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	startConsumer(t, q, func(c *Consumer) {
		c.Consume(TypeTranscription, 1, func(_ context.Context, job *Job) (json.RawMessage, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("upstream flake")
			}
			return json.RawMessage(`{"text":"ok"}`), nil
		})
	})

	job, err := q.Enqueue(ctx, TypeTranscription, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)

	done, err := q.WaitUntilFinished(ctx, job.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 3, done.Attempts)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	q := testQueue(t)
	q.SetPolicy(TypeGeneration, Policy{MaxAttempts: 2, Backoff: time.Millisecond})
	ctx := context.Background()

	startConsumer(t, q, func(c *Consumer) {
		c.Consume(TypeGeneration, 1, func(_ context.Context, job *Job) (json.RawMessage, error) {
			return nil, errors.New("always broken")
		})
	})

	job, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)

	done, err := q.WaitUntilFinished(ctx, job.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, "always broken", done.Error)
	assert.Equal(t, 2, done.Attempts)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	startConsumer(t, q, func(c *Consumer) {
		c.Consume(TypeGeneration, 1, func(_ context.Context, job *Job) (json.RawMessage, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, Permanent(errors.New("content policy"))
		})
	})

	job, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)

	done, err := q.WaitUntilFinished(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, 1, done.Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestDependencyRunsAfterParent(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	startConsumer(t, q, func(c *Consumer) {
		c.Consume(TypeGeneration, 2, func(_ context.Context, job *Job) (json.RawMessage, error) {
			if string(job.Payload) == `"parent"` {
				<-release
			}
			mu.Lock()
			order = append(order, string(job.Payload))
			mu.Unlock()
			return json.RawMessage(`null`), nil
		})
	})

	parent, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"parent"`), Options{})
	require.NoError(t, err)
	child, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"child"`), Options{DependsOn: []string{parent.ID}})
	require.NoError(t, err)

	// Child must not run while the parent is held open.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	close(release)
	done, err := q.WaitUntilFinished(ctx, child.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"parent"`, `"child"`}, order)
}

func TestFailedDependencyFailsChild(t *testing.T) {
	q := testQueue(t)
	q.SetPolicy(TypeGeneration, Policy{MaxAttempts: 1, Backoff: time.Millisecond})
	ctx := context.Background()

	startConsumer(t, q, func(c *Consumer) {
		c.Consume(TypeGeneration, 1, func(_ context.Context, job *Job) (json.RawMessage, error) {
			return nil, errors.New("parent broke")
		})
	})

	parent, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)
	child, err := q.Enqueue(ctx, TypeImageDescription, json.RawMessage(`{}`), Options{DependsOn: []string{parent.ID}})
	require.NoError(t, err)

	done, err := q.WaitUntilFinished(ctx, child.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, done.State)
	assert.Contains(t, done.Error, parent.ID)
}

func TestDependencySettlesWhenParentFinishesDuringRegistration(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	parent, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"parent"`), Options{})
	require.NoError(t, err)

	child := &Job{ID: "child-1", Type: TypeGeneration, State: StateQueued, MaxAttempts: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, q.store(ctx, child, 0))

	// The parent finishes after the registration state check saw it running,
	// so releaseDependents fires against a children set that does not yet
	// hold the child.
	require.NoError(t, q.complete(ctx, parent, json.RawMessage(`null`)))

	// The registration's edges land afterwards.
	require.NoError(t, q.rdb.SAdd(ctx, depsPrefix+child.ID, parent.ID).Err())
	require.NoError(t, q.rdb.SAdd(ctx, childrenPrefix+parent.ID, child.ID).Err())

	waiting, err := q.settleFinishedParents(ctx, child, []string{parent.ID})
	require.NoError(t, err)
	assert.False(t, waiting, "child must be dispatched, not parked")

	left, err := q.rdb.SCard(ctx, depsPrefix+child.ID).Result()
	require.NoError(t, err)
	assert.Zero(t, left, "dependency edge must be discharged")
}

func TestDependencySettleFailsChildOnParentFailure(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	parent, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"parent"`), Options{})
	require.NoError(t, err)

	child := &Job{ID: "child-2", Type: TypeGeneration, State: StateQueued, MaxAttempts: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, q.store(ctx, child, 0))

	require.NoError(t, q.fail(ctx, parent, "parent broke"))
	require.NoError(t, q.rdb.SAdd(ctx, depsPrefix+child.ID, parent.ID).Err())
	require.NoError(t, q.rdb.SAdd(ctx, childrenPrefix+parent.ID, child.ID).Err())

	waiting, err := q.settleFinishedParents(ctx, child, []string{parent.ID})
	require.NoError(t, err)
	assert.True(t, waiting, "a failed child must not be dispatched")

	got, err := q.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, parent.ID)
}

func TestCancelQueuedJob(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "canceled", got.Error)

	n, err := q.rdb.LLen(ctx, pendingPrefix+TypeGeneration).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestPriorityJumpsQueue(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"a"`), Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"b"`), Options{})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`"c"`), Options{Priority: true})
	require.NoError(t, err)

	first, err := q.rdb.RPopLPush(ctx, pendingPrefix+TypeGeneration, processingPrefix+TypeGeneration).Result()
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, first)
}

func TestDelayedJobPromoted(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{Delay: 5 * time.Millisecond})
	require.NoError(t, err)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)

	time.Sleep(10 * time.Millisecond)
	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}

func TestWaitUntilFinishedTimeout(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, TypeGeneration, json.RawMessage(`{}`), Options{})
	require.NoError(t, err)

	_, err = q.WaitUntilFinished(ctx, job.ID, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}
