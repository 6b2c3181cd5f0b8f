package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRoutesByType(t *testing.T) {
	q := NewQueue("test", QueueConfig{Workers: 2, RetryDelay: time.Millisecond})
	done := make(chan Job, 2)
	q.Handle("a", func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	q.Handle("b", func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "a", Payload: 1}))
	require.NoError(t, q.TryEnqueue(Job{Type: "b", Payload: 2}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case job := <-done:
			seen[job.Type] = true
			assert.NotEmpty(t, job.ID)
			assert.False(t, job.Enqueued.IsZero())
		case <-time.After(time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestQueueRetriesFailedJobs(t *testing.T) {
	q := NewQueue("retry", QueueConfig{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond})
	var attempts int32
	finished := make(chan struct{})
	q.Handle("flaky", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("boom")
		}
		close(finished)
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "flaky"}))
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueueRejectsUnroutedAndUnstarted(t *testing.T) {
	q := NewQueue("strict", QueueConfig{})
	q.Handle("known", func(context.Context, Job) error { return nil })

	require.Error(t, q.Enqueue(Job{Type: "known"}))

	q.Start(context.Background())
	defer q.Stop()
	err := q.Enqueue(Job{Type: "unknown"})
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestQueueTryEnqueueFull(t *testing.T) {
	q := NewQueue("full", QueueConfig{Workers: 1, BufferSize: 1})
	block := make(chan struct{})
	q.Handle("slow", func(ctx context.Context, job Job) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()
	defer close(block)

	require.NoError(t, q.Enqueue(Job{Type: "slow"}))
	// The worker may or may not have picked up the first job yet; fill until full.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = q.TryEnqueue(Job{Type: "slow"})
	}
	require.ErrorIs(t, err, ErrQueueFull)
}
