package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

func TestWorkerPool_ProcessesAllJobsThenStops(t *testing.T) {
	q := NewMemoryQueue(testLogger())
	ctx := context.Background()
	for range 10 {
		require.NoError(t, q.Enqueue(ctx, models.Job{ArchiveID: "a", Attempt: 1}))
	}
	require.NoError(t, q.Close())

	var handled atomic.Int32
	pool := NewWorkerPool(q, func(context.Context, models.Job) error {
		handled.Add(1)
		return nil
	}, 3, testLogger())

	require.NoError(t, pool.Run(ctx))
	assert.EqualValues(t, 10, handled.Load())
	assert.Zero(t, q.Len())
}

func TestWorkerPool_WaitsForNotBefore(t *testing.T) {
	q := NewMemoryQueue(testLogger())
	delay := 100 * time.Millisecond
	enqueued := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), models.Job{ArchiveID: "delayed", NotBefore: enqueued.Add(delay)}))
	require.NoError(t, q.Close())

	var startedAt time.Time
	pool := NewWorkerPool(q, func(context.Context, models.Job) error {
		startedAt = time.Now()
		return nil
	}, 1, testLogger())

	require.NoError(t, pool.Run(context.Background()))
	assert.GreaterOrEqual(t, startedAt.Sub(enqueued), delay)
}

func TestWorkerPool_HandlerErrorDropsJob(t *testing.T) {
	q := NewMemoryQueue(testLogger())
	require.NoError(t, q.Enqueue(context.Background(), models.Job{ArchiveID: "broken"}))
	require.NoError(t, q.Close())

	var calls atomic.Int32
	pool := NewWorkerPool(q, func(context.Context, models.Job) error {
		calls.Add(1)
		return errors.New("store unavailable")
	}, 1, testLogger())

	require.NoError(t, pool.Run(context.Background()))
	assert.EqualValues(t, 1, calls.Load(), "a failed job is not redelivered")
}

func TestWorkerPool_CancellationRequeuesInFlightJob(t *testing.T) {
	q := NewMemoryQueue(testLogger())
	require.NoError(t, q.Enqueue(context.Background(), models.Job{ArchiveID: "in-flight"}))

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	pool := NewWorkerPool(q, func(ctx context.Context, _ models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = pool.Run(ctx)
	}()

	<-started
	cancel()
	wg.Wait()

	require.NoError(t, runErr)
	assert.Equal(t, 1, q.Len(), "interrupted job goes back on the queue")
}

func TestWorkerPool_CancellationDuringDelayRequeues(t *testing.T) {
	q := NewMemoryQueue(testLogger())
	require.NoError(t, q.Enqueue(context.Background(), models.Job{ArchiveID: "waiting", NotBefore: time.Now().Add(time.Hour)}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	pool := NewWorkerPool(q, func(context.Context, models.Job) error {
		t.Error("handler must not run before NotBefore")
		return nil
	}, 1, testLogger())

	require.NoError(t, pool.Run(ctx))
	assert.Equal(t, 1, q.Len())
}
