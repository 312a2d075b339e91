package crawler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsQueuedJobsBeforeShutdown(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 2, 8)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}))
	}
	assert.True(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(8), ran.Load())

	err = pool.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
	// a second shutdown is a no-op
	assert.True(t, pool.Shutdown(time.Second))
}

func TestWorkerPoolShutdownTimeoutCancelsJobs(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 1, 1)
	require.NoError(t, err)

	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	assert.False(t, pool.Shutdown(20*time.Millisecond))
	select {
	case <-cancelled:
	default:
		t.Fatal("job context was not cancelled")
	}
}

func TestWorkerPoolRejectsInvalidSizes(t *testing.T) {
	_, err := NewWorkerPool(context.Background(), 0, 1)
	assert.Error(t, err)
	_, err = NewWorkerPool(context.Background(), 1, 0)
	assert.Error(t, err)
}
