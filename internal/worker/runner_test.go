package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunnerAtMostOnePerKind(t *testing.T) {
	r := NewTaskRunner()
	release := make(chan struct{})

	require.True(t, r.Start("u", TaskBatch, 0, func(ctx context.Context) { <-release }))
	assert.False(t, r.Start("u", TaskBatch, 0, func(ctx context.Context) {}))
	assert.True(t, r.Running("u", TaskBatch))

	// Different kind or user is independent.
	require.True(t, r.Start("u", TaskCommit, 0, func(ctx context.Context) {}))
	require.True(t, r.Start("v", TaskBatch, 0, func(ctx context.Context) {}))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	assert.False(t, r.Running("u", TaskBatch))
	assert.True(t, r.Start("u", TaskBatch, 0, func(ctx context.Context) {}))
}

func TestTaskRunnerTimeout(t *testing.T) {
	r := NewTaskRunner()
	errCh := make(chan error, 1)
	require.True(t, r.Start("u", TaskGRN, 20*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		errCh <- ctx.Err()
	}))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatalf("task did not time out")
	}
}

func TestTaskRunnerCancelUser(t *testing.T) {
	r := NewTaskRunner()
	var cancelled int32
	stopped := make(chan struct{})
	require.True(t, r.Start("u", TaskBatch, 0, func(ctx context.Context) {
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
		close(stopped)
	}))

	assert.Equal(t, 1, r.CancelUser("u"))
	// The slot frees immediately even though the old task is still unwinding.
	assert.False(t, r.Running("u", TaskBatch))

	<-stopped
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
}

func TestTaskRunnerRecoversPanics(t *testing.T) {
	r := NewTaskRunner()
	require.True(t, r.Start("u", TaskCommit, 0, func(ctx context.Context) { panic("boom") }))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	assert.False(t, r.Running("u", TaskCommit))
}
