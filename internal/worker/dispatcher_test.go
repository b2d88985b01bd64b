package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, workers int) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{MinWorkers: workers, MaxWorkers: workers, QueueSize: 64})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDispatcherJobOrder(t *testing.T) {
	d := newTestDispatcher(t, 4)

	var (
		mu      sync.Mutex
		order   []string
		running int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		label := fmt.Sprintf("job-%d", i)
		wg.Add(1)
		require.NoError(t, d.Submit(Job{Key: "user-a", Name: label, Run: func(ctx context.Context) {
			defer wg.Done()
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		}}))
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap), "jobs of one user overlapped")
	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprintf("job-%d", i)
	}
	assert.Equal(t, want, order)
}

func TestDispatcherOtherUsersNotBlocked(t *testing.T) {
	d := newTestDispatcher(t, 2)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Submit(Job{Key: "slow", Run: func(ctx context.Context) {
		close(started)
		<-release
	}}))
	<-started

	done := make(chan struct{})
	require.NoError(t, d.Submit(Job{Key: "fast", Run: func(ctx context.Context) {
		close(done)
	}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job of another user was blocked by a slow user")
	}
	close(release)
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	d := newTestDispatcher(t, 1)

	require.NoError(t, d.Submit(Job{Key: "u", Name: "boom", Run: func(ctx context.Context) {
		panic("boom")
	}}))
	done := make(chan struct{})
	require.NoError(t, d.Submit(Job{Key: "u", Name: "after", Run: func(ctx context.Context) {
		close(done)
	}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("queue stalled after a panicking job")
	}
}

func TestDispatcherRejectsWhenFullOrStopped(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Submit(Job{Key: "a", Run: func(ctx context.Context) {
		close(started)
		<-block
	}}))
	<-started

	// The single worker is busy; fill the intake until it refuses.
	var busy error
	for i := 0; i < 100 && busy == nil; i++ {
		busy = d.Submit(Job{Key: fmt.Sprintf("b-%d", i), Run: func(ctx context.Context) { <-block }})
	}
	assert.ErrorIs(t, busy, ErrDispatcherBusy)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.ErrorIs(t, d.Submit(Job{Key: "late"}), ErrDispatcherStopped)
}

func TestDispatcherSubmitIsAllOrNothing(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2})

	var ran int32
	job := func(key string) Job {
		return Job{Key: key, Run: func(ctx context.Context) { atomic.AddInt32(&ran, 1) }}
	}
	assert.ErrorIs(t, d.Submit(job("u"), job("u"), job("u")), ErrDispatcherBusy)
	require.NoError(t, d.Submit(job("u"), job("v")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.len())
}
