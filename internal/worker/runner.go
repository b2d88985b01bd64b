package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskKind names a class of background task; a user has at most one task of
// each kind in flight.
type TaskKind string

const (
	TaskBatch  TaskKind = "batch"
	TaskCommit TaskKind = "commit"
	TaskGRN    TaskKind = "grn"
)

type taskKey struct {
	user string
	kind TaskKind
}

type taskHandle struct {
	cancel context.CancelFunc
}

// TaskRunner starts detached background tasks outside the inbound path.
type TaskRunner struct {
	mu       sync.Mutex
	base     context.Context
	stop     context.CancelFunc
	inflight map[taskKey]*taskHandle
	wg       sync.WaitGroup
}

func NewTaskRunner() *TaskRunner {
	base, stop := context.WithCancel(context.Background())
	return &TaskRunner{
		base:     base,
		stop:     stop,
		inflight: make(map[taskKey]*taskHandle),
	}
}

// Start runs fn in its own goroutine with timeout. It returns false, without
// running fn, when a task of the same kind is already in flight for user.
func (r *TaskRunner) Start(user string, kind TaskKind, timeout time.Duration, fn func(ctx context.Context)) bool {
	key := taskKey{user: user, kind: kind}

	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	if timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, timeout)
	}
	handle := &taskHandle{cancel: cancel}
	r.inflight[key] = handle
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.release(key, handle)
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("kind", string(kind)).
					Bytes("stack", debug.Stack()).
					Msg("background task panicked")
			}
		}()
		fn(ctx)
	}()
	return true
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

// release clears the in-flight flag unless a cancel already replaced it.
func (r *TaskRunner) release(key taskKey, handle *taskHandle) {
	r.mu.Lock()
	if r.inflight[key] == handle {
		delete(r.inflight, key)
	}
	r.mu.Unlock()
	handle.cancel()
}

// Running reports whether user has a task of kind in flight.
func (r *TaskRunner) Running(user string, kind TaskKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[taskKey{user: user, kind: kind}]
	return ok
}

// CancelUser cancels every task of user. Cancelled tasks stop counting as in
// flight right away; whatever they still write back is rejected as stale.
func (r *TaskRunner) CancelUser(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, handle := range r.inflight {
		if key.user != user {
			continue
		}
		handle.cancel()
		delete(r.inflight, key)
		n++
	}
	return n
}

// Wait blocks until running tasks finish. When ctx ends first the remaining
// tasks are cancelled.
func (r *TaskRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.stop()
		return ctx.Err()
	}
}
