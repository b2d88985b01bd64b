package worker

import (
	"context"
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

// workerPool keeps between min and max worker goroutines. Idle workers are
// reused most recently parked first, so the cold end of the stack is the one
// that ages past the idle timeout and gets reaped.
type workerPool struct {
	mu      sync.Mutex
	freed   *sync.Cond
	parked  []*Worker
	live    int
	min     int
	max     int
	lastID  int
	idleFor time.Duration
	closed  bool

	ctx  context.Context
	quit chan struct{}
}

func newWorkerPool(ctx context.Context, minWorkers, maxWorkers int, idle time.Duration) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers <= 0 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &workerPool{
		min:     minWorkers,
		max:     maxWorkers,
		idleFor: idle,
		ctx:     ctx,
		quit:    make(chan struct{}),
	}
	p.freed = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// warm starts min parked workers.
func (p *workerPool) warm() {
	for i := 0; i < p.min; i++ {
		p.mu.Lock()
		if p.live >= p.max {
			p.mu.Unlock()
			return
		}
		w := p.hireLocked()
		p.parkLocked(w)
		p.mu.Unlock()
		w.Start()
	}
}

func (p *workerPool) hireLocked() *Worker {
	p.lastID++
	p.live++
	return NewWorker(p.lastID, p)
}

func (p *workerPool) parkLocked(w *Worker) {
	w.parked = true
	w.idleSince = time.Now()
	p.parked = append(p.parked, w)
}

// acquire returns a worker ready for one job, blocking while all max workers
// are busy.
func (p *workerPool) acquire() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if n := len(p.parked); n > 0 {
			w := p.parked[n-1]
			p.parked = p.parked[:n-1]
			w.parked = false
			return w
		}
		if p.live < p.max {
			w := p.hireLocked()
			w.Start()
			return w
		}
		p.freed.Wait()
	}
}

// release parks w after a job. It reports false when w should exit instead.
func (p *workerPool) release(w *Worker) bool {
	p.mu.Lock()
	if p.closed {
		w.dismissed = true
	}
	if w.dismissed {
		p.mu.Unlock()
		return false
	}
	p.parkLocked(w)
	p.mu.Unlock()
	p.freed.Signal()
	return true
}

// exit records that w's goroutine has returned.
func (p *workerPool) exit(w *Worker) {
	p.mu.Lock()
	if !w.gone {
		w.gone = true
		p.live--
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.idleFor)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reap(time.Now())
		case <-p.quit:
			return
		}
	}
}

// reap dismisses workers parked for longer than the idle timeout while more
// than min are alive.
func (p *workerPool) reap(now time.Time) {
	p.mu.Lock()
	var dismissed []*Worker
	keep := p.parked[:0]
	for i, w := range p.parked {
		// the stack is ordered by park time, oldest first
		if p.live-len(dismissed) > p.min && now.Sub(w.idleSince) >= p.idleFor {
			w.dismissed = true
			w.parked = false
			dismissed = append(dismissed, w)
			continue
		}
		keep = append(keep, p.parked[i:]...)
		break
	}
	p.parked = keep
	p.mu.Unlock()

	for _, w := range dismissed {
		w.jobs <- stopJob()
	}
}

// close dismisses every parked worker; busy ones are dismissed on release.
func (p *workerPool) close() {
	close(p.quit)
	p.mu.Lock()
	p.closed = true
	parked := p.parked
	p.parked = nil
	for _, w := range parked {
		w.dismissed = true
		w.parked = false
	}
	p.mu.Unlock()
	for _, w := range parked {
		w.jobs <- stopJob()
	}
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
