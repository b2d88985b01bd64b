package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrDispatcherBusy is returned by Submit when the intake queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool // waiting in the ready list
	running  bool // a job of this user is on a worker
}

// Dispatcher runs jobs on an elastic worker pool. Jobs sharing a key are
// serialized in submission order; different keys run in parallel and are
// served round-robin so one busy user cannot starve the rest.
type Dispatcher struct {
	pool     *workerPool
	JobQueue chan Job // intake for outer jobs

	mu        sync.Mutex
	queues    map[string]*userQueue
	ready     *list.List // LRU queue of keys with a runnable job
	positions map[string]*list.Element

	intake   sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	wake     chan struct{}
	halt     chan struct{}
	cancel   context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := newWorkerPool(ctx, cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout)

	d := &Dispatcher{
		pool:      pool,
		JobQueue:  make(chan Job, cfg.QueueSize),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		halt:      make(chan struct{}),
		cancel:    cancel,
	}

	pool.warm()

	go d.run()
	return d
}

// Submit hands jobs to the dispatcher without blocking. Either every job is
// accepted or none is: when the intake cannot take them all it returns
// ErrDispatcherBusy and nothing is queued.
func (d *Dispatcher) Submit(jobs ...Job) error {
	d.intake.Lock()
	defer d.intake.Unlock()
	if d.closed {
		return ErrDispatcherStopped
	}
	// only the run loop drains the intake, so free space can only grow here
	if cap(d.JobQueue)-len(d.JobQueue) < len(jobs) {
		return ErrDispatcherBusy
	}
	d.inflight.Add(len(jobs))
	for _, job := range jobs {
		d.JobQueue <- job
	}
	return nil
}

func (d *Dispatcher) run() {
	for {
		if d.dispatchOne() {
			// keep intake flowing between dispatches
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.halt:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &userQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(job.Key, q)
}

// markReadyLocked puts key at the back of the LRU list when it can run.
func (d *Dispatcher) markReadyLocked(key string, q *userQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// dispatchOne hands the next job of the least recently served key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	d.ready.Remove(elem)
	delete(d.positions, key)
	q.enqueued = false

	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	d.mu.Unlock()

	job.done = func() { d.finish(key) }
	w := d.pool.acquire()
	log.Debug().Str("job", job.Name).Int("worker", w.id).Msg("dispatching job")
	w.jobs <- job
	return true
}

// finish releases key so its next job may run.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	if q := d.queues[key]; q != nil {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, key)
		} else {
			d.markReadyLocked(key, q)
		}
	}
	d.mu.Unlock()
	d.inflight.Done()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop stops intake and waits for accepted jobs until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.intake.Lock()
	if d.closed {
		d.intake.Unlock()
		return nil
	}
	d.closed = true
	d.intake.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	defer func() {
		close(d.halt)
		d.cancel()
		d.pool.close()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
