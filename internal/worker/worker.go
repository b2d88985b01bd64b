package worker

import (
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker runs dispatched jobs one at a time on its own goroutine. Its
// bookkeeping fields are guarded by the pool's mutex.
type Worker struct {
	id   int
	pool *workerPool
	jobs chan Job

	idleSince time.Time
	parked    bool
	dismissed bool
	gone      bool
}

func NewWorker(id int, pool *workerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		jobs: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.exit(w)
		for job := range w.jobs {
			if job.stop {
				return
			}
			w.execute(job)
			if !w.pool.release(w) {
				return
			}
		}
	}()
}

// execute runs a job and always reports completion, even when it panics.
func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("job", job.Name).
				Int("worker", w.id).
				Bytes("stack", debug.Stack()).
				Msg("worker job panicked")
		}
		if job.done != nil {
			job.done()
		}
	}()
	if job.Run != nil {
		job.Run(w.pool.ctx)
	}
}
