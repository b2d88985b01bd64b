package worker

import "context"

// Job is one unit of work for a user. Jobs of the same user run one at a time
// in submission order.
type Job struct {
	Key  string
	Name string
	Run  func(ctx context.Context)

	stop bool
	done func()
}

func stopJob() Job {
	return Job{stop: true}
}
