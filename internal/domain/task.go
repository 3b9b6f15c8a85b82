package domain

import "context"

// DefaultPriority is used for queued downloads when the caller does not pick one.
const DefaultPriority = 1

// Task is a unit of scheduled work. Retries counts attempts already consumed and
// is the only field that changes, via Retry, when a failed task is re-enqueued.
type Task struct {
	ID       string
	Priority int
	Retries  int
	Action   func(ctx context.Context) error
}

// Retry returns a copy of the task with one more attempt consumed.
func (t Task) Retry() Task {
	t.Retries++
	return t
}
