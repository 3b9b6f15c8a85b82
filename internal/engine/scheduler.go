package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff is the retry delay policy: min(Base * 2^retries, Max), or no delay
// at all when disabled.
type Backoff struct {
	Enabled bool
	Base    time.Duration
	Max     time.Duration
}

// Delay returns how long to wait before re-enqueueing a task that has already
// consumed the given number of retries.
func (b Backoff) Delay(retries int) time.Duration {
	if !b.Enabled {
		return 0
	}
	if retries >= 32 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<uint(retries))
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// Scheduler is a bounded-concurrency priority run-queue. Higher priority tasks
// are admitted first; equal priorities are unordered (heap shape decides).
type Scheduler struct {
	mu      sync.Mutex
	heap    []domain.Task
	active  int
	delayed int // retries waiting out their backoff
	failing int // exhausted tasks whose callback is still running
	stopped bool
	changed chan struct{}

	limit       int
	maxRetries  int
	backoff     Backoff
	log         *logger.Logger
	onExhausted func(domain.Task, error)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(limit, maxRetries int, backoff Backoff, log *logger.Logger) *Scheduler {
	if limit <= 0 {
		limit = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		limit:      limit,
		maxRetries: maxRetries,
		backoff:    backoff,
		log:        log,
		changed:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnExhausted registers fn to be called once a task fails with no retries left.
func (s *Scheduler) OnExhausted(fn func(domain.Task, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExhausted = fn
}

// Enqueue inserts a task and tries to admit work. It never blocks.
func (s *Scheduler) Enqueue(t domain.Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.ErrSchedulerStopped
	}
	s.push(t)
	s.notifyLocked()
	s.mu.Unlock()

	s.runNext()
	return nil
}

// runNext admits max-priority tasks while there are free slots.
func (s *Scheduler) runNext() {
	for {
		s.mu.Lock()
		if s.stopped || s.active >= s.limit || len(s.heap) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.pop()
		s.active++
		s.mu.Unlock()

		go s.run(t)
	}
}

func (s *Scheduler) run(t domain.Task) {
	err := s.invoke(t)

	var exhausted func(domain.Task, error)

	s.mu.Lock()
	s.active--

	switch {
	case err == nil:
		s.log.Debug("Task %s completed successfully.", t.ID)
	case s.stopped:
		s.log.Debug("Task %s failed after shutdown: %v", t.ID, err)
	case t.Retries < s.maxRetries:
		retry := t.Retry()
		delay := s.backoff.Delay(t.Retries)
		s.log.Warn("Task %s failed: %v", t.ID, err)

		if delay > 0 {
			s.log.Info("Task %s - retrying in %s (attempt %d/%d)", t.ID, delay, retry.Retries, s.maxRetries)
			s.delayed++
			// Use a timer to re-queue the task so the slot frees immediately
			time.AfterFunc(delay, func() {
				s.mu.Lock()
				if s.stopped {
					s.mu.Unlock()
					return
				}
				s.delayed--
				s.push(retry)
				s.notifyLocked()
				s.mu.Unlock()
				s.runNext()
			})
		} else {
			s.log.Info("Retrying task %s (attempt %d/%d)", t.ID, retry.Retries, s.maxRetries)
			s.push(retry)
		}
	default:
		s.log.Warn("Task %s exceeded max retries: %v", t.ID, err)
		exhausted = s.onExhausted
		if exhausted != nil {
			s.failing++
		}
	}

	s.notifyLocked()
	s.mu.Unlock()

	if exhausted != nil {
		exhausted(t, err)

		s.mu.Lock()
		s.failing--
		s.notifyLocked()
		s.mu.Unlock()
	}

	// Fill the freed slot
	s.runNext()
}

// invoke runs the task action, turning a panic into a task failure.
func (s *Scheduler) invoke(t domain.Task) error {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = t.Action(s.ctx) })

	if r := pc.Recovered(); r != nil {
		s.log.Error("task %s panic: %v\n%s", t.ID, r.Value, r.Stack)
		return fmt.Errorf("task %s panicked: %w", t.ID, r.AsError())
	}
	return err
}

// Len reports the number of queued (not yet admitted) tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Active reports the number of running tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until no task is queued, running or waiting on a retry delay,
// and every exhausted callback has returned.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.heap) == 0 && s.active == 0 && s.delayed == 0 && s.failing == 0
		ch := s.changed
		s.mu.Unlock()

		if idle {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop drops queued tasks and pending retries and cancels the context passed
// to running actions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.heap = nil
	s.delayed = 0
	s.notifyLocked()
	s.mu.Unlock()

	s.cancel()
}

func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// push appends t and sifts it up. Equal priorities never swap.
func (s *Scheduler) push(t domain.Task) {
	s.heap = append(s.heap, t)
	i := len(s.heap) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if s.heap[parent].Priority >= s.heap[i].Priority {
			break
		}
		s.heap[parent], s.heap[i] = s.heap[i], s.heap[parent]
		i = parent
	}
}

// pop removes the root: swap in the last element, shrink, sift down.
func (s *Scheduler) pop() domain.Task {
	top := s.heap[0]
	last := len(s.heap) - 1
	s.heap[0] = s.heap[last]
	s.heap[last] = domain.Task{}
	s.heap = s.heap[:last]

	i := 0
	n := len(s.heap)
	for {
		largest := i
		left, right := 2*i+1, 2*i+2
		if left < n && s.heap[left].Priority > s.heap[largest].Priority {
			largest = left
		}
		if right < n && s.heap[right].Priority > s.heap[largest].Priority {
			largest = right
		}
		if largest == i {
			break
		}
		s.heap[i], s.heap[largest] = s.heap[largest], s.heap[i]
		i = largest
	}
	return top
}
