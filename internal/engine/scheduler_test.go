package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/fetchq/internal/domain"
)

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("scheduler did not drain: %v", err)
	}
}

func TestHeapPopsHighestPriorityFirst(t *testing.T) {
	s := NewScheduler(1, 0, Backoff{}, nil)

	for _, p := range []int{3, 1, 7, 7, 2, 9, 0, 5} {
		s.push(domain.Task{Priority: p})
	}

	var got []int
	for len(s.heap) > 0 {
		got = append(got, s.pop().Priority)
	}

	want := []int{9, 7, 7, 5, 3, 2, 1, 0}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestHeapInvariantHoldsAfterEveryPush(t *testing.T) {
	s := NewScheduler(1, 0, Backoff{}, nil)

	for i, p := range []int{1, 4, 2, 8, 8, 3, 6, 1, 9} {
		s.push(domain.Task{ID: fmt.Sprint(i), Priority: p})
		for child := 1; child < len(s.heap); child++ {
			parent := (child - 1) / 2
			if s.heap[parent].Priority < s.heap[child].Priority {
				t.Fatalf("after push %d: parent %d (%d) < child %d (%d)",
					i, parent, s.heap[parent].Priority, child, s.heap[child].Priority)
			}
		}
	}
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	s := NewScheduler(3, 0, Backoff{}, nil)

	var running, peak, done atomic.Int32
	for i := 0; i < 10; i++ {
		err := s.Enqueue(domain.Task{
			ID:       fmt.Sprint(i),
			Priority: 1,
			Action: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				done.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if active := s.Active(); active > 3 {
			t.Fatalf("active = %d, limit 3", active)
		}
	}

	waitIdle(t, s)

	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if d := done.Load(); d != 10 {
		t.Errorf("completed = %d, want 10", d)
	}
}

func TestSchedulerAdmitsHigherPriorityWhenSlotFrees(t *testing.T) {
	s := NewScheduler(1, 0, Backoff{}, nil)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int

	_ = s.Enqueue(domain.Task{ID: "gate", Priority: 1, Action: func(ctx context.Context) error {
		<-gate
		return nil
	}})

	for _, p := range []int{1, 5, 3, 5, 2} {
		_ = s.Enqueue(domain.Task{ID: fmt.Sprint(p), Priority: p, Action: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil
		}})
	}

	if n := s.Len(); n != 5 {
		t.Fatalf("queued = %d, want 5", n)
	}
	close(gate)
	waitIdle(t, s)

	want := []int{5, 5, 3, 2, 1}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("admission order = %v, want %v", order, want)
	}
}

func TestSchedulerRetriesUntilExhausted(t *testing.T) {
	s := NewScheduler(2, 2, Backoff{}, nil)

	var attempts atomic.Int32
	var last domain.Task
	var exhaustedCalls int
	s.OnExhausted(func(task domain.Task, err error) {
		last = task
		exhaustedCalls++
	})

	boom := errors.New("network down")
	_ = s.Enqueue(domain.Task{ID: "flaky", Priority: 1, Action: func(ctx context.Context) error {
		attempts.Add(1)
		return boom
	}})

	waitIdle(t, s)

	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", n)
	}
	if exhaustedCalls != 1 {
		t.Errorf("exhausted callbacks = %d, want 1", exhaustedCalls)
	}
	if last.Retries != 2 {
		t.Errorf("final attempt retries = %d, want 2", last.Retries)
	}
	if s.Len() != 0 {
		t.Errorf("queue not empty after exhaustion: %d", s.Len())
	}
}

func TestSchedulerSucceedsOnRetry(t *testing.T) {
	s := NewScheduler(1, 3, Backoff{}, nil)

	var attempts atomic.Int32
	exhausted := false
	s.OnExhausted(func(domain.Task, error) { exhausted = true })

	_ = s.Enqueue(domain.Task{ID: "second-time", Priority: 1, Action: func(ctx context.Context) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}})

	waitIdle(t, s)

	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if exhausted {
		t.Error("task reported exhausted after succeeding")
	}
}

func TestSchedulerTreatsPanicAsFailure(t *testing.T) {
	s := NewScheduler(1, 0, Backoff{}, nil)

	var gotErr error
	s.OnExhausted(func(_ domain.Task, err error) { gotErr = err })

	_ = s.Enqueue(domain.Task{ID: "panics", Priority: 1, Action: func(ctx context.Context) error {
		panic("bad state")
	}})

	waitIdle(t, s)

	if gotErr == nil {
		t.Fatal("expected panic to surface as task error")
	}
	if s.Active() != 0 {
		t.Errorf("active = %d after panic", s.Active())
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Enabled: true, Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{64, 30 * time.Second},
	}

	var prev time.Duration
	for _, tt := range tests {
		got := b.Delay(tt.retries)
		if got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retries, got, tt.want)
		}
		if got < prev {
			t.Errorf("Delay(%d) = %s decreased from %s", tt.retries, got, prev)
		}
		prev = got
	}

	if d := (Backoff{Base: time.Second, Max: time.Minute}).Delay(3); d != 0 {
		t.Errorf("disabled backoff delay = %s, want 0", d)
	}
}

func TestSchedulerWaitsOutBackoffBeforeRetry(t *testing.T) {
	s := NewScheduler(1, 2, Backoff{Enabled: true, Base: 20 * time.Millisecond, Max: 25 * time.Millisecond}, nil)

	var mu sync.Mutex
	var stamps []time.Time
	_ = s.Enqueue(domain.Task{ID: "slow-retry", Priority: 1, Action: func(ctx context.Context) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return errors.New("still failing")
	}})

	waitIdle(t, s)

	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	// Delays are 20ms then min(40ms, 25ms)
	if gap := stamps[1].Sub(stamps[0]); gap < 20*time.Millisecond {
		t.Errorf("first retry after %s, want >= 20ms", gap)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 25*time.Millisecond {
		t.Errorf("second retry after %s, want >= 25ms", gap)
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler(1, 5, Backoff{Enabled: true, Base: time.Hour, Max: time.Hour}, nil)

	started := make(chan struct{})
	_ = s.Enqueue(domain.Task{ID: "running", Priority: 1, Action: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(domain.Task{ID: "queued", Priority: 1, Action: func(ctx context.Context) error {
		t.Error("queued task ran after stop")
		return nil
	}})

	<-started
	s.Stop()
	waitIdle(t, s)

	if err := s.Enqueue(domain.Task{ID: "late", Action: func(context.Context) error { return nil }}); !errors.Is(err, domain.ErrSchedulerStopped) {
		t.Errorf("enqueue after stop = %v, want ErrSchedulerStopped", err)
	}
}
