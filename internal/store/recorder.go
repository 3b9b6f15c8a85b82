package store

import (
	"context"
	"sync"
	"time"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

// Recorder writes terminal transfer events to the history. Event handlers only
// enqueue; a single goroutine does the inserts so transfers never wait on sqlite.
type Recorder struct {
	st  *PersistentStore
	log *logger.Logger

	mu     sync.Mutex
	closed bool
	queue  chan domain.Outcome
	done   chan struct{}
}

// Attach subscribes a Recorder to the complete, exists, error and cancel events.
func Attach(bus *events.Bus, st *PersistentStore, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	r := &Recorder{
		st:    st,
		log:   log,
		queue: make(chan domain.Outcome, 64),
		done:  make(chan struct{}),
	}

	bus.On(events.Complete, func(e events.Event) { r.add(e, domain.StatusCompleted) })
	bus.On(events.Exists, func(e events.Event) { r.add(e, domain.StatusSkipped) })
	bus.On(events.Error, func(e events.Event) { r.add(e, domain.StatusFailed) })
	bus.On(events.Cancel, func(e events.Event) { r.add(e, domain.StatusCanceled) })

	go r.loop()
	return r
}

func (r *Recorder) add(e events.Event, status domain.TransferStatus) {
	out := domain.Outcome{
		URL:        e.URL,
		FileName:   e.FileName,
		Status:     string(status),
		Bytes:      e.Downloaded,
		RecordedAt: e.Time,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue <- out
}

func (r *Recorder) loop() {
	defer close(r.done)
	for out := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.st.RecordOutcome(ctx, out); err != nil {
			r.log.Error("History: %v", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until everything queued is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
}
