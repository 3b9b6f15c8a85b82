// Package events delivers transfer lifecycle and progress notifications to
// registered observers.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	Start      Kind = "start"
	Progress   Kind = "progress"
	Exists     Kind = "exists"
	Complete   Kind = "complete"
	Finished   Kind = "finished"
	Error      Kind = "error"
	Paused     Kind = "paused"
	PausedAll  Kind = "pausedAll"
	Resumed    Kind = "resumed"
	ResumedAll Kind = "resumedAll"
	Cancel     Kind = "cancel"
	CancelAll  Kind = "cancelAll"
)

var messages = map[Kind]string{
	Start:      "Download started",
	Progress:   "Download is in progress",
	Exists:     "File already exists",
	Complete:   "Download completed successfully",
	Finished:   "Download complete",
	Error:      "Download failed",
	Paused:     "Download paused",
	PausedAll:  "All downloads paused",
	Resumed:    "Download resumed",
	ResumedAll: "All downloads resumed",
	Cancel:     "Download canceled and file removed",
	CancelAll:  "All downloads canceled",
}

// Event is the payload delivered to observers. Which fields are set depends on Kind:
// progress events carry Progress, Downloaded, TotalSize and Speed; error events carry Err.
type Event struct {
	Kind     Kind
	Message  string
	URL      string
	FileName string

	Progress   float64 // percent
	Downloaded int64
	TotalSize  int64
	Speed      float64 // bytes per second, averaged over the streaming session

	Err  error
	Time time.Time
}

type Handler func(Event)

// Bus is a typed observer registry. Handlers run synchronously on the goroutine
// that emits, so they must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	any      []Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// On registers h for a single event kind.
func (b *Bus) On(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// OnAny registers h for every event kind.
func (b *Bus) OnAny(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = append(b.any, h)
}

// Emit dispatches e to every handler registered for its kind, then to the
// catch-all handlers. A nil Bus drops the event.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Message == "" {
		e.Message = messages[e.Kind]
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Kind])+len(b.any))
	hs = append(hs, b.handlers[e.Kind]...)
	hs = append(hs, b.any...)
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}
