// Package telemetry turns transfer events into log lines.
package telemetry

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

const DefaultInterval = 2 * time.Second

// Progress logs lifecycle events as they happen and progress at most once per
// interval per file. The last progress line of a file is always logged.
type Progress struct {
	log      *logger.Logger
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time // keyed by URL
}

func Attach(bus *events.Bus, log *logger.Logger, interval time.Duration) *Progress {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Progress{log: log, interval: interval, last: make(map[string]time.Time)}

	bus.On(events.Progress, p.progress)
	bus.On(events.Start, func(e events.Event) {
		p.log.Info("%s: %s", e.Message, e.FileName)
	})
	bus.On(events.Exists, func(e events.Event) {
		p.log.Info("%s: %s", e.Message, e.FileName)
	})
	bus.On(events.Complete, func(e events.Event) {
		p.forget(e.URL)
		p.log.Info("%s: %s (%s)", e.Message, e.FileName, humanize.Bytes(uint64(e.Downloaded)))
	})
	bus.On(events.Error, func(e events.Event) {
		p.forget(e.URL)
		p.log.Error("%s: %s: %v", e.Message, e.URL, e.Err)
	})
	for _, kind := range []events.Kind{events.Paused, events.Resumed, events.Cancel} {
		bus.On(kind, func(e events.Event) {
			if kind == events.Cancel {
				p.forget(e.URL)
			}
			p.log.Info("%s: %s", e.Message, e.URL)
		})
	}
	for _, kind := range []events.Kind{events.PausedAll, events.ResumedAll, events.CancelAll} {
		bus.On(kind, func(e events.Event) {
			p.log.Info("%s", e.Message)
		})
	}
	return p
}

func (p *Progress) progress(e events.Event) {
	if !p.due(e) {
		return
	}
	total := "unknown size"
	if e.TotalSize > 0 {
		total = humanize.Bytes(uint64(e.TotalSize))
	}
	p.log.Info("%s %.1f%% (%s of %s) at %s/s",
		e.FileName, e.Progress,
		humanize.Bytes(uint64(e.Downloaded)), total,
		humanize.Bytes(uint64(e.Speed)))
}

func (p *Progress) due(e events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := e.Time
	if now.IsZero() {
		now = time.Now()
	}
	last, seen := p.last[e.URL]
	finalChunk := e.TotalSize > 0 && e.Downloaded >= e.TotalSize
	if seen && !finalChunk && now.Sub(last) < p.interval {
		return false
	}
	p.last[e.URL] = now
	return true
}

func (p *Progress) forget(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, url)
}
