package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

type target struct {
	url      string
	fileName string
}

// attempt carries one transfer across retries. A stream that broke after
// writing bytes is picked up from that offset by the next try.
type attempt struct {
	target
	offset int64

	// prev is the paused entry a continuation takes over, gen the resume it belongs to
	prev *transfer
	gen  int
}

// Manager dispatches downloads by method and exposes pause, resume and cancel
// over the registry its transfers share.
type Manager struct {
	opts      Options
	bus       *events.Bus
	log       *logger.Logger
	registry  *Registry
	executor  *Executor
	scheduler *Scheduler

	mu      sync.Mutex
	queued  map[string]target // task id -> target until the task settles
	closed  bool
	cleanup sync.WaitGroup
}

func New(opts Options, bus *events.Bus, log *logger.Logger) *Manager {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Nop()
	}

	reg := NewRegistry()
	m := &Manager{
		opts:      opts,
		bus:       bus,
		log:       log,
		registry:  reg,
		executor:  NewExecutor(opts, reg, bus, log),
		scheduler: NewScheduler(opts.ConcurrencyLimit, opts.Retries, opts.Backoff, log),
		queued:    make(map[string]target),
	}
	m.scheduler.OnExhausted(m.exhausted)
	return m
}

func (m *Manager) Method() Method { return m.opts.Method }

func (m *Manager) Registry() *Registry { return m.registry }

// Transfers returns a snapshot of every in-flight or paused transfer.
func (m *Manager) Transfers() []domain.TransferInfo {
	return m.registry.Snapshot()
}

// Download validates every URL before scheduling any of them, then dispatches
// by method. Queue mode returns once the URLs are enqueued; failures there are
// only reported through the error event. Simple and thread modes wait for the
// transfers and return their joined errors.
func (m *Manager) Download(ctx context.Context, urls ...string) error {
	if m.isClosed() {
		return domain.ErrManagerClosed
	}
	for _, u := range urls {
		if err := ValidateTarget(u); err != nil {
			return err
		}
	}
	if len(urls) == 0 {
		return nil
	}

	switch m.opts.Method {
	case MethodSimple:
		return m.runBatches(ctx, urls)
	case MethodThread:
		return m.runWorkers(ctx, urls)
	default:
		for _, u := range urls {
			a := &attempt{target: target{url: u, fileName: m.opts.fileNameFor(u)}}
			if _, err := m.schedule(a, m.opts.Priority); err != nil {
				return err
			}
		}
		return nil
	}
}

// Enqueue schedules one queued transfer and returns its task id. An empty
// fileName is derived from the URL; a zero priority uses the configured default.
func (m *Manager) Enqueue(rawURL, fileName string, priority int) (string, error) {
	if m.isClosed() {
		return "", domain.ErrManagerClosed
	}
	if err := ValidateTarget(rawURL); err != nil {
		return "", err
	}
	if fileName == "" {
		fileName = m.opts.fileNameFor(rawURL)
	}
	if priority == 0 {
		priority = m.opts.Priority
	}
	return m.schedule(&attempt{target: target{url: rawURL, fileName: fileName}}, priority)
}

func (m *Manager) schedule(a *attempt, priority int) (string, error) {
	id := ksuid.New().String()

	m.mu.Lock()
	m.queued[id] = a.target
	m.mu.Unlock()

	task := domain.Task{
		ID:       id,
		Priority: priority,
		Action: func(ctx context.Context) error {
			if err := m.run(ctx, a); err != nil {
				return err
			}
			m.settle(id)
			return nil
		},
	}

	if err := m.scheduler.Enqueue(task); err != nil {
		m.settle(id)
		return "", err
	}

	m.log.Debug("Queued %s as task %s (priority %d)", a.url, id, priority)
	return id, nil
}

// run executes one attempt. Paused and canceled transfers count as success so
// the scheduler never retries them.
func (m *Manager) run(ctx context.Context, a *attempt) error {
	// Only the first try continues the paused entry; retries start over from the offset
	var l *lease
	if a.prev != nil {
		l = &lease{prev: a.prev, gen: a.gen}
		a.prev = nil
	}

	_, err := m.executor.run(ctx, a.url, a.fileName, a.offset, l)

	// A continuation that never reached streaming must not leave its old entry behind
	if l != nil {
		m.registry.releaseClaim(l.prev, l.gen)
	}

	if err != nil {
		var interrupted *domain.StreamInterruptedError
		if errors.As(err, &interrupted) && interrupted.Written > 0 {
			a.offset = interrupted.Written
		}
		return err
	}
	return nil
}

func (m *Manager) settle(id string) (target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tg, ok := m.queued[id]
	delete(m.queued, id)
	return tg, ok
}

func (m *Manager) exhausted(task domain.Task, err error) {
	tg, ok := m.settle(task.ID)
	if !ok {
		return
	}
	m.log.Error("Error downloading %s: %v", tg.url, err)
	m.bus.Emit(events.Event{Kind: events.Error, URL: tg.url, FileName: tg.fileName, Err: err})
}

// runBatches is the simple method: batches of ConcurrencyLimit, each awaited
// before the next starts. No priority and no retry.
func (m *Manager) runBatches(ctx context.Context, urls []string) error {
	limit := m.opts.ConcurrencyLimit

	for start := 0; start < len(urls); start += limit {
		batch := urls[start:min(start+limit, len(urls))]

		p := pool.New().WithErrors()
		for _, u := range batch {
			a := &attempt{target: target{url: u, fileName: m.opts.fileNameFor(u)}}
			p.Go(func() error {
				return m.direct(ctx, a)
			})
		}

		if err := p.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) direct(ctx context.Context, a *attempt) error {
	if err := m.run(ctx, a); err != nil {
		m.log.Error("Error downloading %s: %v", a.url, err)
		m.bus.Emit(events.Event{Kind: events.Error, URL: a.url, FileName: a.fileName, Err: err})
		return err
	}
	return nil
}

// runWorkers is the thread method: every URL goes to the worker backend, which
// bounds how many run at once. Hooks stay in this process around each worker run.
func (m *Manager) runWorkers(ctx context.Context, urls []string) error {
	if m.opts.Backend == nil {
		return errors.New("thread method requires a worker backend")
	}

	p := pool.New().WithErrors()
	for _, u := range urls {
		task := m.workerTask(u)
		p.Go(func() error {
			if hook := m.opts.OnBeforeDownload; hook != nil {
				if err := hook(ctx, task.URL, task.FileName); err != nil {
					return err
				}
			}
			if err := m.opts.Backend.Run(ctx, task); err != nil {
				return err
			}
			if hook := m.opts.OnAfterDownload; hook != nil {
				return hook(ctx, task.URL, task.FileName)
			}
			return nil
		})
	}
	return p.Wait()
}

func (m *Manager) workerTask(rawURL string) domain.WorkerTask {
	var headers map[string]string
	if len(m.opts.Headers) > 0 {
		headers = make(map[string]string, len(m.opts.Headers))
		for key := range m.opts.Headers {
			headers[key] = m.opts.Headers.Get(key)
		}
	}

	return domain.WorkerTask{
		ID:        ksuid.New().String(),
		URL:       rawURL,
		FileName:  m.opts.fileNameFor(rawURL),
		Folder:    m.opts.Folder,
		Overwrite: m.opts.Overwrite,
		Stream:    m.opts.Stream,
		Timeout:   m.opts.Timeout,
		RateLimit: m.opts.RateLimit,
		Headers:   headers,
	}
}

// Pause stops the stream for url and keeps its entry at the exact byte count
// written. Pausing a paused transfer is a no-op.
func (m *Manager) Pause(url string) error {
	changed, err := m.registry.pause(url)
	if err != nil {
		return err
	}
	if changed {
		m.log.Info("Download paused: %s", url)
		m.bus.Emit(events.Event{Kind: events.Paused, URL: url})
	}
	return nil
}

func (m *Manager) PauseAll() {
	for _, u := range m.registry.urls(false) {
		// Entries finishing concurrently are simply gone
		_, _ = m.registry.pause(u)
	}
	m.log.Info("All downloads paused")
	m.bus.Emit(events.Event{Kind: events.PausedAll})
}

// Resume continues a paused transfer from its recorded offset with a Range
// request. Simple mode runs the continuation before returning; queue mode
// schedules it with the default priority.
func (m *Manager) Resume(ctx context.Context, url string) error {
	if m.isClosed() {
		return domain.ErrManagerClosed
	}

	prev, err := m.registry.pausedEntry(url)
	if err != nil {
		return err
	}

	// The paused loop must have exited before the entry is unpaused
	select {
	case <-prev.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	info, gen, err := m.registry.unpause(prev)
	if err != nil {
		return err
	}

	m.log.Info("Resuming %s from %s", info.FileName, humanize.Bytes(uint64(info.Downloaded)))
	m.bus.Emit(events.Event{Kind: events.Resumed, URL: url, FileName: info.FileName})

	a := &attempt{
		target: target{url: info.URL, fileName: info.FileName},
		offset: info.Downloaded,
		prev:   prev,
		gen:    gen,
	}

	if m.opts.Method == MethodSimple {
		return m.direct(ctx, a)
	}
	_, err = m.schedule(a, m.opts.Priority)
	return err
}

func (m *Manager) ResumeAll(ctx context.Context) error {
	p := pool.New().WithErrors().WithMaxGoroutines(m.opts.ConcurrencyLimit)
	for _, u := range m.registry.urls(true) {
		p.Go(func() error {
			return m.Resume(ctx, u)
		})
	}
	err := p.Wait()

	m.log.Info("All downloads resumed")
	m.bus.Emit(events.Event{Kind: events.ResumedAll})
	return err
}

// Cancel stops the transfer for url, drops its entry and deletes the partial
// file once the stream has let go of it.
func (m *Manager) Cancel(url string) error {
	t, ok := m.registry.remove(url)
	if !ok {
		return domain.ErrTransferNotFound
	}

	m.bus.Emit(events.Event{Kind: events.Cancel, URL: url, FileName: t.fileName})

	m.cleanup.Add(1)
	go func() {
		defer m.cleanup.Done()
		<-t.done
		if err := removePartial(t.path); err != nil {
			m.log.Error("Failed to remove %s: %v", t.path, err)
			return
		}
		m.log.Info("Download canceled and file removed: %s", t.path)
	}()
	return nil
}

func (m *Manager) CancelAll() {
	for _, u := range m.registry.all() {
		_ = m.Cancel(u)
	}
	m.log.Info("All downloads canceled")
	m.bus.Emit(events.Event{Kind: events.CancelAll})
}

// Wait blocks until nothing is queued, running or waiting out a retry delay,
// and every canceled file has been removed.
func (m *Manager) Wait(ctx context.Context) error {
	if err := m.scheduler.Wait(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		m.cleanup.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the scheduler: queued tasks and pending retries are dropped and
// running queue transfers are aborted.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.scheduler.Stop()
	m.cleanup.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
