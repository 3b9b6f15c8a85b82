// Package worker runs transfers outside the calling process' registry: each
// task is encoded, handed to an isolated worker and answered with a single
// result message.
package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

// Runner carries one encoded task to a worker and returns its encoded reply.
type Runner interface {
	Exchange(ctx context.Context, task []byte) ([]byte, error)
}

// Backend bounds the number of outstanding workers with a counting semaphore.
type Backend struct {
	sem    *semaphore.Weighted
	runner Runner
	bus    *events.Bus
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBackend(maxWorkers int, runner Runner, bus *events.Bus, log *logger.Logger) *Backend {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		runner: runner,
		bus:    bus,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run waits for a free worker slot, then runs task in a worker and waits for
// its result.
func (b *Backend) Run(ctx context.Context, task domain.WorkerTask) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	if b.ctx.Err() != nil {
		return errors.New("worker backend closed")
	}

	// Close terminates every running worker
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	b.bus.Emit(events.Event{Kind: events.Start, URL: task.URL, FileName: task.FileName})

	payload, err := wire.enc.Marshal(task)
	if err != nil {
		return b.failed(task, fmt.Errorf("encode task %s: %w", task.ID, err))
	}

	reply, err := b.runner.Exchange(ctx, payload)
	if err != nil {
		return b.failed(task, fmt.Errorf("worker for task %s: %w", task.ID, err))
	}

	var res domain.WorkerResult
	if err := wire.dec.Unmarshal(reply, &res); err != nil {
		return b.failed(task, fmt.Errorf("decode result of task %s: %w", task.ID, err))
	}
	if res.Error != "" {
		return b.failed(task, fmt.Errorf("task %s: %s", res.ID, res.Error))
	}

	if res.Skipped {
		b.log.Info("Task %s skipped: %s already exists", task.ID, task.FileName)
		b.bus.Emit(events.Event{Kind: events.Exists, URL: task.URL, FileName: task.FileName})
		return nil
	}

	b.log.Info("Task %s completed successfully.", task.ID)
	// Same pair the in-process executor emits on success
	b.bus.Emit(events.Event{Kind: events.Complete, URL: task.URL, FileName: task.FileName, Downloaded: res.Bytes, TotalSize: res.Bytes, Progress: 100})
	b.bus.Emit(events.Event{Kind: events.Finished, URL: task.URL, FileName: task.FileName})
	return nil
}

func (b *Backend) failed(task domain.WorkerTask, err error) error {
	b.log.Error("Task %s failed: %v", task.ID, err)
	b.bus.Emit(events.Event{Kind: events.Error, URL: task.URL, FileName: task.FileName, Err: err})
	return err
}

// Close terminates running workers and rejects new tasks.
func (b *Backend) Close() {
	b.cancel()
	b.log.Info("All workers terminated.")
}
