package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

// Serve is the worker side: it decodes one task from r, runs it as a simple
// download with a private registry, and writes exactly one result to w.
// A failed transfer is reported in the result, not as an error.
func Serve(ctx context.Context, r io.Reader, w io.Writer, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}

	var task domain.WorkerTask
	if err := wire.dec.NewDecoder(r).Decode(&task); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	res := domain.WorkerResult{ID: task.ID}
	out, err := execute(ctx, task, log)
	switch {
	case err != nil:
		res.Error = err.Error()
	case out.skipped:
		res.Message = "File already exists"
		res.Skipped = true
	default:
		res.Message = "Download complete"
		res.Bytes = out.written
	}

	if err := wire.enc.NewEncoder(w).Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

type outcome struct {
	written int64
	skipped bool
}

func execute(ctx context.Context, task domain.WorkerTask, log *logger.Logger) (outcome, error) {
	headers := make(http.Header, len(task.Headers))
	for key, value := range task.Headers {
		headers.Set(key, value)
	}

	bus := events.New()
	var out outcome
	bus.On(events.Complete, func(e events.Event) { out.written = e.Downloaded })
	bus.On(events.Exists, func(events.Event) { out.skipped = true })

	m := engine.New(engine.Options{
		Method:           engine.MethodSimple,
		ConcurrencyLimit: 1,
		Folder:           task.Folder,
		Overwrite:        task.Overwrite,
		Stream:           task.Stream,
		Timeout:          task.Timeout,
		RateLimit:        task.RateLimit,
		Headers:          headers,
		FileName: func(string) string {
			return task.FileName
		},
	}, bus, log)
	defer m.Close()

	if err := m.Download(ctx, task.URL); err != nil {
		return outcome{}, err
	}
	return out, nil
}
