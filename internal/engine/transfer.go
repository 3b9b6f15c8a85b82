package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

const chunkSize = 32 * 1024

// Executor runs one URL-to-file transfer end to end. It knows nothing about
// scheduling; it publishes streaming state to the Registry and emits events.
type Executor struct {
	opts     Options
	registry *Registry
	bus      *events.Bus
	log      *logger.Logger
}

func NewExecutor(opts Options, registry *Registry, bus *events.Bus, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{
		opts:     opts.withDefaults(),
		registry: registry,
		bus:      bus,
		log:      log,
	}
}

// lease ties a continuation to the paused entry it resumes. The entry is
// only handed over while it is live, unpaused and still on generation gen.
type lease struct {
	prev *transfer
	gen  int
}

// Run transfers rawURL into the download folder as fileName. A positive offset
// resumes a paused transfer: the request carries a Range header and the file
// is appended to instead of truncated.
func (e *Executor) Run(ctx context.Context, rawURL, fileName string, offset int64) (domain.TransferStatus, error) {
	return e.run(ctx, rawURL, fileName, offset, nil)
}

func (e *Executor) run(ctx context.Context, rawURL, fileName string, offset int64, l *lease) (domain.TransferStatus, error) {
	path := filepath.Join(e.opts.Folder, fileName)

	if l == nil && offset == 0 && !e.opts.Overwrite && fileExists(path) {
		e.log.Info("%s already exists inside %s folder", fileName, e.opts.Folder)
		e.bus.Emit(events.Event{Kind: events.Exists, URL: rawURL, FileName: fileName})
		if err := e.after(ctx, rawURL, fileName); err != nil {
			return domain.StatusFailed, err
		}
		return domain.StatusSkipped, nil
	}

	reqCtx, abort := context.WithCancel(ctx)

	// From here on pause and cancel of the paused entry abort this request
	if l != nil && !e.registry.arm(l.prev, l.gen, abort) {
		abort()
		e.log.Debug("Skipping continuation of %s: canceled or paused again", rawURL)
		return e.yielded(l), nil
	}

	if hook := e.opts.OnBeforeDownload; hook != nil {
		if err := hook(ctx, rawURL, fileName); err != nil {
			abort()
			return domain.StatusFailed, fmt.Errorf("before download hook for %s: %w", fileName, err)
		}
	}

	e.log.Debug("Download started from %s", rawURL)
	e.bus.Emit(events.Event{Kind: events.Start, URL: rawURL, FileName: fileName})

	resp, err := e.request(reqCtx, abort, rawURL, offset)
	if err != nil {
		abort()
		if l != nil && !e.registry.claim(l.prev, l.gen) {
			return e.yielded(l), nil
		}
		return domain.StatusFailed, err
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		abort()
		e.log.Info("%s not modified, keeping existing %s", rawURL, fileName)
		return e.finish(ctx, rawURL, fileName, offset)
	}

	if offset > 0 && resp.StatusCode == http.StatusOK {
		e.log.Warn("%s ignored the range request, restarting %s from zero", rawURL, fileName)
		offset = 0
	}

	if err := ensureFolder(e.opts.Folder); err != nil {
		resp.Body.Close()
		abort()
		return domain.StatusFailed, err
	}

	if !e.opts.Stream {
		return e.buffered(ctx, abort, resp, rawURL, fileName, path)
	}
	return e.stream(ctx, reqCtx, abort, resp, rawURL, fileName, path, offset, l)
}

// yielded is the status of a continuation that lost its entry before
// streaming: still there means it was paused again, gone means canceled.
func (e *Executor) yielded(l *lease) domain.TransferStatus {
	if e.registry.current(l.prev) {
		return domain.StatusPaused
	}
	return domain.StatusCanceled
}

// request issues the GET. The timeout only covers waiting for the response
// headers; the timer is cleared as soon as they arrive.
func (e *Executor) request(ctx context.Context, abort context.CancelFunc, rawURL string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.TransportError{URL: rawURL, Err: err}
	}

	for key, values := range e.opts.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	var timer *time.Timer
	if e.opts.Timeout > 0 {
		timer = time.AfterFunc(e.opts.Timeout, abort)
	}

	resp, err := e.opts.Client.Do(req)
	timedOut := timer != nil && !timer.Stop()

	if err != nil {
		if timedOut {
			err = fmt.Errorf("no response within %s: %w", e.opts.Timeout, context.DeadlineExceeded)
		}
		return nil, &domain.TransportError{URL: rawURL, Err: err}
	}
	if timedOut {
		resp.Body.Close()
		return nil, &domain.TransportError{URL: rawURL, Err: context.DeadlineExceeded}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusNotModified:
		return resp, nil
	}

	resp.Body.Close()
	e.log.Error("Could not download the file from %s, status %d", rawURL, resp.StatusCode)
	return nil, &domain.HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
}

// buffered reads the whole body and writes it with a single truncating write.
func (e *Executor) buffered(ctx context.Context, abort context.CancelFunc, resp *http.Response, rawURL, fileName, path string) (domain.TransferStatus, error) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	abort()
	if err != nil {
		return domain.StatusFailed, &domain.TransportError{URL: rawURL, Err: err}
	}

	if err := writeWhole(path, data); err != nil {
		return domain.StatusFailed, err
	}
	return e.finish(ctx, rawURL, fileName, int64(len(data)))
}

func (e *Executor) stream(ctx, reqCtx context.Context, abort context.CancelFunc, resp *http.Response, rawURL, fileName, path string, offset int64, l *lease) (domain.TransferStatus, error) {
	defer resp.Body.Close()
	defer abort()

	var total int64
	if resp.ContentLength > 0 {
		total = resp.ContentLength + offset
	}

	t := &transfer{
		url:        rawURL,
		fileName:   fileName,
		path:       path,
		offset:     offset,
		downloaded: offset,
		total:      total,
		startedAt:  time.Now(),
		stop:       abort,
		done:       make(chan struct{}),
	}

	// The file is only touched once the entry is ours
	if l == nil {
		e.registry.register(t)
	} else if !e.registry.takeOver(l.prev, t, l.gen) {
		return e.yielded(l), nil
	}
	defer close(t.done)

	f, err := openDestination(path, offset > 0)
	if err != nil {
		e.registry.release(t)
		return domain.StatusFailed, err
	}

	var limiter *rate.Limiter
	if e.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.RateLimit), max(int(e.opts.RateLimit), chunkSize))
	}

	written := offset
	buf := make([]byte, chunkSize)

	for {
		n, rerr := resp.Body.Read(buf)
		if n == 0 && rerr == io.EOF {
			break
		}

		// Pause and cancel are observed before the chunk is written
		if !e.registry.owns(t) {
			return e.halt(t, f)
		}

		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(reqCtx, n); err != nil || !e.registry.owns(t) {
					if !e.registry.owns(t) {
						return e.halt(t, f)
					}
					return e.fail(t, f, written, &domain.StreamInterruptedError{URL: rawURL, Written: written, Err: err})
				}
			}

			if _, werr := f.Write(buf[:n]); werr != nil {
				fsErr := &domain.FilesystemError{Op: "write", Path: path, Err: werr}
				return e.fail(t, f, written, &domain.StreamInterruptedError{URL: rawURL, Written: written, Err: fsErr})
			}

			info := e.registry.advance(t, int64(n))
			written = info.Downloaded
			e.emitProgress(t, info)
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if !e.registry.owns(t) {
				return e.halt(t, f)
			}
			return e.fail(t, f, written, &domain.StreamInterruptedError{URL: rawURL, Written: written, Err: rerr})
		}
	}

	if err := closeDestination(f); err != nil {
		e.registry.release(t)
		return domain.StatusFailed, err
	}

	e.registry.release(t)
	return e.finish(ctx, rawURL, fileName, written)
}

func (e *Executor) emitProgress(t *transfer, info domain.TransferInfo) {
	var speed float64
	if elapsed := time.Since(t.startedAt).Seconds(); elapsed > 0 {
		speed = float64(info.Downloaded-t.offset) / elapsed
	}

	e.bus.Emit(events.Event{
		Kind:       events.Progress,
		URL:        info.URL,
		FileName:   info.FileName,
		Progress:   info.Progress(),
		Downloaded: info.Downloaded,
		TotalSize:  info.TotalSize,
		Speed:      speed,
	})
}

// halt stops a loop whose entry was paused, removed or replaced. The entry
// (when paused) keeps the exact byte count for a later resume.
func (e *Executor) halt(t *transfer, f *os.File) (domain.TransferStatus, error) {
	if err := closeDestination(f); err != nil {
		e.log.Warn("closing %s after stop: %v", t.path, err)
	}

	if e.registry.current(t) {
		info, _ := e.registry.Get(t.url)
		e.log.Info("%s paused at %s", t.fileName, humanize.Bytes(uint64(info.Downloaded)))
		return domain.StatusPaused, nil
	}
	e.log.Info("%s stopped: transfer canceled", t.fileName)
	return domain.StatusCanceled, nil
}

func (e *Executor) fail(t *transfer, f *os.File, written int64, err error) (domain.TransferStatus, error) {
	f.Close()
	e.registry.release(t)

	// An empty leftover would pass the existence check on the next attempt
	if written == 0 {
		if rmErr := removePartial(t.path); rmErr != nil {
			e.log.Warn("removing empty %s: %v", t.path, rmErr)
		}
	}
	return domain.StatusFailed, err
}

func (e *Executor) finish(ctx context.Context, rawURL, fileName string, size int64) (domain.TransferStatus, error) {
	e.log.Info("File %s downloaded successfully (%s). Downloaded from %s", fileName, humanize.Bytes(uint64(size)), rawURL)

	e.bus.Emit(events.Event{Kind: events.Complete, URL: rawURL, FileName: fileName, Downloaded: size, TotalSize: size, Progress: 100})
	e.bus.Emit(events.Event{Kind: events.Finished, URL: rawURL, FileName: fileName})

	if err := e.after(ctx, rawURL, fileName); err != nil {
		return domain.StatusFailed, err
	}
	return domain.StatusCompleted, nil
}

func (e *Executor) after(ctx context.Context, rawURL, fileName string) error {
	if hook := e.opts.OnAfterDownload; hook != nil {
		if err := hook(ctx, rawURL, fileName); err != nil {
			return fmt.Errorf("after download hook for %s: %w", fileName, err)
		}
	}
	return nil
}
