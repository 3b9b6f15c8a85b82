package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/datallboy/fetchq/internal/domain"
)

type Method string

const (
	MethodSimple Method = "simple"
	MethodQueue  Method = "queue"
	MethodThread Method = "thread"
)

// Hook runs around a transfer. A non-nil error fails the transfer.
type Hook func(ctx context.Context, url, fileName string) error

// Backend runs a transfer outside this process' registry, e.g. in a worker process.
type Backend interface {
	Run(ctx context.Context, task domain.WorkerTask) error
}

// Options configures a Manager and the transfers it runs.
type Options struct {
	Method           Method
	ConcurrencyLimit int
	Retries          int
	Folder           string
	Overwrite        bool
	Stream           bool
	Timeout          time.Duration
	Priority         int
	MaxWorkers       int

	// RateLimit caps each streamed transfer in bytes per second. Zero is unlimited.
	RateLimit int64

	// Headers are merged into every request; Range is added on resume.
	Headers http.Header

	// FileName overrides the default derivation (last URL path segment).
	FileName func(url string) string

	OnBeforeDownload Hook
	OnAfterDownload  Hook

	Backoff Backoff

	// Client defaults to an http.Client that follows redirects.
	Client *http.Client

	// Backend is required for MethodThread.
	Backend Backend
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = MethodQueue
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 5
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Folder == "" {
		o.Folder = "./downloads"
	}
	if o.Priority == 0 {
		o.Priority = domain.DefaultPriority
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = o.ConcurrencyLimit
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultBackoffBase
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = DefaultBackoffMax
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

// fileNameFor returns the destination name for rawURL.
func (o Options) fileNameFor(rawURL string) string {
	if o.FileName != nil {
		if name := o.FileName(rawURL); name != "" {
			return name
		}
	}
	return defaultFileName(rawURL)
}

func defaultFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// ValidateTarget rejects anything that is not an absolute http(s) URL.
func ValidateTarget(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("%w %q: %v", domain.ErrInvalidTarget, rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w %q: unsupported scheme %q", domain.ErrInvalidTarget, rawURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w %q: missing host", domain.ErrInvalidTarget, rawURL)
	}
	return nil
}
