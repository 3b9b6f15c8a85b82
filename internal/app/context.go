package app

import (
	"context"

	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/events"
	"github.com/datallboy/fetchq/internal/infra/config"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

// DownloadManager is what the API and CLI drive. engine.Manager satisfies it.
type DownloadManager interface {
	Method() engine.Method
	Download(ctx context.Context, urls ...string) error
	Enqueue(url, fileName string, priority int) (string, error)
	Transfers() []domain.TransferInfo

	Pause(url string) error
	PauseAll()
	Resume(ctx context.Context, url string) error
	ResumeAll(ctx context.Context) error
	Cancel(url string) error
	CancelAll()

	Wait(ctx context.Context) error
	Close()
}

type HistoryStore interface {
	History(ctx context.Context, limit int) ([]domain.Outcome, error)
}

// Context hold the core environment and shared resources for fetchq.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger
	Bus    *events.Bus

	Manager DownloadManager

	// History is nil when store.sqlite_path is empty
	History HistoryStore

	closers []func()
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	return &Context{
		Config: cfg,
		Logger: log,
		Bus:    events.New(),
	}
}

// onClose registers fn to run on Close, in reverse registration order.
func (c *Context) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close releases everything Build opened.
func (c *Context) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
