package app

import (
	"context"
	"fmt"

	"github.com/datallboy/fetchq/internal/archive"
	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/infra/config"
	"github.com/datallboy/fetchq/internal/infra/logger"
	"github.com/datallboy/fetchq/internal/store"
	"github.com/datallboy/fetchq/internal/telemetry"
	"github.com/datallboy/fetchq/internal/worker"
)

var _ DownloadManager = (*engine.Manager)(nil)

// Build wires the download manager and its subscribers from cfg. runner is
// only used by the thread method; nil re-executes this binary as a worker.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, runner worker.Runner) (*Context, error) {
	appCtx := NewContext(cfg, log)
	log = appCtx.Logger

	telemetry.Attach(appCtx.Bus, log, telemetry.DefaultInterval)

	opts := cfg.DownloadOptions()

	if path := cfg.Store.SQLitePath; path != "" {
		st, err := store.Open(path)
		if err != nil {
			appCtx.Close()
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		appCtx.onClose(func() {
			if err := st.Close(); err != nil {
				log.Warn("closing history store: %v", err)
			}
		})

		rec := store.Attach(appCtx.Bus, st, log)
		appCtx.onClose(rec.Close)
		appCtx.History = st
		log.Debug("Recording download history in %s", path)
	}

	if url := cfg.Archive.BucketURL; url != "" {
		arc, err := archive.Open(ctx, url, archive.Options{
			Folder:      opts.Folder,
			Prefix:      cfg.Archive.Prefix,
			RemoveLocal: cfg.Archive.RemoveLocal,
		}, log)
		if err != nil {
			appCtx.Close()
			return nil, err
		}
		appCtx.onClose(func() {
			if err := arc.Close(); err != nil {
				log.Warn("closing archive bucket: %v", err)
			}
		})
		opts.OnAfterDownload = arc.AfterDownload
		log.Debug("Archiving completed downloads to %s", url)
	}

	if opts.Method == engine.MethodThread {
		if runner == nil {
			self, err := worker.SelfRunner()
			if err != nil {
				appCtx.Close()
				return nil, err
			}
			runner = self
		}
		backend := worker.NewBackend(opts.MaxWorkers, runner, appCtx.Bus, log)
		appCtx.onClose(backend.Close)
		opts.Backend = backend
	}

	mgr := engine.New(opts, appCtx.Bus, log)
	appCtx.onClose(mgr.Close)
	appCtx.Manager = mgr

	log.Info("Download manager ready (method %s, concurrency %d, folder %s)",
		opts.Method, opts.ConcurrencyLimit, opts.Folder)

	return appCtx, nil
}
