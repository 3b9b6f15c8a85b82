package main

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/datallboy/fetchq/internal/app"
	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/events"
)

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download URL...",
		Short: "Download one or more URLs and wait for them to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDownload,
	}
	addDownloadFlags(cmd.Flags())
	return cmd
}

func runDownload(cmd *cobra.Command, urls []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	appCtx, err := app.Build(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	// Queue mode only reports failures as events
	var failed atomic.Int32
	appCtx.Bus.On(events.Error, func(events.Event) { failed.Add(1) })

	mgr := appCtx.Manager
	if err := mgr.Download(ctx, urls...); err != nil {
		return err
	}

	if mgr.Method() == engine.MethodQueue {
		if err := mgr.Wait(ctx); err != nil {
			log.Warn("Interrupted, canceling remaining downloads")
			mgr.CancelAll()
			return err
		}
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d downloads failed", n, len(urls))
	}

	log.Info("Process finished successfully.")
	return nil
}
