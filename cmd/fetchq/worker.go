package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/fetchq/internal/infra/logger"
	"github.com/datallboy/fetchq/internal/worker"
)

// newWorkerCmd is the child side of the thread method: one task on stdin,
// one result on stdout.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a single transfer read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.Nop()
			if cfg, err := loadConfig(cmd); err == nil {
				// stdout carries the result, so logs only go to the file
				opts := cfg.LoggerOptions()
				opts.IncludeStdout = false
				opts.Rotate = false
				if l, err := logger.New(opts); err == nil {
					log = l
				}
			}
			defer log.Sync()

			return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, log)
		},
	}
}
