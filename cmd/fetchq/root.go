package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datallboy/fetchq/internal/infra/config"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"method":      "download.method",
	"concurrency": "download.concurrency_limit",
	"retries":     "download.retries",
	"folder":      "download.folder",
	"overwrite":   "download.overwrite",
	"stream":      "download.stream",
	"backoff":     "download.backoff",
	"timeout":     "download.timeout",
	"rate-limit":  "download.rate_limit",
	"priority":    "download.priority",
	"max-workers": "download.max_workers",
	"log-level":   "log.level",
	"port":        "port",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fetchq",
		Short:         "Concurrent HTTP download manager with pause, resume and retries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to config.yaml (default ./config.yaml or /config/config.yaml)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newDownloadCmd(),
		newServeCmd(),
		newWorkerCmd(),
		newConfigCmd(),
	)
	return root
}

// addDownloadFlags registers the download overrides shared by download and serve.
func addDownloadFlags(fs *pflag.FlagSet) {
	fs.StringP("method", "m", "", "simple, queue or thread")
	fs.IntP("concurrency", "c", 0, "maximum concurrent transfers")
	fs.IntP("retries", "r", 0, "retries per queued transfer")
	fs.StringP("folder", "o", "", "destination folder")
	fs.Bool("overwrite", false, "replace files that already exist")
	fs.Bool("stream", true, "stream bodies to disk instead of buffering them")
	fs.Bool("backoff", false, "wait exponentially longer between retries")
	fs.Duration("timeout", 0, "per-request timeout, 0 disables it")
	fs.String("rate-limit", "", "per-transfer bandwidth cap, e.g. 2MB")
	fs.IntP("priority", "p", 0, "priority for queued transfers")
	fs.Int("max-workers", 0, "maximum worker processes for the thread method")
}

// loadConfig reads the configuration with every flag the command knows about
// layered on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	bound := make(map[string]*pflag.Flag)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			bound[key] = f
		}
	}

	cfg, err := config.Load(path, bound)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
