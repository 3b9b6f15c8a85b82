package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`

	Port string `mapstructure:"port" yaml:"port"`

	v *viper.Viper
}

type DownloadConfig struct {
	Method           string            `mapstructure:"method" yaml:"method"`
	ConcurrencyLimit int               `mapstructure:"concurrency_limit" yaml:"concurrency_limit"`
	Retries          int               `mapstructure:"retries" yaml:"retries"`
	Folder           string            `mapstructure:"folder" yaml:"folder"`
	Overwrite        bool              `mapstructure:"overwrite" yaml:"overwrite"`
	Stream           bool              `mapstructure:"stream" yaml:"stream"`
	Backoff          bool              `mapstructure:"backoff" yaml:"backoff"`
	Timeout          time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	MaxWorkers       int               `mapstructure:"max_workers" yaml:"max_workers"`
	Priority         int               `mapstructure:"priority" yaml:"priority"`
	Headers          map[string]string `mapstructure:"headers" yaml:"headers"`
	RateLimit        string            `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type LogConfig struct {
	Path          string         `mapstructure:"path" yaml:"path"`
	Level         string         `mapstructure:"level" yaml:"level"`
	Format        string         `mapstructure:"format" yaml:"format"`
	IncludeStdout bool           `mapstructure:"include_stdout" yaml:"include_stdout"`
	Rotation      RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

type RotationConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

type ArchiveConfig struct {
	BucketURL   string `mapstructure:"bucket_url" yaml:"bucket_url"`
	Prefix      string `mapstructure:"prefix" yaml:"prefix"`
	RemoveLocal bool   `mapstructure:"remove_local" yaml:"remove_local"`
}

// Load reads the configuration. An explicit path must exist; without one,
// config.yaml is looked up in the working directory and /config, and running
// on defaults is fine when neither exists. Flags override file and
// environment values only when set on the command line.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("FETCHQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	cfg := Config{v: v}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")

	v.SetDefault("download.method", string(engine.MethodQueue))
	v.SetDefault("download.concurrency_limit", 5)
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.folder", "./downloads")
	v.SetDefault("download.overwrite", false)
	v.SetDefault("download.stream", true)
	v.SetDefault("download.backoff", false)
	v.SetDefault("download.timeout", "30s")
	v.SetDefault("download.max_workers", 4)
	v.SetDefault("download.priority", 1)
	v.SetDefault("download.rate_limit", "")

	v.SetDefault("log.path", "fetchq.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("log.rotation.enabled", false)
	v.SetDefault("log.rotation.max_size_mb", 50)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age_days", 28)
	v.SetDefault("log.rotation.compress", false)

	v.SetDefault("store.sqlite_path", "")

	v.SetDefault("archive.bucket_url", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.remove_local", false)
}

func (c *Config) validate() error {
	d := &c.Download

	switch engine.Method(d.Method) {
	case engine.MethodSimple, engine.MethodQueue, engine.MethodThread:
	default:
		return fmt.Errorf("download.method must be simple, queue or thread, got %q", d.Method)
	}

	if d.ConcurrencyLimit <= 0 {
		return errors.New("download.concurrency_limit must be positive")
	}

	if d.Retries < 0 {
		return errors.New("download.retries cannot be negative")
	}

	if d.MaxWorkers <= 0 {
		return errors.New("download.max_workers must be positive")
	}

	if d.Timeout < 0 {
		return errors.New("download.timeout cannot be negative")
	}

	if _, err := d.rateLimit(); err != nil {
		return err
	}

	if d.Folder == "" {
		d.Folder = "./downloads"
	}

	if d.Priority == 0 {
		// Default to same priority
		d.Priority = 1
	}

	return nil
}

func (d DownloadConfig) rateLimit() (int64, error) {
	if strings.TrimSpace(d.RateLimit) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(d.RateLimit)
	if err != nil {
		return 0, fmt.Errorf("download.rate_limit %q: %w", d.RateLimit, err)
	}
	return int64(n), nil
}

// DownloadOptions maps the download section onto engine options. Hooks,
// the HTTP client and the worker backend are left for the caller to wire.
func (c *Config) DownloadOptions() engine.Options {
	d := c.Download

	headers := make(http.Header, len(d.Headers))
	for key, value := range d.Headers {
		headers.Set(key, value)
	}

	// validate already rejected a bad value
	limit, _ := d.rateLimit()

	return engine.Options{
		Method:           engine.Method(d.Method),
		ConcurrencyLimit: d.ConcurrencyLimit,
		Retries:          d.Retries,
		Folder:           d.Folder,
		Overwrite:        d.Overwrite,
		Stream:           d.Stream,
		Timeout:          d.Timeout,
		Priority:         d.Priority,
		MaxWorkers:       d.MaxWorkers,
		RateLimit:        limit,
		Headers:          headers,
		Backoff: engine.Backoff{
			Enabled: d.Backoff,
			Base:    engine.DefaultBackoffBase,
			Max:     engine.DefaultBackoffMax,
		},
	}
}

func (c *Config) LoggerOptions() logger.Options {
	l := c.Log
	return logger.Options{
		Path:          l.Path,
		Level:         logger.ParseLevel(l.Level),
		Format:        l.Format,
		IncludeStdout: l.IncludeStdout,
		Rotate:        l.Rotation.Enabled,
		MaxSizeMB:     l.Rotation.MaxSizeMB,
		MaxBackups:    l.Rotation.MaxBackups,
		MaxAgeDays:    l.Rotation.MaxAgeDays,
		Compress:      l.Rotation.Compress,
	}
}

// Dump writes the effective settings (defaults, file, environment and flags
// merged) as YAML.
func (c *Config) Dump(w io.Writer) error {
	settings := map[string]any{}
	if c.v != nil {
		settings = c.v.AllSettings()
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}
