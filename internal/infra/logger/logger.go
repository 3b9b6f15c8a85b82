package logger

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Options controls where log lines go.
type Options struct {
	Path          string // empty disables the file sink
	Level         Level
	Format        string // console or json
	IncludeStdout bool

	// Rotation is applied to the file sink only
	Rotate     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Logger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

func New(opts Options) (*Logger, error) {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core

	if opts.Path != "" {
		var ws zapcore.WriteSyncer
		if opts.Rotate {
			ws = zapcore.AddSync(&lumberjack.Logger{
				Filename:   opts.Path,
				MaxSize:    max(opts.MaxSizeMB, 10),
				MaxBackups: max(opts.MaxBackups, 1),
				MaxAge:     max(opts.MaxAgeDays, 7),
				Compress:   opts.Compress,
			})
		} else {
			if dir := filepath.Dir(opts.Path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, err
				}
			}
			f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, err
			}
			ws = zapcore.AddSync(f)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	// Stdout only carries Info and above so debug spam stays in the file
	if opts.IncludeStdout {
		stdoutLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return level.Enabled(l) && l >= zapcore.InfoLevel
		})
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), stdoutLevel))
	}

	base := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(2))
	return &Logger{base: base, sugar: base.Sugar()}, nil
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	base := zap.NewNop()
	return &Logger{base: base, sugar: base.Sugar()}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) log(lvl Level, format string, v ...any) {
	if l == nil {
		return
	}
	switch lvl {
	case LevelDebug:
		l.sugar.Debugf(format, v...)
	case LevelInfo:
		l.sugar.Infof(format, v...)
	case LevelWarn:
		l.sugar.Warnf(format, v...)
	case LevelError:
		l.sugar.Errorf(format, v...)
	case LevelFatal:
		l.sugar.Fatalf(format, v...)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, f, v...) }

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger { return l.base }

func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.base.Sync()
}

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
