// Package logger provides the engine's structured logging surface.
//
// It wraps log/slog so call sites can log without depending on slog
// directly, and fans out to multiple sinks (e.g. a human-readable stderr
// writer and a JSON file writer) via slog-multi.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the logging interface used throughout the engine.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// With returns a Logger that always includes the given key/value pairs.
	With(kv ...any) Logger
}

// Format controls how the primary sink renders records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// NewArgs configures a new Logger.
type NewArgs struct {
	Debug  bool
	Format Format
	// Primary overrides the primary sink's writer; defaults to os.Stderr.
	Primary io.Writer
	// Writers receives additional sinks beyond the primary (e.g. a log
	// file). Every sink always receives JSON-formatted records; only the
	// primary sink respects Format.
	Writers []io.Writer
}

type logger struct {
	sl *slog.Logger
}

// New builds a Logger per args.
func New(args NewArgs) Logger {
	level := slog.LevelInfo
	if args.Debug {
		level = slog.LevelDebug
	}
	primary := args.Primary
	if primary == nil {
		primary = os.Stderr
	}

	handlers := []slog.Handler{primaryHandler(primary, args.Format, level)}
	for _, w := range args.Writers {
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = slogmulti.Fanout(handlers...)
	}

	return &logger{sl: slog.New(handler)}
}

func primaryHandler(w io.Writer, format Format, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, AddSource: true}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (l *logger) log(level slog.Level, msg string, kv ...any) {
	if !l.sl.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(kv...)
	_ = l.sl.Handler().Handle(context.Background(), r)
}

func (l *logger) Debug(msg string, kv ...any) { l.log(slog.LevelDebug, msg, kv...) }
func (l *logger) Info(msg string, kv ...any)  { l.log(slog.LevelInfo, msg, kv...) }
func (l *logger) Warn(msg string, kv ...any)  { l.log(slog.LevelWarn, msg, kv...) }
func (l *logger) Error(msg string, kv ...any) { l.log(slog.LevelError, msg, kv...) }

func (l *logger) Fatal(msg string, kv ...any) {
	l.log(slog.LevelError, msg, kv...)
	os.Exit(1)
}

func (l *logger) Debugf(format string, args ...any) { l.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (l *logger) Infof(format string, args ...any)  { l.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l *logger) Warnf(format string, args ...any)  { l.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l *logger) Errorf(format string, args ...any) { l.log(slog.LevelError, fmt.Sprintf(format, args...)) }

func (l *logger) With(kv ...any) Logger {
	return &logger{sl: l.sl.With(kv...)}
}
