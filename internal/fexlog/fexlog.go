// Package fexlog wires up fexd's logging: a colorized tint handler for
// the terminal plus a sequence-numbered file handler, fanned out through
// a MultiLogHandler the way the teacher's cmd/client/main.go does for
// its own daemon logs.
package fexlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Options controls verbosity and destination.
type Options struct {
	Debug   bool
	Verbose int // repeated -v count; one keeps info, two or more select debug
	LogFile string
}

// Setup installs the process-wide slog default logger and returns a
// closer to flush/close the log file.
func Setup(opts Options) (func() error, error) {
	level := slog.LevelInfo
	switch {
	case opts.Debug:
		level = slog.LevelDebug
	case opts.Verbose >= 2:
		level = slog.LevelDebug
	case opts.Verbose == 1:
		level = slog.LevelInfo
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}
	closer := func() error { return nil }

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("fexlog: create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("fexlog: open log file: %w", err)
		}
		interceptor := newLogInterceptor(f)
		fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		handlers = append(handlers, fileHandler)
		closer = func() error {
			if err := interceptor.Close(); err != nil {
				return err
			}
			return f.Close()
		}
	}

	slog.SetDefault(slog.New(newMultiHandler(handlers...)))
	return closer, nil
}

// multiHandler fans a single log record out to every wrapped handler,
// skipping handlers that wouldn't have logged at that level.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if e := handler.Handle(ctx, r.Clone()); e != nil {
				err = e
			}
		}
	}
	return err
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return newMultiHandler(next...)
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return newMultiHandler(next...)
}

var _ io.Writer = (*logInterceptor)(nil)
