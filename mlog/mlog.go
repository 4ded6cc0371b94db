// Package mlog is the small leveled-logging wrapper used throughout the ICE
// bridge stack. It is the Go-idiomatic descendant of the original
// implementation's m3_logging module: a TRACE level below DEBUG, a
// multi-line-aware write path, and a package-level default logger that can
// have its level raised or lowered at runtime (ICE_DEBUG in the original,
// SetLevel here).
package mlog

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits one step below slog.LevelDebug, mirroring the original's
// TRACE level, which is more verbose than DEBUG.
const LevelTrace = slog.LevelDebug - 4

type lineSplittingHandler struct {
	slog.Handler
	out func(string)
}

// Handle logs each line of a multi-line message as its own record, matching
// split_line_logger's behavior in the original.
func (h *lineSplittingHandler) Handle(ctx context.Context, r slog.Record) error {
	if !strings.Contains(r.Message, "\n") {
		return h.Handler.Handle(ctx, r)
	}
	for _, line := range strings.Split(r.Message, "\n") {
		rec := slog.NewRecord(r.Time, r.Level, line, r.PC)
		if err := h.Handler.Handle(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// WithAttrs and WithGroup keep derived loggers (such as those from Get)
// wrapped in the line-splitting handler.
func (h *lineSplittingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lineSplittingHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

func (h *lineSplittingHandler) WithGroup(name string) slog.Handler {
	return &lineSplittingHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}

var levelVar = new(slog.LevelVar)

var defaultLogger = slog.New(&lineSplittingHandler{
	Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}),
})

func init() {
	levelVar.Set(slog.LevelInfo)
	if _, ok := os.LookupEnv("ICE_DEBUG"); ok {
		levelVar.Set(slog.LevelDebug)
	}
}

// SetLevel adjusts the process-wide minimum level, mirroring LoggerSetLevel.
func SetLevel(l slog.Level) { levelVar.Set(l) }

// Get returns a named child logger, mirroring get_logger(name).
func Get(name string) *slog.Logger { return defaultLogger.With("logger", name) }

// Default returns the package-level logger, mirroring getGlobalLogger().
func Default() *slog.Logger { return defaultLogger }

func Trace(msg string, args ...any) { defaultLogger.Log(context.Background(), LevelTrace, msg, args...) }
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }
func Info(msg string, args ...any)  { defaultLogger.Info(msg, args...) }
func Warn(msg string, args ...any)  { defaultLogger.Warn(msg, args...) }
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }
