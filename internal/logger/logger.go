// Package logger holds the process-wide structured logger used by pmemkit
// packages. Output is discarded until Init enables it.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// EnvLevel is read for the minimum level when Options.Level is nil.
const EnvLevel = "PMEMKIT_LOG_LEVEL"

var current atomic.Pointer[slog.Logger]

func init() { current.Store(discard()) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Options configures Init.
type Options struct {
	Enabled bool
	Output  io.Writer   // os.Stderr when nil
	Level   *slog.Level // EnvLevel, then slog.LevelInfo, when nil
	JSON    bool
}

// Init replaces the package logger. It is safe to call while other
// goroutines log.
func Init(opts Options) {
	if !opts.Enabled {
		current.Store(discard())
		return
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(os.Getenv(EnvLevel))
	if opts.Level != nil {
		level = *opts.Level
	}
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(out, ho)
	if opts.JSON {
		h = slog.NewJSONHandler(out, ho)
	}
	current.Store(slog.New(h))
}

// ParseLevel accepts debug, info, warn, warning and error in any case.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func Debug(msg string, args ...any) { current.Load().Debug(msg, args...) }
func Info(msg string, args ...any)  { current.Load().Info(msg, args...) }
func Warn(msg string, args ...any)  { current.Load().Warn(msg, args...) }
func Error(msg string, args ...any) { current.Load().Error(msg, args...) }
