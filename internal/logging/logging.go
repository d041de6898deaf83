// Package logging wires the server's structured logger: a single
// slog.Logger multiplexed to stdout and an optional log file, with the
// level switchable at runtime via a shared LevelVar. Every other
// package takes a *slog.Logger through its Config rather than reaching
// for the bare log package or fmt.Println.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

var level = new(slog.LevelVar)

// Options configures New.
type Options struct {
	// Level is one of "debug", "info", "warn", "error"; anything else
	// falls back to "info".
	Level string
	// LogFile, if non-empty, is opened in append mode and tee'd
	// alongside stdout.
	LogFile string
}

// New builds the process-wide logger and returns it. It also calls
// slog.SetDefault so library code that reaches for slog.Default() (for
// example a zero-value eventloop.Loop) picks it up automatically.
func New(opts Options) (*slog.Logger, error) {
	level.Set(parseLevel(opts.Level))

	writers := []io.Writer{os.Stdout}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	log := slog.New(handler)
	slog.SetDefault(log)
	return log, nil
}

// SetLevel adjusts the shared level at runtime, e.g. in response to a
// SIGUSR1 toggling --debug on a running server.
func SetLevel(l string) { level.Set(parseLevel(l)) }

func parseLevel(l string) slog.Level {
	switch l {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
