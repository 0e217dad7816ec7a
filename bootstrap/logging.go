package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/najoast/snipc/config"
)

// SlogLevel converts a configured level to slog.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by cfg. The handler reads
// its level from level, so a later level.Set takes effect immediately. The
// returned closer releases a log file, if one was opened.
func NewLogger(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, io.Closer, error) {
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(SlogLevel(cfg.Level))

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
