// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/adraguidev/reportsync/internal/config"
)

// Rotation limits for the log file.
const (
	MaxSizeMB  = 20
	MaxBackups = 5
	MaxAgeDays = 30
)

// ParseLevel maps a level name to a slog.Level. Unknown names are an
// error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

// Setup returns a logger writing to stderr and, when cfg.File is set, to a
// size-rotated file. The returned closer flushes and closes the file; it is
// never nil. The logger is also installed as slog's default.
func Setup(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LogConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nopCloser{}, err
	}

	out := console
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
			LocalTime:  true,
		}
		out = io.MultiWriter(console, rotated)
		closer = rotated
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		closer.Close()
		return nil, nopCloser{}, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
