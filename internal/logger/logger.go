// Package logger builds the slog handlers used by the stagehand binaries.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for file output.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options selects where and how much to log. An empty File logs to stderr.
type Options struct {
	Level string
	File  string
}

// New returns a text logger and a close function for its output.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if opts.File != "" {
		w := &lj.Logger{
			Filename:   opts.File,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
			Compress:   true,
		}
		out, closeFn = w, w.Close
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closeFn, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
