package core

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig is threaded from the CLI into every component that logs.
type LogConfig struct {
	Level zerolog.Level
	// WorkerLevel is the floor applied to worker slot loggers so that
	// chatter from inside the pool stays off the console.
	WorkerLevel zerolog.Level
	Console     bool
	File        string
	// Stderr replaces os.Stderr as the console destination.
	Stderr io.Writer
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: zerolog.WarnLevel, WorkerLevel: zerolog.WarnLevel}
}

// ParseLevel maps a level name to a zerolog level. Unknown names fall back to warn.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.WarnLevel
	}
}

// VerbosityLevel follows the -v / -vv convention: warn, info, debug.
func VerbosityLevel(count int) zerolog.Level {
	switch {
	case count >= 2:
		return zerolog.DebugLevel
	case count == 1:
		return zerolog.InfoLevel
	default:
		return zerolog.WarnLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the run logger. The log file, when set, is truncated.
// The returned closer releases the file.
func NewLogger(cfg LogConfig) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if cfg.Console {
		out := cfg.Stderr
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	if cfg.File != "" {
		f, err := os.Create(cfg.File)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		writers = append(writers, zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.RFC3339})
	}
	if len(writers) == 0 {
		return zerolog.Nop(), closer, nil
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.Level).
		With().Timestamp().Logger()
	return logger, closer, nil
}

// workerLogger never logs more than base does, and never below floor.
func workerLogger(base zerolog.Logger, floor zerolog.Level, slot int) zerolog.Logger {
	level := base.GetLevel()
	if floor > level {
		level = floor
	}
	return base.Level(level).With().Str("component", "pool").Int("slot", slot).Logger()
}
