// Package logger configures the process-wide structured logger: one
// JSON line per event on stdout, verbosity from LOG_LEVEL. There is no
// logger type of our own; components receive a plain *slog.Logger and
// attach their context with With.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Format selects the handler encoding
type Format string

const (
	FormatJSON Format = "json" // service default
	FormatText Format = "text" // local runs
)

// ParseLevel maps the LOG_LEVEL values to slog levels
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug, nil
	case "info", "INFO", "":
		return slog.LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn, nil
	case "error", "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", level)
	}
}

// ParseFormat maps the LOG_FORMAT values to a Format
func ParseFormat(format string) (Format, error) {
	switch format {
	case "json", "JSON", "":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// New builds a logger writing to w
func New(w io.Writer, level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// FromEnv builds the service logger from LOG_LEVEL and LOG_FORMAT,
// writing to stdout. Unset variables fall back to INFO and json; an
// invalid value is a startup error.
func FromEnv() (*slog.Logger, error) {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}

	format, err := ParseFormat(os.Getenv("LOG_FORMAT"))
	if err != nil {
		return nil, err
	}

	return New(os.Stdout, level, format), nil
}
