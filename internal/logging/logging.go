// Package logging builds the structured loggers used by the CLI and the syncer.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// EnvLogLevel overrides the configured log level when set
const EnvLogLevel = "TIMELINE_LOG_LEVEL"

// Options configures a logger.
type Options struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// Output is the writer for log output (default: os.Stderr)
	Output io.Writer
	// Prefix is the component name prefix
	Prefix string
	// ReportTimestamp adds timestamps to log entries
	ReportTimestamp bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Level:           "info",
		Output:          os.Stderr,
		ReportTimestamp: true,
	}
}

// ParseLevel converts a level name to log.Level. Unknown names map to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// New creates a logger with the given options, respecting TIMELINE_LOG_LEVEL.
func New(opts Options) *log.Logger {
	if level := os.Getenv(EnvLogLevel); level != "" {
		opts.Level = level
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	return log.NewWithOptions(opts.Output, log.Options{
		Level:           ParseLevel(opts.Level),
		Prefix:          opts.Prefix,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: opts.ReportTimestamp,
	})
}

// Discard returns a logger that drops everything, for tests and library callers.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
