// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled silences all output.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", "statsync").
		Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForJob derives a logger carrying the job and sourcetype fields.
func ForJob(parent zerolog.Logger, job, sourcetype string) zerolog.Logger {
	return parent.With().
		Str("job", job).
		Str("sourcetype", sourcetype).
		Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Each upstream page (endpoint, page number, cursor)
//   - Cache hit/miss
//   - Each HEC send (bytes, events)
//
// Info: Normal operation events
//   - Health event delivered
//   - Batch flushed (job, batch number, size, running total)
//   - Job started and finished
//   - Replay progress
//
// Warn: Warning conditions that don't prevent operation
//   - TLS verification disabled
//   - Rate limit throttling and 429 cool-downs
//   - Retry attempts
//   - Redis unavailable (cache, replay fallback)
//
// Error: Error conditions requiring attention
//   - Job failed (retrieval or sink error)
//   - Health event rejected
//   - Configuration errors
//
// Context Fields:
//   - job: job name (teams, box_scores, stats)
//   - sourcetype: HEC sourcetype of the job
//   - endpoint: upstream API path
//   - page: 1-based page index
//   - batch: 1-based batch index
//   - status: HTTP status code
//   - error_class: client, server, rate_limit, network
