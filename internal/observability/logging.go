package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log output is configured from the environment so every binary behaves the
// same way:
//
//	PERPMARK_LOG_LEVEL   trace|debug|info|warn|error (default info)
//	PERPMARK_LOG_FORMAT  json|text (default json)
const (
	envLogLevel  = "PERPMARK_LOG_LEVEL"
	envLogFormat = "PERPMARK_LOG_FORMAT"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns a component logger on stdout at the environment's level.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv(envLogLevel)))
}

// NewLoggerWithLevel is NewLogger with a fixed level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(logWriter(os.Stdout, os.Getenv(envLogFormat)), component, level)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

// logWriter wraps out in a console writer for the text format.
func logWriter(out io.Writer, format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}

// parseLogLevel falls back to info for empty or unknown levels.
func parseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
