// Package logging builds the process-wide zerolog logger: JSON or a pretty
// console writer as selected by Config.Format, one "service" field stamped
// on every event.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is one of "json" or "pretty".
	Format string
	// Service names the process in every log line ("shmserver"/"shmclient").
	Service string
}

// New builds a logger per cfg. An unrecognized Level falls back to info,
// an unrecognized Format falls back to JSON — this defaults rather than
// fails at log-build time; internal/config.Validate is where an
// unrecognized value should actually be rejected.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}
