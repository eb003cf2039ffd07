// Package logging builds the process zerolog loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns an info level JSON logger on stdout.
func New() zerolog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a JSON logger on stdout at level. Unknown levels fall
// back to info.
func NewWithLevel(level string) zerolog.Logger {
	return build(os.Stdout, level)
}

// NewConsole returns a human readable logger on w, used by the one-shot CLI
// commands.
func NewConsole(w io.Writer, level string) zerolog.Logger {
	return build(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}, level)
}

// Component derives a logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

// parseLevel accepts zerolog level names in any case plus "warning".
// Unknown or disabled levels fall back to info.
func parseLevel(value string) zerolog.Level {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "warning" {
		value = "warn"
	}
	level, err := zerolog.ParseLevel(value)
	if err != nil || value == "" || level == zerolog.NoLevel || level == zerolog.Disabled {
		return zerolog.InfoLevel
	}
	return level
}
