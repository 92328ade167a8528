// Package logging builds the application logger.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New creates a [log.Logger] writing to w with timestamps enabled.
//
// The writer defaults to [os.Stderr]. An unknown level falls back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, Level: ParseLevel(level)}
	return log.NewWithOptions(w, opts)
}

// ParseLevel parses a level name, falling back to info.
func ParseLevel(level string) log.Level {
	l, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return l
}

// With creates a child [log.Logger] with the key-value pairs added to all entries.
func With(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}
