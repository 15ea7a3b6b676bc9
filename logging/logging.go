// Package logging builds the zerolog logger shared by the bus, the producer and the consumers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config mirrors the knobs of a zerolog adapter: level, console or JSON output,
// caller reporting and the destination writer.
type Config struct {
	// Level is a zerolog level name: trace, debug, info, warn, error. Default info.
	Level string
	// Console switches to human readable output.
	Console bool
	// TimeFormat is used by the console writer. Default time.RFC3339.
	TimeFormat string
	// Caller adds file:line to each entry.
	Caller bool
	// Writer defaults to os.Stdout.
	Writer io.Writer
}

// ParseLevel accepts zerolog level names case-insensitively; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
	return lvl, nil
}

// New returns a logger for cfg with a timestamp on every entry.
func New(cfg Config) (zerolog.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	if cfg.Console {
		tf := cfg.TimeFormat
		if tf == "" {
			tf = time.RFC3339
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: tf}
	}

	zc := zerolog.New(w).Level(lvl).With().Timestamp()
	if cfg.Caller {
		zc = zc.Caller()
	}
	return zc.Logger(), nil
}

// Component returns l tagged with the emitting component.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
