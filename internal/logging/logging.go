// Package logging provides zerolog construction and context propagation
// helpers shared by every component of the bridge.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string

	// Format is "console" (human-readable, for terminals) or "json"
	// (one object per line, for log collection). Defaults to json.
	Format string

	// Writer overrides the output destination. Defaults to stderr.
	Writer io.Writer
}

// NewLogger builds a zerolog.Logger from cfg.
// Unknown levels fall back to info rather than failing startup.
func NewLogger(cfg Config) zerolog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ComponentLogger returns a child logger tagged with a component field.
// Every package that logs gets its own component name so log lines can be
// filtered per subsystem.
func ComponentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// FromContext returns the logger stored in ctx, or a disabled logger when
// none was attached. Use logger.WithContext(ctx) to attach one.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
