// Package logging sets up the single structured logger every component
// writes through (SPEC_FULL.md §10.1): connection lifecycle at info,
// frame/parse rejects and per-request failures at debug, backend/transport
// failures at warn, startup failures at error.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w at the given level. An empty
// level string defaults to "info"; an unrecognized one also falls back to
// info rather than failing startup over a typo in a log level.
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// NewConsole builds a human-readable console logger, for local runs outside
// a log-aggregated deployment.
func NewConsole(level string) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr}, level)
}
