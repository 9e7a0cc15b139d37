package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the process logger. Level accepts the usual zerolog names
// (debug, info, warn, error); anything unrecognized falls back to info.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Discard returns a logger that drops everything, for components whose
// dependencies were not wired with one.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}
