package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. An unknown level falls back to info.
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", "printwatch").Logger()
}

// Console is New with human-readable output, for interactive use.
func Console(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}, level)
}

// ForFormat returns Console for "console" and the JSON logger otherwise.
func ForFormat(w io.Writer, format, level string) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return Console(w, level)
	}
	return New(w, level)
}
