package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format is "json" for CloudWatch or
// "console" for local runs.
func New(service, level, format string) zerolog.Logger {
	return newLogger(os.Stdout, service, level, format)
}

func newLogger(out io.Writer, service, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(out).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
