package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/config"
)

// New builds the process logger from config. LOG_FORMAT=console switches to
// the human readable writer, anything else logs JSON lines to stdout.
func New(cfg config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return newLogger(w, cfg.LogLevel)
}

func newLogger(w io.Writer, lvl string) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Str("service", "apptsched").Logger()

	level, err := zerolog.ParseLevel(lvl)
	if err != nil || lvl == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
