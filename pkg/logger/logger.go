package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LogLevelVar  = "LOG_LEVEL"
	LogFormatVar = "LOG_FORMAT"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = NewLogger(os.Getenv(LogLevelVar), os.Getenv(LogFormatVar))
	zerolog.DefaultContextLogger = &log.Logger
}

// NewLogger builds a logger with the given level and format ("json" or "console").
// Invalid values fall back to info level and the console format.
func NewLogger(logLevel, logFormat string) zerolog.Logger {
	level := zerolog.InfoLevel
	if logLevel != "" {
		parsed, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			log.Warn().Err(err).Msgf("invalid log level '%s', setting 'info' level", logLevel)
		} else {
			level = parsed
		}
	}

	var enableJsonLogs bool
	switch logFormat {
	case "json":
		enableJsonLogs = true
	case "console", "":
	default:
		log.Warn().Msgf("invalid log format '%s', setting 'console' format", logFormat)
	}

	if enableJsonLogs {
		return zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Caller().
		Int("pid", os.Getpid()).
		Logger()
}

func WithContext(ctx context.Context, c zerolog.Context) (context.Context, *zerolog.Logger) {
	logCopy := c.Logger()
	ctx = logCopy.WithContext(ctx)
	return ctx, &logCopy
}
