package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

func setLevel(l zerolog.Level) {
	zerolog.SetGlobalLevel(l)
}

// Setup configures the package logger. level is any zerolog level name,
// format is either "console" or "json".
func Setup(level, format string) error {
	return SetupWriter(os.Stdout, level, format)
}

func SetupWriter(out io.Writer, level, format string) error {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if l == zerolog.NoLevel {
		l = zerolog.InfoLevel
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}

	setLevel(l)
	log = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Logger exposes the package logger for structured fields.
func Logger() *zerolog.Logger {
	return &log
}

func InfoF(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}

func DebugF(format string, v ...interface{}) {
	log.Debug().Msgf(format, v...)
}

func ErrorF(format string, v ...interface{}) {
	log.Error().Msgf(format, v...)
}

func WarnF(format string, v ...interface{}) {
	log.Warn().Msgf(format, v...)
}

func PanicF(format string, v ...interface{}) {
	log.Panic().Msgf(format, v...)
}

func init() {
	setLevel(zerolog.InfoLevel)
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log = zerolog.New(output).With().Timestamp().Logger()
}
