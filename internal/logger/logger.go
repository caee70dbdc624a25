package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is stamped on every log line.
const ServiceName = "exstem-integrity"

// Setup builds the root logger and sets the global level.
//   - level: trace, debug, info, warn, error, fatal or panic; anything else is info
//   - format: "pretty" for colourised console output, otherwise JSON lines
//
// Caller information is only attached at debug level and below.
func Setup(level, format string) zerolog.Logger {
	lvl := parseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	ctx := zerolog.New(newWriter(format, os.Stdout)).
		With().
		Timestamp().
		Str("service", ServiceName)
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log := ctx.Logger()

	zerolog.DefaultContextLogger = &log
	return log
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func newWriter(format string, out io.Writer) io.Writer {
	if format == "pretty" {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}
