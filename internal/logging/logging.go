// Package logging constructs the process-wide structured logger. Every
// component receives a zerolog.Logger derived from the one built here;
// nothing in the runtime logs through the standard library logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted by Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format names accepted by Config.Format.
const (
	FormatJSON   = "json"   // machine-readable, one object per line
	FormatPretty = "pretty" // human-readable console output for local dev
)

// Config selects the minimum level and output format.
type Config struct {
	Level  string
	Format string
}

// New builds the process logger. Unknown levels fall back to info; unknown
// formats fall back to JSON.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "ionrelay").
		Logger()
}

// LogPanic logs a recovered panic with its stack trace. Use in the defer
// recover() block every runtime-spawned goroutine carries, so a handler or
// task panic never crosses a goroutine boundary uncaught.
func LogPanic(logger zerolog.Logger, panicValue any, msg string) {
	logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
}
