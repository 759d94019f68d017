// Package log wires the engine's structured logging: a global
// zerolog.Logger initialized once from a Config, with WithX helpers
// building child loggers for a given scope.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger; shards and the router build child
// loggers from it with With().Int("shard", ...) / .Str("component", ...).
var Logger zerolog.Logger

// Level is a coarse log verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration; cmd/meshdb builds it from its
// --log-level and --log-json flags.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the package-level Logger. Called once at process start
// by cmd/meshdb before any shard is opened.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning component
// (e.g. "router", "vacuum-loop").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
