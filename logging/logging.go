/*
Package logging wraps zerolog the way this corpus's service-side log
packages do (see pkg/log in the retrieved cuemby-warren repo), adapted for
a library rather than a long-running service: no package-level global
logger, since an embedded store can be opened more than once per process
and each instance should own its own logger (DESIGN.md records this
deviation and why).

PURPOSE:
  New builds the root *zerolog.Logger for a store. Component derives a
  child logger scoped to one subsystem ("transactor", "schema", "sqlite"),
  matching the field this corpus's log packages call WithComponent.
*/
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the four levels this corpus's logging packages expose.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how New builds a logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stderr
}

// New builds a root logger from cfg.
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case InfoLevel, "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a child logger scoped to one subsystem, the way this
// corpus's WithComponent helpers do, but off an instance rather than a
// package global.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything, for callers that open a
// store without supplying logging.Config.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
