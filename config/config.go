/*
Package config assembles the options Open needs to bring up a store:
where the database file lives, whether it is encrypted at rest, and which
logger to wire into every component (spec.md §6, engine pragmas; §11
ambient stack).

PATTERN:
  Functional options, as used throughout this corpus's server
  constructors. FromEnv additionally binds LOOM_-prefixed environment
  variables with spf13/viper, the way open-policy-agent/opa's
  cmd/internal/env package binds OPA_-prefixed variables onto flags — here
  there is no flag set to bind onto, so FromEnv builds an Options value
  directly.
*/
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/loomdb/loom/logging"
)

// Options controls how Open constructs a store.
type Options struct {
	Path           string // ":memory:" for an in-memory engine; must not be empty
	EncryptionKey  string // empty disables encryption at rest
	Logger         zerolog.Logger
	WALAutocheckpoint int
	BusyTimeoutMS  int
}

// Option mutates an Options value being assembled by Open.
type Option func(*Options)

// Default returns the baseline Options an in-memory, unencrypted,
// silently-logging store uses when the caller supplies no options.
func Default() Options {
	return Options{
		Path:              ":memory:",
		Logger:            logging.Nop(),
		WALAutocheckpoint: 1000,
		BusyTimeoutMS:     5000,
	}
}

func WithPath(path string) Option {
	return func(o *Options) { o.Path = path }
}

func WithEncryptionKey(key string) Option {
	return func(o *Options) { o.EncryptionKey = key }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithLoggingConfig(cfg logging.Config) Option {
	return func(o *Options) { o.Logger = logging.New(cfg) }
}

func WithWALAutocheckpoint(pages int) Option {
	return func(o *Options) { o.WALAutocheckpoint = pages }
}

func WithBusyTimeout(ms int) Option {
	return func(o *Options) { o.BusyTimeoutMS = ms }
}

// Apply folds opts onto Default() and returns the resulting Options.
func Apply(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FromEnv reads LOOM_PATH, LOOM_ENCRYPTION_KEY, LOOM_WAL_AUTOCHECKPOINT
// and LOOM_BUSY_TIMEOUT_MS from the environment via viper, returning an
// Option that layers them onto whatever Default() or earlier options
// already set. A variable that is unset leaves the existing value alone.
func FromEnv() Option {
	v := viper.New()
	v.SetEnvPrefix("loom")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	return func(o *Options) {
		if v.IsSet("path") {
			o.Path = v.GetString("path")
		}
		if v.IsSet("encryption_key") {
			o.EncryptionKey = v.GetString("encryption_key")
		}
		if v.IsSet("wal_autocheckpoint") {
			o.WALAutocheckpoint = v.GetInt("wal_autocheckpoint")
		}
		if v.IsSet("busy_timeout_ms") {
			o.BusyTimeoutMS = v.GetInt("busy_timeout_ms")
		}
	}
}

// Validate reports whether o describes an openable store.
func (o Options) Validate() error {
	if o.Path == "" {
		return fmt.Errorf("config: path must not be empty (use \":memory:\" explicitly)")
	}
	if o.WALAutocheckpoint < 0 {
		return fmt.Errorf("config: wal autocheckpoint must be non-negative")
	}
	return nil
}

// DiscardLogger is a convenience Option for tests that don't want log
// noise but also don't want to import zerolog directly.
func DiscardLogger() Option {
	return WithLogger(zerolog.New(io.Discard))
}
