// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat snake_case names matching the koanf struct tags.
// - New returns defaults; Load layers a YAML file and the environment on top.
// - Durations are configured in milliseconds and exposed as time.Duration.
package config

import (
	"fmt"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address of the development shim, e.g. ":9080".
	Addr string `koanf:"addr"`

	// ReorderWindow is how far, in sequence numbers, an event may trail the
	// newest one and still be ordered correctly.
	ReorderWindow uint64 `koanf:"reorder_window"`

	// SequencerCapacity bounds the number of events waiting to be ordered.
	SequencerCapacity int `koanf:"sequencer_capacity"`

	// MaxHoldMS releases an event held this long even if the watermark has
	// not passed it. Zero disables time-based release.
	MaxHoldMS int `koanf:"max_hold_ms"`

	// DrainIntervalMS is the processing worker's poll interval.
	DrainIntervalMS int `koanf:"drain_interval_ms"`

	// RelayAddr is the remote collector's host:port. Empty disables the relay.
	RelayAddr string `koanf:"relay_addr"`

	// RelayQueueSize bounds the outbound result queue.
	RelayQueueSize int `koanf:"relay_queue_size"`

	// AckTimeoutMS bounds the wait for a per-result acknowledgment.
	AckTimeoutMS int `koanf:"ack_timeout_ms"`

	// DialTimeoutMS bounds one connection attempt including the handshake.
	DialTimeoutMS int `koanf:"dial_timeout_ms"`

	// BackoffInitialMS and BackoffMaxMS shape the reconnect backoff.
	BackoffInitialMS int `koanf:"backoff_initial_ms"`
	BackoffMaxMS     int `koanf:"backoff_max_ms"`

	// ShutdownGraceMS bounds how long the relay may keep flushing at shutdown.
	ShutdownGraceMS int `koanf:"shutdown_grace_ms"`

	// HistorySize is the number of recent results kept for GET /results.
	HistorySize int `koanf:"history_size"`

	// CollectorAddr is the listen address of the standalone collector.
	CollectorAddr string `koanf:"collector_addr"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		Addr:              ":9080",
		ReorderWindow:     64,
		SequencerCapacity: 65_536,
		MaxHoldMS:         2_000,
		DrainIntervalMS:   50,
		RelayAddr:         "",
		RelayQueueSize:    64,
		AckTimeoutMS:      5_000,
		DialTimeoutMS:     3_000,
		BackoffInitialMS:  250,
		BackoffMaxMS:      30_000,
		ShutdownGraceMS:   5_000,
		HistorySize:       16,
		CollectorAddr:     ":9090",
	}
}

// Validate reports the first setting that cannot work, wrapped in
// ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return invalid("log_format must be text or json, got %q", c.LogFormat)
	case c.ReorderWindow == 0:
		return invalid("reorder_window must be positive")
	case c.SequencerCapacity <= 0:
		return invalid("sequencer_capacity must be positive")
	case c.MaxHoldMS < 0:
		return invalid("max_hold_ms must not be negative")
	case c.DrainIntervalMS <= 0:
		return invalid("drain_interval_ms must be positive")
	case c.RelayQueueSize <= 0:
		return invalid("relay_queue_size must be positive")
	case c.AckTimeoutMS <= 0:
		return invalid("ack_timeout_ms must be positive")
	case c.DialTimeoutMS <= 0:
		return invalid("dial_timeout_ms must be positive")
	case c.BackoffInitialMS <= 0:
		return invalid("backoff_initial_ms must be positive")
	case c.BackoffMaxMS < c.BackoffInitialMS:
		return invalid("backoff_max_ms (%d) must not be below backoff_initial_ms (%d)", c.BackoffMaxMS, c.BackoffInitialMS)
	case c.ShutdownGraceMS <= 0:
		return invalid("shutdown_grace_ms must be positive")
	case c.HistorySize <= 0:
		return invalid("history_size must be positive")
	}
	return nil
}

// MaxHold returns MaxHoldMS as a duration.
func (c *Config) MaxHold() time.Duration { return millis(c.MaxHoldMS) }

// DrainInterval returns DrainIntervalMS as a duration.
func (c *Config) DrainInterval() time.Duration { return millis(c.DrainIntervalMS) }

// AckTimeout returns AckTimeoutMS as a duration.
func (c *Config) AckTimeout() time.Duration { return millis(c.AckTimeoutMS) }

// DialTimeout returns DialTimeoutMS as a duration.
func (c *Config) DialTimeout() time.Duration { return millis(c.DialTimeoutMS) }

// BackoffInitial returns BackoffInitialMS as a duration.
func (c *Config) BackoffInitial() time.Duration { return millis(c.BackoffInitialMS) }

// BackoffMax returns BackoffMaxMS as a duration.
func (c *Config) BackoffMax() time.Duration { return millis(c.BackoffMaxMS) }

// ShutdownGrace returns ShutdownGraceMS as a duration.
func (c *Config) ShutdownGrace() time.Duration { return millis(c.ShutdownGraceMS) }

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
