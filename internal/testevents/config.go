package testevents

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration constants.
const (
	DefaultBaseURL       = "http://localhost:9080"
	DefaultEncounters    = 8
	DefaultEventsPer     = 200
	DefaultAgents        = 5
	DefaultShuffleSpan   = 16
	DefaultDuplicateRate = 0.05
	DefaultBatchSize     = 256
	DefaultTimeout       = 30 * time.Second
	DefaultSettleTimeout = 30 * time.Second
	DefaultPollInterval  = 250 * time.Millisecond

	// maxResultsLimit is the largest limit the results endpoint accepts.
	maxResultsLimit = 100
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid test configuration")

// Config holds configuration for the event test.
type Config struct {
	BaseURL       string        // Base URL of the service
	Encounters    int           // Number of encounters in the session
	EventsPer     int           // Combat events per encounter
	Agents        int           // Agents per team
	ShuffleSpan   int           // Events are shuffled within blocks of this size
	DuplicateRate float64       // Probability of re-sending an event
	BatchSize     int           // Events per POST
	SeqBase       uint64        // First sequence number; zero derives one from the clock
	Seed          uint64        // Generator seed; zero picks one at random
	Timeout       time.Duration // HTTP request timeout
	SettleTimeout time.Duration // How long to wait for results to appear
	PollInterval  time.Duration // Results polling interval
	OutputFile    string        // Optional file the generated batch is written to
	Verbose       bool          // Log every mismatch
}

// NewConfig returns a configuration with defaults.
func NewConfig() *Config {
	return &Config{
		BaseURL:       DefaultBaseURL,
		Encounters:    DefaultEncounters,
		EventsPer:     DefaultEventsPer,
		Agents:        DefaultAgents,
		ShuffleSpan:   DefaultShuffleSpan,
		DuplicateRate: DefaultDuplicateRate,
		BatchSize:     DefaultBatchSize,
		Timeout:       DefaultTimeout,
		SettleTimeout: DefaultSettleTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

// Validate checks the configuration for values the run cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("%w: base url must not be empty", ErrInvalidConfig)
	case c.Encounters < 1:
		return fmt.Errorf("%w: encounters must be positive", ErrInvalidConfig)
	case c.Encounters > maxResultsLimit:
		return fmt.Errorf("%w: at most %d encounters can be verified", ErrInvalidConfig, maxResultsLimit)
	case c.EventsPer < 1:
		return fmt.Errorf("%w: events per encounter must be positive", ErrInvalidConfig)
	case c.Agents < 1:
		return fmt.Errorf("%w: agents must be positive", ErrInvalidConfig)
	case c.ShuffleSpan < 1:
		return fmt.Errorf("%w: shuffle span must be positive", ErrInvalidConfig)
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return fmt.Errorf("%w: duplicate rate must be within [0, 1]", ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.Timeout <= 0 || c.SettleTimeout <= 0 || c.PollInterval <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats holds test statistics.
type Stats struct {
	SessionID       string
	Encounters      int
	EventsGenerated int
	Duplicates      int
	EventsSent      int
	Batches         int
	Retries         int
	Verified        int
	Missing         int
	Mismatched      int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
