package sequencer

import (
	"time"

	"github.com/okian/healstats/pkg/logger"
)

// Option applies a configuration option to the Sequencer.
type Option func(*Sequencer)

// WithWindow sets the reorder window: how far behind the highest sequence
// number an event may arrive and still be ordered correctly.
func WithWindow(window uint64) Option {
	return func(s *Sequencer) {
		if window > 0 {
			s.window = int64(window)
		}
	}
}

// WithCapacity bounds the number of buffered events.
func WithCapacity(capacity int) Option {
	return func(s *Sequencer) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithMaxHold releases an event once it has been buffered for d even if the
// watermark has not reached it. Zero disables time-based release.
func WithMaxHold(d time.Duration) Option {
	return func(s *Sequencer) {
		if d >= 0 {
			s.maxHold = d
		}
	}
}

// WithDedupeSize sets how many sequence numbers are remembered to tell
// duplicates from late events.
func WithDedupeSize(size int) Option {
	return func(s *Sequencer) {
		s.dedupeSize = size
	}
}

// WithClock replaces the wall clock used for max-hold decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the sequencer.
func WithLogger(l logger.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}
