package processor

import (
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
)

// Option applies a configuration option to the Processor.
type Option func(*Processor)

// WithLogger sets a custom logger for the processor.
func WithLogger(l logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWatermark ties finalization to an upstream stability point, usually
// the sequencer's last released sequence number. A finalizing encounter is
// emitted only once the watermark has reached its close marker. Without it
// the highest processed sequence number is used.
func WithWatermark(fn func() (model.Seq, bool)) Option {
	return func(p *Processor) {
		p.watermark = fn
	}
}

// WithIDGenerator replaces the encounter id generator.
func WithIDGenerator(fn func() string) Option {
	return func(p *Processor) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// WithDedupeSize sets how many applied sequence numbers are remembered.
func WithDedupeSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.dedupeSize = size
		}
	}
}
