package worker

import (
	"time"

	"github.com/okian/healstats/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithDrainInterval sets how often the source is polled when it did not
// signal readiness, which is what releases max-hold events.
func WithDrainInterval(d time.Duration) Option {
	return func(w *InMemoryWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(logger logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}
