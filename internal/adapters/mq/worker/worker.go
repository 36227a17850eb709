// Package worker runs the dedicated processing loop that moves events from
// the sequencer through the processor and hands finished results on.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
)

// Default worker configuration constants.
const (
	defaultDrainInterval = 50 * time.Millisecond
)

// Source yields ordered events.
type Source interface {
	// Drain returns the events that became stable.
	Drain(ctx context.Context) []model.SkillEvent
	// Flush returns everything still buffered, stable or not.
	Flush(ctx context.Context) []model.SkillEvent
	// Ready fires when Drain has something to return.
	Ready() <-chan struct{}
}

// Processor folds ordered events into results.
type Processor interface {
	Process(ctx context.Context, ev model.SkillEvent)
	PollFinalized(ctx context.Context) (model.Result, bool)
	CloseAll(ctx context.Context) []model.Result
}

// Sink receives finished results. Enqueue must not block on I/O.
type Sink interface {
	Enqueue(ctx context.Context, res model.Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res model.Result)

// Enqueue calls f.
func (f SinkFunc) Enqueue(ctx context.Context, res model.Result) { f(ctx, res) } //nolint:gocritic // hugeParam

// Worker drives a processing loop.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or Shutdown is called.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	// It flushes every buffered event and closes open encounters first.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker over in-process components.
type InMemoryWorker struct {
	source    Source
	processor Processor
	sink      Sink
	name      string
	interval  time.Duration

	// Shutdown control
	stopOnce sync.Once
	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(source Source, processor Processor, sink Sink, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		source:    source,
		processor: processor,
		sink:      sink,
		name:      "worker",
		interval:  defaultDrainInterval,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Named(w.name)
	}
	return w
}

// Run processes until shutdown. Cancellation of ctx also ends the loop, but
// the final flush still runs so no buffered event is silently lost.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "worker started", logger.Op("run"), logger.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.finish(context.WithoutCancel(ctx))
			return
		case <-w.shutdown:
			w.finish(ctx)
			return
		case <-w.source.Ready():
			w.step(ctx, w.source.Drain(ctx))
		case <-ticker.C:
			w.step(ctx, w.source.Drain(ctx))
		}
	}
}

// step applies events in order and forwards every result that finalized.
func (w *InMemoryWorker) step(ctx context.Context, evs []model.SkillEvent) int {
	for i := range evs {
		w.processor.Process(ctx, evs[i])
	}
	emitted := 0
	for {
		res, ok := w.processor.PollFinalized(ctx)
		if !ok {
			return emitted
		}
		w.sink.Enqueue(ctx, res)
		emitted++
	}
}

// finish pushes the remaining buffered events through and force-closes
// whatever encounters are still live.
func (w *InMemoryWorker) finish(ctx context.Context) {
	evs := w.source.Flush(ctx)
	emitted := w.step(ctx, evs)

	rest := w.processor.CloseAll(ctx)
	for _, res := range rest {
		w.sink.Enqueue(ctx, res)
	}
	w.logger.Info(ctx, "worker stopped",
		logger.Op("shutdown"),
		logger.Int("flushed_events", len(evs)),
		logger.Int("results", emitted+len(rest)),
		logger.Int("force_closed", len(rest)),
	)
}

// Shutdown signals the loop to flush and stop, then waits for it.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out", logger.Op("shutdown"))
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed once Run has returned.
func (w *InMemoryWorker) Done() <-chan struct{} {
	return w.done
}
