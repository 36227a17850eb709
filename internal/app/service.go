// Package service wires the sequencer, the processor, the processing worker
// and the relay into one application context owned by the host.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/healstats/internal/adapters/mq/worker"
	"github.com/okian/healstats/internal/adapters/relay"
	"github.com/okian/healstats/internal/adapters/repository"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/internal/domain/processor"
	"github.com/okian/healstats/internal/domain/sequencer"
	"github.com/okian/healstats/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Default service configuration constants.
const (
	defaultWindow        = 64
	defaultCapacity      = 1 << 16
	defaultMaxHold       = 2 * time.Second
	defaultDrainInterval = 50 * time.Millisecond
	defaultHistorySize   = 16
	defaultShutdownGrace = 5 * time.Second
)

// ErrStopped is returned by Start once the service has been stopped.
var ErrStopped = errors.New("service stopped")

// Service owns every component of the telemetry core. Hosts call Submit
// from their callback context; everything else runs in the background.
type Service struct {
	mu sync.RWMutex

	// Core components
	sequencer *sequencer.Sequencer
	processor *processor.Processor
	worker    *worker.InMemoryWorker
	relay     *relay.Client

	// Configuration
	window        uint64
	capacity      int
	maxHold       time.Duration
	drainInterval time.Duration
	relayAddr     string
	relayOpts     []relay.Option
	historySize   int
	shutdownGrace time.Duration

	// Recently finalized results.
	history   *repository.MemoryStore
	emitted   atomic.Uint64
	truncated atomic.Uint64

	// State
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithReorderWindow sets how far behind the newest event a record may arrive
// and still be ordered correctly.
func WithReorderWindow(window uint64) Option {
	return func(s *Service) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithSequencerCapacity bounds the number of buffered events.
func WithSequencerCapacity(capacity int) Option {
	return func(s *Service) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithMaxHold sets how long an event may wait for the watermark before it is
// released anyway. Zero disables time-based release.
func WithMaxHold(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.maxHold = d
		}
	}
}

// WithDrainInterval sets the processing worker's poll interval.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.drainInterval = d
		}
	}
}

// WithRelay enables forwarding of results to a remote collector at addr.
func WithRelay(addr string, opts ...relay.Option) Option {
	return func(s *Service) {
		s.relayAddr = addr
		s.relayOpts = append(s.relayOpts, opts...)
	}
}

// WithHistorySize sets how many recent results are kept for inspection.
func WithHistorySize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithShutdownGrace bounds how long Stop lets the relay flush.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.shutdownGrace = d
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Service. Components are built eagerly so Submit is safe
// before Start; events simply wait in the sequencer.
func New(opts ...Option) *Service {
	s := &Service{
		window:        defaultWindow,
		capacity:      defaultCapacity,
		maxHold:       defaultMaxHold,
		drainInterval: defaultDrainInterval,
		historySize:   defaultHistorySize,
		shutdownGrace: defaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}

	s.sequencer = sequencer.New(
		sequencer.WithWindow(s.window),
		sequencer.WithCapacity(s.capacity),
		sequencer.WithMaxHold(s.maxHold),
		sequencer.WithLogger(s.logger.Named("sequencer")),
	)
	s.processor = processor.New(
		processor.WithWatermark(s.sequencer.Released),
		processor.WithLogger(s.logger.Named("processor")),
	)
	if s.relayAddr != "" {
		ropts := append([]relay.Option{relay.WithLogger(s.logger.Named("relay"))}, s.relayOpts...)
		s.relay = relay.New(s.relayAddr, ropts...)
	}
	s.history = repository.NewMemoryStore(repository.WithCapacity(s.historySize))
	s.worker = worker.NewInMemoryWorker(s.sequencer, s.processor, worker.SinkFunc(s.emit),
		worker.WithDrainInterval(s.drainInterval),
		worker.WithLogger(s.logger.Named("worker")),
	)
	return s
}

// Start launches the processing worker and, when configured, the relay.
// The background goroutines outlive ctx's deadline; Stop ends them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.worker.Run(gctx)
		return nil
	})
	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Run(gctx)
		})
	}

	s.cancel = cancel
	s.group = g
	s.started = true
	s.logger.Info(ctx, "service started",
		logger.Op("start"),
		logger.Uint64("reorder_window", s.window),
		logger.Int("capacity", s.capacity),
		logger.Duration("max_hold", s.maxHold),
		logger.String("relay_addr", s.relayAddr),
	)
	return nil
}

// Submit hands one event to the sequencer. It never blocks and never fails;
// rejected events are counted and logged by the sequencer.
func (s *Service) Submit(ctx context.Context, ev model.SkillEvent) { //nolint:gocritic // hugeParam: events are values by contract
	s.sequencer.Submit(ctx, ev)
}

// SubmitBatch hands a batch of events to the sequencer in order.
func (s *Service) SubmitBatch(ctx context.Context, evs []model.SkillEvent) {
	s.sequencer.SubmitBatch(ctx, evs)
}

// emit is the worker's sink: it records the result and forwards it.
func (s *Service) emit(ctx context.Context, res model.Result) { //nolint:gocritic // hugeParam
	s.emitted.Add(1)
	if res.Truncated {
		s.truncated.Add(1)
	}

	if err := s.history.Put(ctx, res); err != nil {
		s.logger.Error(ctx, "failed to store result", logger.Op("emit"), logger.Error(err))
	}

	s.logger.Info(ctx, "encounter finalized",
		logger.Op("emit"),
		logger.String("encounter_id", res.EncounterID),
		logger.Bool("truncated", res.Truncated),
		logger.Int("participants", len(res.Participants)),
		logger.Int("entries", len(res.Entries)),
		logger.Duration("duration", res.Duration()),
	)
	if s.relay != nil {
		s.relay.Enqueue(ctx, res)
	}
}

// Recent returns up to n of the most recently finalized results, newest
// first. n <= 0 returns the whole history.
func (s *Service) Recent(n int) []model.Result {
	out, _ := s.history.Recent(context.Background(), max(n, 0))
	return out
}

// Result returns the finalized result of one encounter while it is still
// in the history.
func (s *Service) Result(encounterID string) (model.Result, bool) {
	res, err := s.history.Get(context.Background(), encounterID)
	return res, err == nil
}

// Stop shuts the core down in order: no new events, flush every buffered
// event through the processor, force-close open encounters, give the relay
// the grace period to deliver, then close its connection.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started, cancel, group := s.started, s.cancel, s.group
	s.mu.Unlock()

	s.sequencer.Close()
	if !started {
		if n := s.sequencer.Len(); n > 0 {
			s.logger.Warn(ctx, "service stopped before start, buffered events discarded",
				logger.Op("stop"),
				logger.Int("buffered", n),
			)
		}
		return nil
	}

	s.logger.Info(ctx, "stopping service", logger.Op("stop"))

	var errs []error
	if err := s.worker.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if s.relay != nil {
		graceCtx, cancelGrace := context.WithTimeout(ctx, s.shutdownGrace)
		if err := s.relay.Shutdown(graceCtx); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
		cancelGrace()
	}
	cancel()
	if err := group.Wait(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.logger.Info(ctx, "service stopped",
		logger.Op("stop"),
		logger.Uint64("results", s.emitted.Load()),
		logger.Uint64("truncated", s.truncated.Load()),
	)
	return errors.Join(errs...)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.sequencer.Stats()
	proc := s.processor.Stats()
	stats := map[string]interface{}{
		"started":       s.started,
		"reorderWindow": s.window,
		"sequencer": map[string]interface{}{
			"submitted": seq.Submitted,
			"accepted":  seq.Accepted,
			"drained":   seq.Drained,
			"buffered":  seq.Buffered,
			"watermark": uint64(seq.Watermark),
			"dropped": map[string]uint64{
				sequencer.ReasonMalformed: seq.Malformed,
				sequencer.ReasonDuplicate: seq.Duplicate,
				sequencer.ReasonLate:      seq.Late,
				sequencer.ReasonOverflow:  seq.Overflow,
				sequencer.ReasonClosed:    seq.Closed,
			},
		},
		"processor": map[string]interface{}{
			"processed":    proc.Processed,
			"applied":      proc.Applied,
			"unattributed": proc.Unattributed,
			"malformed":    proc.Malformed,
			"duplicate":    proc.Duplicate,
			"rejected":     proc.Rejected,
			"opened":       proc.Opened,
			"closed":       proc.Closed,
			"truncated":    proc.Truncated,
			"live":         proc.Live,
		},
		"results": s.emitted.Load(),
		"history": s.history.Count(context.Background()),
	}
	if s.relay != nil {
		rs := s.relay.Stats()
		stats["relay"] = map[string]interface{}{
			"state":    rs.State.String(),
			"queued":   rs.Queued,
			"sent":     rs.Sent,
			"retried":  rs.Retried,
			"rejected": rs.Rejected,
			"evicted":  rs.Evicted,
			"connects": rs.Connects,
			"failures": rs.Failures,
		}
	}
	return stats
}
