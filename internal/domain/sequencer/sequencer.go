// Package sequencer turns the host's raw, possibly reordered and duplicated
// event stream into a strictly ascending, deduplicated stream.
//
// Events are buffered in a min-heap keyed by sequence number. The stability
// watermark trails the highest sequence number seen by the reorder window;
// buffered events at or below it (or held longer than the max hold time) are
// released by Drain in ascending order. Anything arriving at or below what
// was already released, or further behind the highest sequence than the
// window allows, is dropped with a diagnostic rather than misordered.
package sequencer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/okian/healstats/internal/domain/dedupe"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
	"github.com/okian/healstats/pkg/metrics"
)

// Default sequencer configuration constants.
const (
	defaultWindow     = 64
	defaultCapacity   = 1 << 16
	defaultMaxHold    = 2 * time.Second
	minDedupeCapacity = 1024
)

// Drop reasons, also used as metric labels.
const (
	ReasonMalformed = "malformed"
	ReasonDuplicate = "duplicate"
	ReasonLate      = "late"
	ReasonOverflow  = "overflow"
	ReasonClosed    = "closed"
)

// Stats is a point-in-time view of sequencer counters.
type Stats struct {
	Submitted uint64
	Accepted  uint64
	Drained   uint64
	Malformed uint64
	Duplicate uint64
	Late      uint64
	Overflow  uint64
	Closed    uint64
	Buffered  int
	Watermark model.Seq
	Released  model.Seq
}

// Dropped sums every drop reason.
func (s Stats) Dropped() uint64 {
	return s.Malformed + s.Duplicate + s.Late + s.Overflow + s.Closed
}

type item struct {
	ev      model.SkillEvent
	arrived time.Time
}

// eventHeap orders buffered events by sequence number.
type eventHeap []item

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].ev.Seq.Before(h[j].ev.Seq) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(item)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// Sequencer enforces a total order over submitted events.
type Sequencer struct {
	mu sync.Mutex

	window      int64
	capacity    int
	maxHold     time.Duration
	dedupeSize  int
	now         func() time.Time
	buf         eventHeap
	seen        dedupe.Deduper[model.Seq]
	highest     model.Seq
	hasHighest  bool
	released    model.Seq
	hasReleased bool
	closed      bool
	stats       Stats

	ready  chan struct{}
	logger logger.Logger
}

// New creates a sequencer with configuration options.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		window:   defaultWindow,
		capacity: defaultCapacity,
		maxHold:  defaultMaxHold,
		now:      time.Now,
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("sequencer")
	}

	size := s.dedupeSize
	if size <= 0 {
		size = s.capacity + 2*int(s.window)
		if size < minDedupeCapacity {
			size = minDedupeCapacity
		}
	}
	s.seen = dedupe.NewInMemoryDeduper[model.Seq](dedupe.WithMaxSize(size))
	s.buf = make(eventHeap, 0, 256)
	return s
}

// Submit accepts one raw event. It never blocks beyond the buffer insertion
// and never reports failure to the caller: rejected events are counted and
// logged.
func (s *Sequencer) Submit(ctx context.Context, ev model.SkillEvent) { //nolint:gocritic // hugeParam: events are values by contract
	metrics.RecordEventSubmitted()

	if err := ev.Validate(); err != nil {
		s.mu.Lock()
		s.stats.Submitted++
		s.stats.Malformed++
		s.mu.Unlock()
		s.reportDrop(ctx, ev, ReasonMalformed, logger.Error(err))
		return
	}

	s.mu.Lock()
	s.stats.Submitted++
	reason := s.admitLocked(ctx, ev)
	wake := reason == "" && s.stableLocked(s.buf[0], s.now())
	buffered := len(s.buf)
	s.mu.Unlock()

	if reason != "" {
		s.reportDrop(ctx, ev, reason)
		return
	}
	metrics.UpdateSequencerBuffered(buffered)
	if wake {
		s.signal()
	}
}

// SubmitBatch submits events in slice order.
func (s *Sequencer) SubmitBatch(ctx context.Context, evs []model.SkillEvent) {
	for i := range evs {
		s.Submit(ctx, evs[i])
	}
}

// admitLocked buffers ev or returns the reason it was dropped.
func (s *Sequencer) admitLocked(ctx context.Context, ev model.SkillEvent) string { //nolint:gocritic // hugeParam
	var reason string
	switch {
	case s.closed:
		reason = ReasonClosed
	case s.hasReleased && !ev.Seq.After(s.released):
		reason = s.classifyStaleLocked(ctx, ev.Seq)
	case s.hasHighest && s.highest.Distance(ev.Seq) > s.window:
		reason = s.classifyStaleLocked(ctx, ev.Seq)
	case s.seen.SeenAndRecord(ctx, ev.Seq):
		reason = ReasonDuplicate
	case len(s.buf) >= s.capacity:
		s.seen.Unrecord(ctx, ev.Seq)
		reason = ReasonOverflow
	}

	switch reason {
	case ReasonClosed:
		s.stats.Closed++
	case ReasonDuplicate:
		s.stats.Duplicate++
	case ReasonLate:
		s.stats.Late++
	case ReasonOverflow:
		s.stats.Overflow++
	case "":
		heap.Push(&s.buf, item{ev: ev, arrived: s.now()})
		s.stats.Accepted++
		if !s.hasHighest || ev.Seq.After(s.highest) {
			s.highest = ev.Seq
			s.hasHighest = true
		}
	}
	return reason
}

// classifyStaleLocked tells a redelivery of a known sequence number from a
// genuinely late one.
func (s *Sequencer) classifyStaleLocked(ctx context.Context, seq model.Seq) string {
	if s.seen.Seen(ctx, seq) {
		return ReasonDuplicate
	}
	return ReasonLate
}

// stableLocked reports whether it can be released: either it sits at or
// below the watermark or it has been held for the max hold time.
func (s *Sequencer) stableLocked(it item, now time.Time) bool {
	if s.hasHighest && s.highest.Distance(it.ev.Seq) >= s.window {
		return true
	}
	return s.maxHold > 0 && now.Sub(it.arrived) >= s.maxHold
}

// Drain returns every stable event in strictly ascending sequence order.
func (s *Sequencer) Drain(ctx context.Context) []model.SkillEvent {
	return s.drain(ctx, false)
}

// Flush releases everything still buffered, stable or not. Used at shutdown.
func (s *Sequencer) Flush(ctx context.Context) []model.SkillEvent {
	return s.drain(ctx, true)
}

func (s *Sequencer) drain(ctx context.Context, all bool) []model.SkillEvent {
	s.mu.Lock()
	now := s.now()
	var out []model.SkillEvent
	for len(s.buf) > 0 {
		if !all && !s.stableLocked(s.buf[0], now) {
			break
		}
		it := heap.Pop(&s.buf).(item)
		// Equal sequence numbers pop adjacently; only the first is released.
		if s.hasReleased && !it.ev.Seq.After(s.released) {
			s.stats.Duplicate++
			continue
		}
		out = append(out, it.ev)
		s.released = it.ev.Seq
		s.hasReleased = true
	}
	s.stats.Drained += uint64(len(out))
	buffered := len(s.buf)
	watermark := s.watermarkLocked()
	s.mu.Unlock()

	if len(out) > 0 {
		metrics.RecordEventsDrained(len(out))
		s.logger.Debug(ctx, "released events",
			logger.Op("drain"),
			logger.Int("count", len(out)),
			logger.Uint64("first", uint64(out[0].Seq)),
			logger.Uint64("last", uint64(out[len(out)-1].Seq)),
			logger.Bool("flush", all),
		)
	}
	metrics.UpdateSequencerBuffered(buffered)
	metrics.UpdateSequencerWatermark(uint64(watermark))
	return out
}

// Close stops accepting events. Buffered events remain drainable.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Ready is signalled when an accepted event made something drainable.
// Consumers should still poll periodically for max-hold releases.
func (s *Sequencer) Ready() <-chan struct{} {
	return s.ready
}

// Watermark returns the stability threshold: the highest sequence number seen
// minus the reorder window, or zero before enough events arrived.
func (s *Sequencer) Watermark() model.Seq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarkLocked()
}

func (s *Sequencer) watermarkLocked() model.Seq {
	if !s.hasHighest || s.highest.Distance(0) < s.window {
		return 0
	}
	return s.highest - model.Seq(s.window)
}

// Released returns the last sequence number handed downstream.
func (s *Sequencer) Released() (model.Seq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released, s.hasReleased
}

// Len returns the number of buffered events.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Stats returns a snapshot of the counters.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Buffered = len(s.buf)
	st.Watermark = s.watermarkLocked()
	st.Released = s.released
	return st
}

func (s *Sequencer) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Sequencer) reportDrop(ctx context.Context, ev model.SkillEvent, reason string, extra ...logger.Field) { //nolint:gocritic // hugeParam
	metrics.RecordEventDropped(reason)
	fields := append([]logger.Field{
		logger.Op("submit"),
		logger.String("reason", reason),
		logger.Uint64("seq", uint64(ev.Seq)),
		logger.String("kind", ev.Kind.String()),
	}, extra...)

	switch reason {
	case ReasonDuplicate, ReasonClosed:
		s.logger.Debug(ctx, "event dropped", fields...)
	default:
		s.logger.Warn(ctx, "event dropped", fields...)
	}
}
