// Package processor folds the ordered event stream into per-encounter
// aggregates and emits an immutable Result when an encounter closes.
//
// Encounters are bracketed by start and end markers. An end marker moves the
// encounter to Finalizing; it is emitted by PollFinalized once nothing with a
// smaller sequence number can still arrive. A start marker may open a new
// encounter while the previous one is still finalizing, so events are routed
// by sequence range rather than to "the current" encounter.
package processor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/okian/healstats/internal/domain/dedupe"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
	"github.com/okian/healstats/pkg/metrics"
)

const defaultDedupeSize = 1 << 16

// Rejection reasons, also used as metric labels.
const (
	ReasonMalformed    = "malformed"
	ReasonDuplicate    = "duplicate"
	ReasonOverlap      = "overlap"
	ReasonNested       = "nested_start"
	ReasonOrphanEnd    = "orphan_end"
	ReasonInconsistent = "inconsistent_agent"
)

// Stats is a point-in-time view of processor counters.
type Stats struct {
	Processed    uint64
	Applied      uint64
	Unattributed uint64
	Malformed    uint64
	Duplicate    uint64
	Rejected     uint64
	Opened       uint64
	Closed       uint64
	Truncated    uint64
	Live         int
}

// Processor owns every live encounter. It is driven by a single processing
// goroutine; the mutex only makes Stats safe to read from elsewhere.
type Processor struct {
	mu sync.Mutex

	encounters  []*encounter // ordered by start sequence
	applied     dedupe.Deduper[model.Seq]
	position    model.Seq
	hasPosition bool
	lastClose   model.Seq
	hasClose    bool
	stats       Stats

	dedupeSize int
	watermark  func() (model.Seq, bool)
	newID      func() string
	logger     logger.Logger
}

// New creates a processor with configuration options.
func New(opts ...Option) *Processor {
	p := &Processor{
		dedupeSize: defaultDedupeSize,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	p.applied = dedupe.NewInMemoryDeduper[model.Seq](dedupe.WithMaxSize(p.dedupeSize))
	return p
}

// Process applies one event. Faults are counted and logged, never returned.
func (p *Processor) Process(ctx context.Context, ev model.SkillEvent) { //nolint:gocritic // hugeParam: events are values by contract
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Processed++

	if err := ev.Validate(); err != nil {
		p.stats.Malformed++
		if e := p.routeLocked(ev.Seq); e != nil {
			e.malformed++
		}
		p.rejectLocked(ctx, ev, ReasonMalformed, err)
		return
	}
	if p.applied.SeenAndRecord(ctx, ev.Seq) {
		p.stats.Duplicate++
		p.rejectLocked(ctx, ev, ReasonDuplicate, nil)
		return
	}
	if !p.hasPosition || ev.Seq.After(p.position) {
		p.position = ev.Seq
		p.hasPosition = true
	}

	switch ev.Kind {
	case model.KindEncounterStart:
		p.startLocked(ctx, ev)
	case model.KindEncounterEnd:
		p.endLocked(ctx, ev)
	default:
		p.applyLocked(ctx, ev)
	}
}

// ProcessBatch applies events in slice order.
func (p *Processor) ProcessBatch(ctx context.Context, evs []model.SkillEvent) {
	for i := range evs {
		p.Process(ctx, evs[i])
	}
}

func (p *Processor) startLocked(ctx context.Context, ev model.SkillEvent) { //nolint:gocritic // hugeParam
	if open := p.openLocked(); open != nil {
		p.stats.Rejected++
		p.rejectLocked(ctx, ev, ReasonNested, ErrNestedStart, logger.String("encounter_id", open.id))
		return
	}
	if p.hasClose && !ev.Seq.After(p.lastClose) {
		p.stats.Rejected++
		p.rejectLocked(ctx, ev, ReasonOverlap, ErrOverlappingEncounter, logger.Uint64("previous_close", uint64(p.lastClose)))
		return
	}

	e := newEncounter(p.newID(), ev)
	p.encounters = append(p.encounters, e)
	p.stats.Opened++
	metrics.RecordEncounterOpened()
	metrics.UpdateLiveEncounters(len(p.encounters))
	p.logger.Info(ctx, "encounter opened",
		logger.Op("process"),
		logger.String("encounter_id", e.id),
		logger.Uint64("start_seq", uint64(ev.Seq)),
	)
}

func (p *Processor) endLocked(ctx context.Context, ev model.SkillEvent) { //nolint:gocritic // hugeParam
	e := p.openLocked()
	if e == nil || !ev.Seq.After(e.startSeq) {
		p.stats.Rejected++
		p.rejectLocked(ctx, ev, ReasonOrphanEnd, ErrOrphanEnd)
		return
	}
	e.state = model.StateFinalizing
	e.closeSeq = ev.Seq
	e.end = ev.Time
	if ev.Time.After(e.last) {
		e.last = ev.Time
	}
	p.lastClose = ev.Seq
	p.hasClose = true
	p.logger.Debug(ctx, "encounter finalizing",
		logger.Op("process"),
		logger.String("encounter_id", e.id),
		logger.Uint64("close_seq", uint64(ev.Seq)),
	)
}

func (p *Processor) applyLocked(ctx context.Context, ev model.SkillEvent) { //nolint:gocritic // hugeParam
	e := p.routeLocked(ev.Seq)
	if e == nil {
		p.stats.Unattributed++
		metrics.RecordEventUnattributed()
		p.logger.Debug(ctx, "event outside any encounter",
			logger.Op("process"),
			logger.Uint64("seq", uint64(ev.Seq)),
			logger.String("kind", ev.Kind.String()),
		)
		return
	}
	if err := e.apply(ev); err != nil {
		e.malformed++
		p.stats.Malformed++
		p.rejectLocked(ctx, ev, ReasonInconsistent, err, logger.String("encounter_id", e.id))
		return
	}
	p.stats.Applied++
	metrics.RecordEventApplied()
}

// PollFinalized returns the oldest finalizing encounter whose close marker
// has been passed by the watermark. Each encounter is returned exactly once.
func (p *Processor) PollFinalized(ctx context.Context) (model.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wm, ok := p.watermarkLocked()
	if !ok {
		return model.Result{}, false
	}
	for i, e := range p.encounters {
		if e.state != model.StateFinalizing || e.closeSeq.After(wm) {
			continue
		}
		p.encounters = append(p.encounters[:i], p.encounters[i+1:]...)
		return p.closeLocked(ctx, e, false), true
	}
	return model.Result{}, false
}

// CloseAll closes every remaining encounter, oldest first. Finalizing
// encounters close normally; open ones are marked truncated.
func (p *Processor) CloseAll(ctx context.Context) []model.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Result, 0, len(p.encounters))
	for _, e := range p.encounters {
		out = append(out, p.closeLocked(ctx, e, e.state == model.StateOpen))
	}
	p.encounters = nil
	metrics.UpdateLiveEncounters(0)
	return out
}

func (p *Processor) closeLocked(ctx context.Context, e *encounter, truncated bool) model.Result {
	e.state = model.StateClosed
	res := e.result(truncated)
	p.stats.Closed++
	if truncated {
		p.stats.Truncated++
	}
	metrics.RecordEncounterClosed(truncated)
	metrics.UpdateLiveEncounters(len(p.encounters))

	fields := []logger.Field{
		logger.Op("finalize"),
		logger.String("encounter_id", res.EncounterID),
		logger.Int("participants", len(res.Participants)),
		logger.Int("entries", len(res.Entries)),
		logger.Uint64("events", res.EventCount),
		logger.Duration("duration", res.Duration()),
	}
	if truncated {
		p.logger.Warn(ctx, "encounter truncated", fields...)
	} else {
		p.logger.Info(ctx, "encounter closed", fields...)
	}
	return res
}

// Live returns the number of open or finalizing encounters.
func (p *Processor) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.encounters)
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Live = len(p.encounters)
	return st
}

func (p *Processor) watermarkLocked() (model.Seq, bool) {
	if p.watermark != nil {
		return p.watermark()
	}
	return p.position, p.hasPosition
}

func (p *Processor) openLocked() *encounter {
	for i := len(p.encounters) - 1; i >= 0; i-- {
		if p.encounters[i].state == model.StateOpen {
			return p.encounters[i]
		}
	}
	return nil
}

// routeLocked finds the encounter whose range contains seq, newest first.
func (p *Processor) routeLocked(seq model.Seq) *encounter {
	for i := len(p.encounters) - 1; i >= 0; i-- {
		if p.encounters[i].contains(seq) {
			return p.encounters[i]
		}
	}
	return nil
}

func (p *Processor) rejectLocked(ctx context.Context, ev model.SkillEvent, reason string, err error, extra ...logger.Field) { //nolint:gocritic // hugeParam
	metrics.RecordProcessorRejected(reason)
	fields := append([]logger.Field{
		logger.Op("process"),
		logger.String("reason", reason),
		logger.Uint64("seq", uint64(ev.Seq)),
		logger.String("kind", ev.Kind.String()),
	}, extra...)
	if err != nil {
		fields = append(fields, logger.Error(err))
	}

	switch reason {
	case ReasonDuplicate:
		p.logger.Debug(ctx, "event discarded", fields...)
	case ReasonOverlap:
		p.logger.Error(ctx, "event discarded", fields...)
	default:
		p.logger.Warn(ctx, "event discarded", fields...)
	}
}
