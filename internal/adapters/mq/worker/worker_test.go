package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	worker "github.com/okian/healstats/internal/adapters/mq/worker"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/internal/domain/processor"
	"github.com/okian/healstats/internal/domain/sequencer"
	logging "github.com/okian/healstats/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

// recordingSink collects results handed over by the worker.
type recordingSink struct {
	mu      sync.Mutex
	results []model.Result
}

func (s *recordingSink) Enqueue(_ context.Context, res model.Result) { //nolint:gocritic // hugeParam
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func (s *recordingSink) snapshot() []model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Result(nil), s.results...)
}

func (s *recordingSink) waitFor(n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.snapshot()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

var healer = model.AgentRef{ID: 7, Name: "Healer"}

func event(kind model.Kind, seq model.Seq, magnitude int64) model.SkillEvent {
	ev := model.SkillEvent{Kind: kind, Seq: seq, Time: time.Unix(int64(seq), 0)}
	if kind == model.KindSkill {
		ev.Source = healer
		ev.Skill = 100
		ev.Magnitude = magnitude
		ev.Flags = model.FlagHeal
	}
	return ev
}

type pipeline struct {
	seq  *sequencer.Sequencer
	proc *processor.Processor
	sink *recordingSink
	w    *worker.InMemoryWorker
}

func newPipeline(window uint64) *pipeline {
	discard := logging.Discard()
	seq := sequencer.New(
		sequencer.WithLogger(discard),
		sequencer.WithWindow(window),
		sequencer.WithMaxHold(0),
	)
	proc := processor.New(processor.WithLogger(discard), processor.WithWatermark(seq.Released))
	sink := &recordingSink{}
	w := worker.NewInMemoryWorker(seq, proc, sink,
		worker.WithLogger(discard),
		worker.WithDrainInterval(10*time.Millisecond),
	)
	return &pipeline{seq: seq, proc: proc, sink: sink, w: w}
}

func TestWorkerProcessing(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given a running worker behind a sequencer with window 2", t, func() {
		p := newPipeline(2)
		go p.w.Run(ctx)
		defer func() { _ = p.w.Shutdown(ctx) }()

		convey.Convey("When a complete encounter is followed by enough traffic", func() {
			for _, ev := range []model.SkillEvent{
				event(model.KindEncounterStart, 1, 0),
				event(model.KindSkill, 3, 10),
				event(model.KindSkill, 2, 10),
				event(model.KindEncounterEnd, 4, 0),
				event(model.KindSkill, 5, 1),
				event(model.KindSkill, 6, 1),
			} {
				p.seq.Submit(ctx, ev)
			}

			convey.Convey("Then the encounter is emitted without waiting for shutdown", func() {
				convey.So(p.sink.waitFor(1), convey.ShouldBeTrue)
				res := p.sink.snapshot()[0]
				convey.So(res.Truncated, convey.ShouldBeFalse)
				convey.So(res.Entries[0].Sum, convey.ShouldEqual, 20)
			})
		})
	})
}

func TestWorkerShutdown(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given a worker with events still buffered", t, func() {
		p := newPipeline(64)
		go p.w.Run(ctx)
		for _, ev := range []model.SkillEvent{
			event(model.KindEncounterStart, 1, 0),
			event(model.KindSkill, 2, 10),
			event(model.KindEncounterEnd, 3, 0),
			event(model.KindEncounterStart, 4, 0),
			event(model.KindSkill, 5, 7),
		} {
			p.seq.Submit(ctx, ev)
		}

		convey.Convey("When shutting down", func() {
			err := p.w.Shutdown(ctx)

			convey.Convey("Then buffered events are flushed and open encounters truncated", func() {
				convey.So(err, convey.ShouldBeNil)
				got := p.sink.snapshot()
				convey.So(got, convey.ShouldHaveLength, 2)
				convey.So(got[0].Truncated, convey.ShouldBeFalse)
				convey.So(got[0].Entries[0].Sum, convey.ShouldEqual, 10)
				convey.So(got[1].Truncated, convey.ShouldBeTrue)
				convey.So(got[1].Entries[0].Sum, convey.ShouldEqual, 7)
				convey.So(p.seq.Len(), convey.ShouldEqual, 0)
			})

			convey.Convey("And a second shutdown is harmless", func() {
				convey.So(p.w.Shutdown(ctx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a worker whose context is canceled", t, func() {
		p := newPipeline(64)
		cctx, cancel := context.WithCancel(ctx)
		go p.w.Run(cctx)
		p.seq.Submit(ctx, event(model.KindEncounterStart, 1, 0))
		p.seq.Submit(ctx, event(model.KindSkill, 2, 3))
		cancel()

		convey.Convey("Then it still performs the final flush", func() {
			select {
			case <-p.w.Done():
			case <-time.After(2 * time.Second):
			}
			got := p.sink.snapshot()
			convey.So(got, convey.ShouldHaveLength, 1)
			convey.So(got[0].Truncated, convey.ShouldBeTrue)
		})
	})

	convey.Convey("Given a worker that was never started", t, func() {
		p := newPipeline(64)

		convey.Convey("Then shutdown gives up at the deadline", func() {
			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			convey.So(p.w.Shutdown(cctx), convey.ShouldNotBeNil)
		})
	})
}
