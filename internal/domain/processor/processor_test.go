package processor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/internal/domain/processor"
	"github.com/okian/healstats/internal/domain/sequencer"
	"github.com/okian/healstats/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

var base = time.Unix(1_700_000_000, 0)

var (
	healer = model.AgentRef{ID: 7, Name: "Healer", Team: 1, Subgroup: 2}
	tank   = model.AgentRef{ID: 9, Name: "Tank", Team: 1, Subgroup: 1}
)

func at(seq model.Seq) time.Time { return base.Add(time.Duration(seq) * time.Second) }

func start(seq model.Seq) model.SkillEvent {
	return model.SkillEvent{Kind: model.KindEncounterStart, Seq: seq, Time: at(seq)}
}

func end(seq model.Seq) model.SkillEvent {
	return model.SkillEvent{Kind: model.KindEncounterEnd, Seq: seq, Time: at(seq)}
}

func heal(seq model.Seq, magnitude int64) model.SkillEvent {
	return model.SkillEvent{
		Kind:      model.KindSkill,
		Seq:       seq,
		Time:      at(seq),
		Source:    healer,
		Target:    tank,
		Skill:     100,
		Magnitude: magnitude,
		Flags:     model.FlagHeal,
	}
}

func newProcessor(opts ...processor.Option) *processor.Processor {
	n := 0
	return processor.New(append([]processor.Option{
		processor.WithLogger(logger.Discard()),
		processor.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("enc-%d", n)
		}),
	}, opts...)...)
}

func TestProcessorEncounterLifecycle(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given start(1), three heals of 10 and end(5)", t, func() {
		p := newProcessor()
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), heal(3, 10), heal(4, 10), end(5)})

		convey.Convey("When polling for finalized encounters", func() {
			res, ok := p.PollFinalized(ctx)

			convey.Convey("Then exactly one result with one entry summing to 30 is emitted", func() {
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(res.EncounterID, convey.ShouldEqual, "enc-1")
				convey.So(res.Truncated, convey.ShouldBeFalse)
				convey.So(res.StartSeq, convey.ShouldEqual, model.Seq(1))
				convey.So(res.EndSeq, convey.ShouldEqual, model.Seq(5))
				convey.So(res.Start, convey.ShouldEqual, at(1))
				convey.So(res.End, convey.ShouldEqual, at(5))
				convey.So(res.Entries, convey.ShouldHaveLength, 1)
				convey.So(res.Entries[0].Sum, convey.ShouldEqual, 30)
				convey.So(res.Entries[0].Count, convey.ShouldEqual, 3)
				convey.So(res.EventCount, convey.ShouldEqual, 3)
			})

			convey.Convey("And polling again yields nothing", func() {
				for i := 0; i < 3; i++ {
					_, again := p.PollFinalized(ctx)
					convey.So(again, convey.ShouldBeFalse)
				}
				convey.So(p.Stats().Closed, convey.ShouldEqual, 1)
				convey.So(p.Live(), convey.ShouldEqual, 0)
			})

			convey.Convey("And participants are listed in first-seen order", func() {
				convey.So(res.Participants, convey.ShouldHaveLength, 2)
				convey.So(res.Participants[0].ID, convey.ShouldEqual, healer.ID)
				convey.So(res.Participants[0].Name, convey.ShouldEqual, "Healer")
				convey.So(res.Participants[0].FirstSeen, convey.ShouldEqual, at(2))
				convey.So(res.Participants[0].LastSeen, convey.ShouldEqual, at(4))
				convey.So(res.Participants[0].ActiveTime, convey.ShouldEqual, 3*time.Second)
				convey.So(res.Participants[1].ID, convey.ShouldEqual, tank.ID)
			})
		})
	})

	convey.Convey("Given an encounter that has not ended", t, func() {
		p := newProcessor()
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10)})

		convey.Convey("Then nothing is finalized", func() {
			_, ok := p.PollFinalized(ctx)
			convey.So(ok, convey.ShouldBeFalse)
		})

		convey.Convey("When closing everything at shutdown", func() {
			out := p.CloseAll(ctx)

			convey.Convey("Then the encounter is emitted as truncated", func() {
				convey.So(out, convey.ShouldHaveLength, 1)
				convey.So(out[0].Truncated, convey.ShouldBeTrue)
				convey.So(out[0].End, convey.ShouldEqual, at(2))
				convey.So(out[0].Entries[0].Sum, convey.ShouldEqual, 10)
				convey.So(p.CloseAll(ctx), convey.ShouldBeEmpty)
				convey.So(p.Stats().Truncated, convey.ShouldEqual, 1)
			})
		})
	})

	convey.Convey("Given a finalizing encounter at shutdown", t, func() {
		p := newProcessor(processor.WithWatermark(func() (model.Seq, bool) { return 0, false }))
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 5), end(3)})

		convey.Convey("Then CloseAll closes it normally", func() {
			out := p.CloseAll(ctx)
			convey.So(out, convey.ShouldHaveLength, 1)
			convey.So(out[0].Truncated, convey.ShouldBeFalse)
			convey.So(out[0].EndSeq, convey.ShouldEqual, model.Seq(3))
		})
	})
}

func TestProcessorAggregation(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given N events on one agent and skill", t, func() {
		p := newProcessor()
		p.Process(ctx, start(1))
		var sum int64
		const n = 50
		for i := 0; i < n; i++ {
			ev := heal(model.Seq(i+2), int64(i*3+1))
			if i%5 == 0 {
				ev.Flags |= model.FlagCritical
			}
			sum += ev.Magnitude
			p.Process(ctx, ev)
		}
		p.Process(ctx, end(n+2))
		res, ok := p.PollFinalized(ctx)

		convey.Convey("Then the entry sums every magnitude once", func() {
			convey.So(ok, convey.ShouldBeTrue)
			entry, found := res.Entry(healer.ID, 100)
			convey.So(found, convey.ShouldBeTrue)
			convey.So(entry.Sum, convey.ShouldEqual, sum)
			convey.So(entry.Count, convey.ShouldEqual, n)
			convey.So(entry.CritCount, convey.ShouldEqual, 10)
		})
	})

	convey.Convey("Given the same sequence number processed twice", t, func() {
		p := newProcessor()
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), heal(2, 10), end(3)})
		res, _ := p.PollFinalized(ctx)

		convey.Convey("Then it is applied once", func() {
			convey.So(res.Entries[0].Sum, convey.ShouldEqual, 10)
			convey.So(p.Stats().Duplicate, convey.ShouldEqual, 1)
		})
	})

	convey.Convey("Given different skills and agents", t, func() {
		p := newProcessor()
		other := heal(3, 4)
		other.Skill = 200
		tankHit := heal(4, 8)
		tankHit.Source, tankHit.Target = tank, model.AgentRef{}
		tankHit.Flags = model.FlagDamage
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), other, tankHit, end(5)})
		res, _ := p.PollFinalized(ctx)

		convey.Convey("Then each (agent, skill) pair gets its own sorted entry", func() {
			convey.So(res.Entries, convey.ShouldHaveLength, 3)
			convey.So(res.Entries[0].Agent, convey.ShouldEqual, healer.ID)
			convey.So(res.Entries[0].Skill, convey.ShouldEqual, model.SkillID(100))
			convey.So(res.Entries[1].Skill, convey.ShouldEqual, model.SkillID(200))
			convey.So(res.Entries[2].Agent, convey.ShouldEqual, tank.ID)
			convey.So(res.Entries[2].Sum, convey.ShouldEqual, 8)
		})
	})

	convey.Convey("Given the reference scenario [5,3,4,1,2] through a sequencer", t, func() {
		seq := sequencer.New(
			sequencer.WithLogger(logger.Discard()),
			sequencer.WithWindow(4),
			sequencer.WithMaxHold(0),
		)
		p := newProcessor(processor.WithWatermark(seq.Released))
		p.Process(ctx, start(10))
		for _, s := range []model.Seq{15, 13, 14, 11, 12} {
			seq.Submit(ctx, heal(s, 10))
		}
		seq.Submit(ctx, end(16))
		p.ProcessBatch(ctx, seq.Drain(ctx))
		p.ProcessBatch(ctx, seq.Flush(ctx))
		res, ok := p.PollFinalized(ctx)

		convey.Convey("Then the entry holds all five applications", func() {
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(res.Entries, convey.ShouldHaveLength, 1)
			convey.So(res.Entries[0].Sum, convey.ShouldEqual, 50)
			convey.So(res.Entries[0].Count, convey.ShouldEqual, 5)
		})
	})
}

func TestProcessorStateChanges(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given an agent that is downed and later dies", t, func() {
		p := newProcessor()
		downed := model.SkillEvent{
			Kind: model.KindStateChange, Seq: 4, Time: at(4),
			Source: healer, Flags: model.FlagDowned,
		}
		killing := model.SkillEvent{
			Kind: model.KindSkill, Seq: 7, Time: at(7),
			Source: tank, Target: healer, Skill: 300, Magnitude: 99,
			Flags: model.FlagDamage | model.FlagDead,
		}
		p.ProcessBatch(ctx, []model.SkillEvent{
			start(1), heal(2, 10), downed, heal(6, 10), killing, end(10),
		})
		res, _ := p.PollFinalized(ctx)

		convey.Convey("Then downs, deaths and active time are tracked", func() {
			convey.So(res.Participants[0].ID, convey.ShouldEqual, healer.ID)
			convey.So(res.Participants[0].Downs, convey.ShouldEqual, 1)
			convey.So(res.Participants[0].Deaths, convey.ShouldEqual, 1)
			// active 2..4 and 6..7
			convey.So(res.Participants[0].ActiveTime, convey.ShouldEqual, 3*time.Second)
			convey.So(res.Participants[0].LastSeen, convey.ShouldEqual, at(7))
			// tank is active from its hit until the end marker
			convey.So(res.Participants[1].ActiveTime, convey.ShouldEqual, 3*time.Second)
		})
	})
}

func TestProcessorStateChangeSubject(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given a state change that names a target", t, func() {
		p := newProcessor()
		downed := model.SkillEvent{
			Kind: model.KindStateChange, Seq: 3, Time: at(3),
			Source: healer, Target: tank, Flags: model.FlagDowned,
		}
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), downed, end(4)})
		res, _ := p.PollFinalized(ctx)

		convey.Convey("Then it describes the source", func() {
			convey.So(res.Participants[0].ID, convey.ShouldEqual, healer.ID)
			convey.So(res.Participants[0].Downs, convey.ShouldEqual, 1)
			convey.So(res.Participants[1].Downs, convey.ShouldEqual, 0)
		})
	})
}

func TestProcessorDiagnostics(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given malformed events inside an encounter", t, func() {
		p := newProcessor()
		badFlags := heal(3, 10)
		badFlags.Flags = model.FlagHeal | model.FlagDamage
		selfRevive := heal(4, 0)
		selfRevive.Target = healer
		selfRevive.Flags = model.FlagRevived
		wrongTeam := heal(5, 10)
		wrongTeam.Source.Team = 2
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), badFlags, selfRevive, wrongTeam, heal(6, 10), end(7)})
		res, ok := p.PollFinalized(ctx)

		convey.Convey("Then they are counted and the encounter continues", func() {
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(res.Malformed, convey.ShouldEqual, 3)
			convey.So(res.Entries[0].Sum, convey.ShouldEqual, 20)
			convey.So(p.Stats().Malformed, convey.ShouldEqual, 3)
		})
	})

	convey.Convey("Given an event whose target contradicts a known agent", t, func() {
		p := newProcessor()
		stranger := model.AgentRef{ID: 20, Name: "Stranger", Team: 1}
		conflicting := heal(3, 50)
		conflicting.Source = stranger
		conflicting.Target.Team = 3
		lateName := heal(4, 0)
		lateName.Source = model.AgentRef{ID: healer.ID, Team: 2}
		lateName.Target = model.AgentRef{ID: tank.ID, Subgroup: 9}
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), conflicting, lateName, end(5)})
		res, ok := p.PollFinalized(ctx)

		convey.Convey("Then the rejected events leave no trace in the result", func() {
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(res.Malformed, convey.ShouldEqual, 2)
			convey.So(res.Participants, convey.ShouldHaveLength, 2)
			convey.So(res.Participants[0].ID, convey.ShouldEqual, healer.ID)
			convey.So(res.Participants[1].ID, convey.ShouldEqual, tank.ID)
			convey.So(res.Participants[1].Subgroup, convey.ShouldEqual, tank.Subgroup)
			convey.So(res.Participants[1].LastSeen, convey.ShouldEqual, at(2))
			convey.So(res.Entries, convey.ShouldHaveLength, 1)
			convey.So(res.Entries[0].Sum, convey.ShouldEqual, 10)
		})
	})

	convey.Convey("Given events outside any encounter", t, func() {
		p := newProcessor()
		p.ProcessBatch(ctx, []model.SkillEvent{heal(1, 10), start(2), heal(3, 10), end(4), heal(5, 10)})

		convey.Convey("Then they are unattributed", func() {
			convey.So(p.Stats().Unattributed, convey.ShouldEqual, 2)
			res, _ := p.PollFinalized(ctx)
			convey.So(res.Entries[0].Sum, convey.ShouldEqual, 10)
		})
	})

	convey.Convey("Given marker misuse", t, func() {
		p := newProcessor()

		convey.Convey("When an end marker has no open encounter", func() {
			p.Process(ctx, end(1))
			convey.So(p.Stats().Rejected, convey.ShouldEqual, 1)
			convey.So(p.Live(), convey.ShouldEqual, 0)
		})

		convey.Convey("When a start marker arrives while one is open", func() {
			p.ProcessBatch(ctx, []model.SkillEvent{start(1), start(2), heal(3, 10), end(4)})
			res, ok := p.PollFinalized(ctx)
			convey.So(p.Stats().Rejected, convey.ShouldEqual, 1)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(res.StartSeq, convey.ShouldEqual, model.Seq(1))
		})

		convey.Convey("When a start marker precedes the previous close marker", func() {
			p.ProcessBatch(ctx, []model.SkillEvent{start(1), end(5), start(3)})
			convey.So(p.Stats().Rejected, convey.ShouldEqual, 1)
			convey.So(p.Stats().Opened, convey.ShouldEqual, 1)
		})
	})
}

func TestProcessorOverlap(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given a new encounter starting while the previous one is finalizing", t, func() {
		var wm model.Seq
		p := newProcessor(processor.WithWatermark(func() (model.Seq, bool) { return wm, wm != 0 }))
		p.ProcessBatch(ctx, []model.SkillEvent{start(1), heal(2, 10), end(4), start(5), heal(6, 7)})

		convey.Convey("When a late event for the first encounter arrives", func() {
			p.Process(ctx, heal(3, 10))

			convey.Convey("Then it is routed by sequence range", func() {
				_, ok := p.PollFinalized(ctx)
				convey.So(ok, convey.ShouldBeFalse)

				wm = 6
				first, ok := p.PollFinalized(ctx)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(first.EncounterID, convey.ShouldEqual, "enc-1")
				convey.So(first.Entries[0].Sum, convey.ShouldEqual, 20)

				p.Process(ctx, end(8))
				wm = 8
				second, ok := p.PollFinalized(ctx)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(second.EncounterID, convey.ShouldEqual, "enc-2")
				convey.So(second.Entries[0].Sum, convey.ShouldEqual, 7)
			})
		})
	})
}
