package testevents

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
)

// Generation constants.
const (
	eventTick       = 50 * time.Millisecond
	enemyIDOffset   = 100
	minMagnitude    = 100
	magnitudeRange  = 1900
	critOneIn       = 5
	healPercent     = 45
	damagePercent   = 90
	seedMixConstant = 0x9e3779b97f4a7c15
)

var (
	healSkills   = []model.SkillID{1001, 1002, 1003}
	damageSkills = []model.SkillID{2001, 2002, 2003, 2004}
)

// Expectation is what the service must report for one generated encounter.
type Expectation struct {
	StartSeq model.Seq
	EndSeq   model.Seq
	Events   uint64
	Rows     map[model.AggregateKey]model.AggregateEntry
	Downs    map[model.AgentID]uint32
}

// Session is a generated run: the events in sequence order and the totals
// each encounter should produce.
type Session struct {
	ID           string
	Start        time.Time
	Events       []model.SkillEvent
	Expectations []Expectation
}

// newRand returns the generator's random source. A zero seed picks one.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^seedMixConstant))
}

// seqBase returns the first sequence number of a run. Deriving it from the
// clock keeps consecutive runs against one service ahead of its watermark.
func seqBase(config *Config, now time.Time) model.Seq {
	if config.SeqBase != 0 {
		return model.Seq(config.SeqBase)
	}
	return model.Seq(now.UnixMilli())
}

// generateSession builds a session of back-to-back encounters. Each encounter
// is a start marker, EventsPer heals, hits and downs, then an end marker.
func generateSession(ctx context.Context, config *Config, rng *rand.Rand, stats *Stats) *Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := &Session{
		ID:    uuid.New().String(),
		Start: now,
	}
	allies, enemies := roster(config.Agents)
	base := seqBase(config, now)
	seq := base

	at := func(seq model.Seq) time.Time {
		return s.Start.Add(time.Duration(seq-base) * eventTick)
	}

	for i := 0; i < config.Encounters; i++ {
		exp := Expectation{
			StartSeq: seq,
			Rows:     make(map[model.AggregateKey]model.AggregateEntry),
			Downs:    make(map[model.AgentID]uint32),
		}
		s.Events = append(s.Events, model.SkillEvent{Kind: model.KindEncounterStart, Seq: seq, Time: at(seq)})
		seq++

		for j := 0; j < config.EventsPer; j++ {
			ev := randomEvent(rng, allies, enemies)
			ev.Seq = seq
			ev.Time = at(seq)
			expect(&exp, &ev)
			s.Events = append(s.Events, ev)
			seq++
		}

		exp.EndSeq = seq
		s.Events = append(s.Events, model.SkillEvent{Kind: model.KindEncounterEnd, Seq: seq, Time: at(seq)})
		seq++
		s.Expectations = append(s.Expectations, exp)
	}

	stats.SessionID = s.ID
	stats.Encounters = len(s.Expectations)
	stats.EventsGenerated = len(s.Events)
	logger.Get().Info(ctx, "generated session",
		logger.String("session_id", s.ID),
		logger.Int("encounters", len(s.Expectations)),
		logger.Int("events", len(s.Events)),
		logger.Uint64("first_seq", uint64(base)),
	)
	return s
}

// roster returns n allies on team 1 and n enemies on team 2.
func roster(n int) (allies, enemies []model.AgentRef) {
	for i := 1; i <= n; i++ {
		allies = append(allies, model.AgentRef{ID: model.AgentID(i), Name: fmt.Sprintf("ally-%d", i), Team: 1})
		enemies = append(enemies, model.AgentRef{ID: model.AgentID(enemyIDOffset + i), Name: fmt.Sprintf("enemy-%d", i), Team: 2})
	}
	return allies, enemies
}

// randomEvent draws a heal on an ally, a hit on an enemy, or an ally going
// down. Seq and Time are filled in by the caller.
func randomEvent(rng *rand.Rand, allies, enemies []model.AgentRef) model.SkillEvent {
	src := allies[rng.IntN(len(allies))]
	roll := rng.IntN(100)
	if roll >= damagePercent {
		return model.SkillEvent{Kind: model.KindStateChange, Source: src, Flags: model.FlagDowned}
	}

	ev := model.SkillEvent{
		Kind:      model.KindSkill,
		Source:    src,
		Magnitude: minMagnitude + rng.Int64N(magnitudeRange),
	}
	if roll < healPercent {
		ev.Target = allies[rng.IntN(len(allies))]
		ev.Skill = healSkills[rng.IntN(len(healSkills))]
		ev.Flags = model.FlagHeal
	} else {
		ev.Target = enemies[rng.IntN(len(enemies))]
		ev.Skill = damageSkills[rng.IntN(len(damageSkills))]
		ev.Flags = model.FlagDamage
	}
	if rng.IntN(critOneIn) == 0 {
		ev.Flags |= model.FlagCritical
	}
	return ev
}

// expect folds ev into the encounter's expected totals.
func expect(exp *Expectation, ev *model.SkillEvent) {
	exp.Events++
	if ev.Kind == model.KindStateChange {
		if ev.Flags.Has(model.FlagDowned) {
			exp.Downs[ev.Source.ID]++
		}
		return
	}
	key := model.AggregateKey{Agent: ev.Source.ID, Skill: ev.Skill}
	row := exp.Rows[key]
	row.Agent, row.Skill = key.Agent, key.Skill
	row.Add(ev.Magnitude, ev.Flags.Has(model.FlagCritical))
	exp.Rows[key] = row
}
