package processor

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/okian/healstats/internal/domain/model"
)

type agentState struct {
	model.Participant
	active      bool
	activeSince time.Time
}

// closeWindow ends the agent's active window at t.
func (a *agentState) closeWindow(t time.Time) {
	if !a.active {
		return
	}
	if t.After(a.activeSince) {
		a.ActiveTime += t.Sub(a.activeSince)
	}
	a.active = false
}

// encounter is the live aggregation state between a start and an end marker.
// It is owned by the processor and never shared.
type encounter struct {
	id       string
	state    model.State
	startSeq model.Seq
	closeSeq model.Seq
	start    time.Time
	end      time.Time
	last     time.Time

	agents     map[model.AgentID]*agentState
	agentOrder []model.AgentID
	entries    map[model.AggregateKey]*model.AggregateEntry

	events    uint64
	malformed uint64
}

func newEncounter(id string, ev model.SkillEvent) *encounter { //nolint:gocritic // hugeParam
	return &encounter{
		id:       id,
		state:    model.StateOpen,
		startSeq: ev.Seq,
		start:    ev.Time,
		last:     ev.Time,
		agents:   make(map[model.AgentID]*agentState),
		entries:  make(map[model.AggregateKey]*model.AggregateEntry),
	}
}

// contains reports whether seq belongs to this encounter's range.
func (e *encounter) contains(seq model.Seq) bool {
	if !seq.After(e.startSeq) {
		return false
	}
	return e.state == model.StateOpen || seq.Before(e.closeSeq)
}

// check reports whether ref contradicts what is already known about the
// agent. It never modifies the encounter.
func (e *encounter) check(ref model.AgentRef) error {
	a, ok := e.agents[ref.ID]
	if !ok {
		return nil
	}
	if ref.Team != 0 && a.Team != 0 && ref.Team != a.Team {
		return fmt.Errorf("%w: agent %d team %d, previously %d", ErrInconsistentAgent, ref.ID, ref.Team, a.Team)
	}
	return nil
}

// touch returns the agent's state, creating it on first reference. The ref
// must have passed check.
func (e *encounter) touch(ref model.AgentRef, t time.Time) *agentState {
	a, ok := e.agents[ref.ID]
	if !ok {
		a = &agentState{Participant: model.Participant{Agent: model.Agent{
			ID:        ref.ID,
			Name:      ref.Name,
			Team:      ref.Team,
			Subgroup:  ref.Subgroup,
			FirstSeen: t,
			LastSeen:  t,
		}}}
		e.agents[ref.ID] = a
		e.agentOrder = append(e.agentOrder, ref.ID)
		return a
	}
	if a.Name == "" {
		a.Name = ref.Name
	}
	if a.Team == 0 {
		a.Team = ref.Team
	}
	if ref.Subgroup != 0 {
		a.Subgroup = ref.Subgroup
	}
	if t.After(a.LastSeen) {
		a.LastSeen = t
	}
	return a
}

// apply folds one non-marker event into the aggregate tables. A rejected
// event leaves the encounter untouched.
func (e *encounter) apply(ev model.SkillEvent) error { //nolint:gocritic // hugeParam
	hasTarget := !ev.Target.IsZero()
	if hasTarget && ev.Source.ID == ev.Target.ID {
		if ev.Flags.Has(model.FlagRevived) {
			return fmt.Errorf("%w: agent %d revives itself", ErrInconsistentAgent, ev.Source.ID)
		}
		if ev.Source.Team != 0 && ev.Target.Team != 0 && ev.Source.Team != ev.Target.Team {
			return fmt.Errorf("%w: agent %d reported on teams %d and %d", ErrInconsistentAgent, ev.Source.ID, ev.Source.Team, ev.Target.Team)
		}
	}
	if err := e.check(ev.Source); err != nil {
		return err
	}
	if hasTarget {
		if err := e.check(ev.Target); err != nil {
			return err
		}
	}

	src := e.touch(ev.Source, ev.Time)
	var dst *agentState
	if hasTarget {
		dst = e.touch(ev.Target, ev.Time)
	}

	e.events++
	if ev.Time.After(e.last) {
		e.last = ev.Time
	}

	if ev.Kind == model.KindSkill {
		key := model.AggregateKey{Agent: ev.Source.ID, Skill: ev.Skill}
		entry, ok := e.entries[key]
		if !ok {
			entry = &model.AggregateEntry{Agent: ev.Source.ID, Skill: ev.Skill}
			e.entries[key] = entry
		}
		entry.Add(ev.Magnitude, ev.Flags.Has(model.FlagCritical))
		if !src.active {
			src.active = true
			src.activeSince = ev.Time
		}
	}

	// Downed and dead flags on a skill land on its target when it has one.
	// Anything else, state changes included, describes the source.
	subject := src
	if dst != nil && ev.Kind == model.KindSkill {
		subject = dst
	}
	if ev.Flags.Has(model.FlagDowned) {
		subject.Downs++
		subject.closeWindow(ev.Time)
	}
	if ev.Flags.Has(model.FlagDead) {
		subject.Deaths++
		subject.closeWindow(ev.Time)
	}
	return nil
}

// result snapshots the encounter. The returned value shares no memory with e.
func (e *encounter) result(truncated bool) model.Result {
	end := e.end
	if truncated || end.IsZero() {
		end = e.last
	}

	participants := make([]model.Participant, 0, len(e.agentOrder))
	for _, id := range e.agentOrder {
		a := e.agents[id]
		a.closeWindow(end)
		participants = append(participants, a.Participant)
	}

	entries := make([]model.AggregateEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		entries = append(entries, *entry)
	}
	slices.SortFunc(entries, func(a, b model.AggregateEntry) int {
		if c := cmp.Compare(a.Agent, b.Agent); c != 0 {
			return c
		}
		return cmp.Compare(a.Skill, b.Skill)
	})

	endSeq := e.closeSeq
	if truncated {
		endSeq = 0
	}
	return model.Result{
		EncounterID:  e.id,
		StartSeq:     e.startSeq,
		EndSeq:       endSeq,
		Start:        e.start,
		End:          end,
		Truncated:    truncated,
		Participants: participants,
		Entries:      entries,
		EventCount:   e.events,
		Malformed:    e.malformed,
	}
}
