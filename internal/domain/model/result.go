package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of an encounter.
type State uint8

const (
	StateOpen State = iota + 1
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// AggregateKey addresses one aggregate row.
type AggregateKey struct {
	Agent AgentID
	Skill SkillID
}

// AggregateEntry holds running totals for one (agent, skill) pair.
type AggregateEntry struct {
	Agent     AgentID
	Skill     SkillID
	Count     uint64
	Sum       int64
	CritCount uint64
}

// Add applies one event magnitude to the entry.
func (a *AggregateEntry) Add(magnitude int64, critical bool) {
	a.Count++
	a.Sum += magnitude
	if critical {
		a.CritCount++
	}
}

// Participant is an agent together with its per-encounter summary.
type Participant struct {
	Agent
	ActiveTime time.Duration
	Downs      uint32
	Deaths     uint32
}

// Result is the snapshot of a closed encounter. Slices are owned by the
// holder; use Clone before handing a Result to another owner.
type Result struct {
	EncounterID  string
	StartSeq     Seq
	EndSeq       Seq
	Start        time.Time
	End          time.Time
	Truncated    bool
	Participants []Participant
	Entries      []AggregateEntry
	EventCount   uint64
	Malformed    uint64
}

// Duration is the encounter length by wall clock.
func (r Result) Duration() time.Duration {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Key identifies the encounter for remote deduplication.
func (r Result) Key() string {
	return fmt.Sprintf("%s/%d/%d", r.EncounterID, r.Start.UnixMilli(), r.End.UnixMilli())
}

// Entry returns the aggregate row for (agent, skill).
func (r Result) Entry(agent AgentID, skill SkillID) (AggregateEntry, bool) {
	for _, e := range r.Entries {
		if e.Agent == agent && e.Skill == skill {
			return e, true
		}
	}
	return AggregateEntry{}, false
}

// Clone returns a deep copy sharing no memory with r.
func (r Result) Clone() Result {
	out := r
	if r.Participants != nil {
		out.Participants = append([]Participant(nil), r.Participants...)
	}
	if r.Entries != nil {
		out.Entries = append([]AggregateEntry(nil), r.Entries...)
	}
	return out
}
