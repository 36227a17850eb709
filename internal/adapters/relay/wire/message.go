package wire

import (
	"fmt"
	"time"

	"github.com/okian/healstats/internal/domain/model"
)

// ResultMessage is the self-describing payload of a result frame.
type ResultMessage struct {
	EncounterID  string        `json:"encounter_id"`
	StartUnixMs  int64         `json:"start_unix_ms"`
	EndUnixMs    int64         `json:"end_unix_ms"`
	StartSeq     uint64        `json:"start_seq"`
	EndSeq       uint64        `json:"end_seq,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	EventCount   uint64        `json:"event_count"`
	Malformed    uint64        `json:"malformed,omitempty"`
	Participants []Participant `json:"participants"`
	Rows         []Row         `json:"rows"`
}

// Participant is one agent of the encounter.
type Participant struct {
	AgentID      uint64 `json:"agent_id"`
	Name         string `json:"name,omitempty"`
	Team         uint16 `json:"team,omitempty"`
	Subgroup     uint16 `json:"subgroup,omitempty"`
	FirstSeenMs  int64  `json:"first_seen_ms"`
	LastSeenMs   int64  `json:"last_seen_ms"`
	ActiveTimeMs int64  `json:"active_time_ms"`
	Downs        uint32 `json:"downs,omitempty"`
	Deaths       uint32 `json:"deaths,omitempty"`
}

// Row is one per-agent per-skill aggregate.
type Row struct {
	AgentID   uint64 `json:"agent_id"`
	SkillID   uint32 `json:"skill_id"`
	Count     uint64 `json:"count"`
	Sum       int64  `json:"sum"`
	CritCount uint64 `json:"crit_count"`
}

// Key identifies the encounter for deduplication on the receiving side.
// It matches model.Result.Key.
func (m *ResultMessage) Key() string {
	return fmt.Sprintf("%s/%d/%d", m.EncounterID, m.StartUnixMs, m.EndUnixMs)
}

// FromResult converts a domain result into its wire form.
func FromResult(r *model.Result) *ResultMessage {
	msg := &ResultMessage{
		EncounterID:  r.EncounterID,
		StartUnixMs:  r.Start.UnixMilli(),
		EndUnixMs:    r.End.UnixMilli(),
		StartSeq:     uint64(r.StartSeq),
		EndSeq:       uint64(r.EndSeq),
		Truncated:    r.Truncated,
		EventCount:   r.EventCount,
		Malformed:    r.Malformed,
		Participants: make([]Participant, 0, len(r.Participants)),
		Rows:         make([]Row, 0, len(r.Entries)),
	}
	for i := range r.Participants {
		p := &r.Participants[i]
		msg.Participants = append(msg.Participants, Participant{
			AgentID:      uint64(p.ID),
			Name:         p.Name,
			Team:         p.Team,
			Subgroup:     p.Subgroup,
			FirstSeenMs:  p.FirstSeen.UnixMilli(),
			LastSeenMs:   p.LastSeen.UnixMilli(),
			ActiveTimeMs: p.ActiveTime.Milliseconds(),
			Downs:        p.Downs,
			Deaths:       p.Deaths,
		})
	}
	for _, e := range r.Entries {
		msg.Rows = append(msg.Rows, Row{
			AgentID:   uint64(e.Agent),
			SkillID:   uint32(e.Skill),
			Count:     e.Count,
			Sum:       e.Sum,
			CritCount: e.CritCount,
		})
	}
	return msg
}

// ToResult converts a wire message back into a domain result.
func (m *ResultMessage) ToResult() model.Result {
	res := model.Result{
		EncounterID:  m.EncounterID,
		StartSeq:     model.Seq(m.StartSeq),
		EndSeq:       model.Seq(m.EndSeq),
		Start:        time.UnixMilli(m.StartUnixMs),
		End:          time.UnixMilli(m.EndUnixMs),
		Truncated:    m.Truncated,
		EventCount:   m.EventCount,
		Malformed:    m.Malformed,
		Participants: make([]model.Participant, 0, len(m.Participants)),
		Entries:      make([]model.AggregateEntry, 0, len(m.Rows)),
	}
	for _, p := range m.Participants {
		res.Participants = append(res.Participants, model.Participant{
			Agent: model.Agent{
				ID:        model.AgentID(p.AgentID),
				Name:      p.Name,
				Team:      p.Team,
				Subgroup:  p.Subgroup,
				FirstSeen: time.UnixMilli(p.FirstSeenMs),
				LastSeen:  time.UnixMilli(p.LastSeenMs),
			},
			ActiveTime: time.Duration(p.ActiveTimeMs) * time.Millisecond,
			Downs:      p.Downs,
			Deaths:     p.Deaths,
		})
	}
	for _, r := range m.Rows {
		res.Entries = append(res.Entries, model.AggregateEntry{
			Agent:     model.AgentID(r.AgentID),
			Skill:     model.SkillID(r.SkillID),
			Count:     r.Count,
			Sum:       r.Sum,
			CritCount: r.CritCount,
		})
	}
	return res
}
