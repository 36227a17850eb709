package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/healstats/internal/domain/model"
)

// AgentRequest is the JSON shape of an agent reference.
type AgentRequest struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name,omitempty"`
	Team     uint16 `json:"team,omitempty"`
	Subgroup uint16 `json:"subgroup,omitempty"`
}

// EventRequest is the JSON shape of one event in a POST /events batch.
type EventRequest struct {
	Kind      string        `json:"kind"`
	Seq       uint64        `json:"seq"`
	TimeMs    int64         `json:"time_ms"`
	Source    *AgentRequest `json:"source,omitempty"`
	Target    *AgentRequest `json:"target,omitempty"`
	Skill     uint32        `json:"skill,omitempty"`
	Magnitude int64         `json:"magnitude,omitempty"`
	Flags     []string      `json:"flags,omitempty"`
}

// ToEvent converts the request into a domain event. Only names are checked
// here; sequencing rules are the core's business.
func (e *EventRequest) ToEvent() (model.SkillEvent, error) {
	kind, err := model.ParseKind(e.Kind)
	if err != nil {
		return model.SkillEvent{}, err
	}
	flags, err := model.ParseFlags(e.Flags)
	if err != nil {
		return model.SkillEvent{}, err
	}
	return model.SkillEvent{
		Kind:      kind,
		Seq:       model.Seq(e.Seq),
		Time:      time.UnixMilli(e.TimeMs),
		Source:    e.Source.toRef(),
		Target:    e.Target.toRef(),
		Skill:     model.SkillID(e.Skill),
		Magnitude: e.Magnitude,
		Flags:     flags,
	}, nil
}

// FromEvent builds the request shape of ev.
func FromEvent(ev *model.SkillEvent) EventRequest {
	return EventRequest{
		Kind:      ev.Kind.String(),
		Seq:       uint64(ev.Seq),
		TimeMs:    ev.Time.UnixMilli(),
		Source:    fromRef(ev.Source),
		Target:    fromRef(ev.Target),
		Skill:     uint32(ev.Skill),
		Magnitude: ev.Magnitude,
		Flags:     ev.Flags.Names(),
	}
}

func (a *AgentRequest) toRef() model.AgentRef {
	if a == nil {
		return model.AgentRef{}
	}
	return model.AgentRef{ID: model.AgentID(a.ID), Name: a.Name, Team: a.Team, Subgroup: a.Subgroup}
}

func fromRef(r model.AgentRef) *AgentRequest {
	if r.IsZero() {
		return nil
	}
	return &AgentRequest{ID: uint64(r.ID), Name: r.Name, Team: r.Team, Subgroup: r.Subgroup}
}

// EventsResponse acknowledges a batch.
type EventsResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

// EventsHandler handles event batches.
type EventsHandler struct {
	deps    EventSubmitter
	maxBody int64
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventSubmitter, maxBody int64) *EventsHandler {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &EventsHandler{deps: deps, maxBody: maxBody}
}

// HandlePostEvents handles POST /events. The body is a JSON array of events
// in arrival order. A batch with an unknown kind or flag name is rejected as
// a whole; everything else is submitted and the core decides.
func (h *EventsHandler) HandlePostEvents(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_events"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var reqs []EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&reqs); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", WrapKind(op, ErrPayloadTooLarge, err))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("empty batch")))
		return
	}

	evs := make([]model.SkillEvent, 0, len(reqs))
	for i := range reqs {
		ev, err := reqs[i].ToEvent()
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, fmt.Errorf("event %d: %w", i, err)))
			return
		}
		evs = append(evs, ev)
	}

	h.deps.SubmitBatch(r.Context(), evs)
	writeJSON(w, http.StatusAccepted, EventsResponse{Status: "accepted", Accepted: len(evs)})
}
