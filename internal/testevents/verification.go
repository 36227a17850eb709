package testevents

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
)

// ErrVerification is returned when the service's results disagree with the
// generated session.
var ErrVerification = errors.New("result verification failed")

// Report is the outcome of comparing results with expectations.
type Report struct {
	Verified   int
	Missing    []model.Seq
	Mismatches []string
}

// OK reports whether every expectation was met.
func (r *Report) OK() bool { return len(r.Missing) == 0 && len(r.Mismatches) == 0 }

// verify matches results to expectations by start sequence number and checks
// every aggregate row and down count.
func verify(exps []Expectation, results []wire.ResultMessage) *Report {
	byStart := make(map[uint64]*wire.ResultMessage, len(results))
	for i := range results {
		byStart[results[i].StartSeq] = &results[i]
	}

	rep := &Report{}
	for i := range exps {
		exp := &exps[i]
		res, ok := byStart[uint64(exp.StartSeq)]
		if !ok {
			rep.Missing = append(rep.Missing, exp.StartSeq)
			continue
		}
		problems := compare(exp, res)
		if len(problems) == 0 {
			rep.Verified++
			continue
		}
		for _, p := range problems {
			rep.Mismatches = append(rep.Mismatches, fmt.Sprintf("encounter %s (seq %d): %s", res.EncounterID, exp.StartSeq, p))
		}
	}
	return rep
}

// compare lists every difference between one expectation and its result.
func compare(exp *Expectation, res *wire.ResultMessage) []string {
	var out []string
	if res.Truncated {
		out = append(out, "truncated")
	}
	if res.EndSeq != uint64(exp.EndSeq) {
		out = append(out, fmt.Sprintf("end seq %d, want %d", res.EndSeq, exp.EndSeq))
	}
	if res.EventCount != exp.Events {
		out = append(out, fmt.Sprintf("event count %d, want %d", res.EventCount, exp.Events))
	}
	if res.Malformed != 0 {
		out = append(out, fmt.Sprintf("%d malformed events", res.Malformed))
	}

	if len(res.Rows) != len(exp.Rows) {
		out = append(out, fmt.Sprintf("%d rows, want %d", len(res.Rows), len(exp.Rows)))
	}
	for _, row := range res.Rows {
		key := model.AggregateKey{Agent: model.AgentID(row.AgentID), Skill: model.SkillID(row.SkillID)}
		want, ok := exp.Rows[key]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("unexpected row agent %d skill %d", row.AgentID, row.SkillID))
		case row.Count != want.Count || row.Sum != want.Sum || row.CritCount != want.CritCount:
			out = append(out, fmt.Sprintf("agent %d skill %d: count %d sum %d crits %d, want %d %d %d",
				row.AgentID, row.SkillID, row.Count, row.Sum, row.CritCount, want.Count, want.Sum, want.CritCount))
		}
	}

	downs := make(map[model.AgentID]uint32, len(res.Participants))
	for _, p := range res.Participants {
		if p.Downs > 0 {
			downs[model.AgentID(p.AgentID)] = p.Downs
		}
	}
	for agent, want := range exp.Downs {
		if got := downs[agent]; got != want {
			out = append(out, fmt.Sprintf("agent %d downs %d, want %d", agent, got, want))
		}
	}
	for agent, got := range downs {
		if _, ok := exp.Downs[agent]; !ok {
			out = append(out, fmt.Sprintf("agent %d downs %d, want 0", agent, got))
		}
	}
	return out
}

// logReport writes the verification outcome.
func logReport(ctx context.Context, rep *Report, verbose bool) {
	log := logger.Get()
	if verbose {
		for _, m := range rep.Mismatches {
			log.Warn(ctx, "mismatch", logger.String("detail", m))
		}
		for _, seq := range rep.Missing {
			log.Warn(ctx, "missing encounter", logger.Uint64("start_seq", uint64(seq)))
		}
	}
	log.Info(ctx, "verification finished",
		logger.Int("verified", rep.Verified),
		logger.Int("missing", len(rep.Missing)),
		logger.Int("mismatches", len(rep.Mismatches)),
	)
}
