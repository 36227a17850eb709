package testevents

import (
	"math/rand/v2"

	"github.com/okian/healstats/internal/domain/model"
)

// perturb returns the session's events as the blocks they will be sent in.
// The events are cut into blocks of span; each block gets re-sent copies of
// some of its events and is then shuffled. No event moves out of its block,
// so a service whose reorder window is at least span restores the order.
func perturb(rng *rand.Rand, events []model.SkillEvent, span int, dupRate float64, stats *Stats) [][]model.SkillEvent {
	var blocks [][]model.SkillEvent
	for start := 0; start < len(events); start += span {
		end := min(start+span, len(events))
		block := append([]model.SkillEvent(nil), events[start:end]...)
		for i := start; i < end; i++ {
			if rng.Float64() < dupRate {
				block = append(block, events[i])
				stats.Duplicates++
			}
		}
		rng.Shuffle(len(block), func(i, j int) { block[i], block[j] = block[j], block[i] })
		blocks = append(blocks, block)
	}
	return blocks
}

// batches joins whole blocks into POST bodies of at least size events, so a
// shuffled block is never split across requests.
func batches(blocks [][]model.SkillEvent, size int) [][]model.SkillEvent {
	var (
		out [][]model.SkillEvent
		cur []model.SkillEvent
	)
	for _, block := range blocks {
		cur = append(cur, block...)
		if len(cur) >= size {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
