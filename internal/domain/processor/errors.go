package processor

import "errors"

var (
	// ErrOverlappingEncounter is reported when a start marker precedes the
	// close marker of an earlier encounter.
	ErrOverlappingEncounter = errors.New("encounter ranges overlap")
	// ErrNestedStart is reported when a start marker arrives while an encounter is open.
	ErrNestedStart = errors.New("start marker while an encounter is open")
	// ErrOrphanEnd is reported when an end marker matches no open encounter.
	ErrOrphanEnd = errors.New("end marker without open encounter")
	// ErrInconsistentAgent is reported when an agent reference contradicts
	// what the encounter already knows about that agent.
	ErrInconsistentAgent = errors.New("inconsistent agent reference")
)
