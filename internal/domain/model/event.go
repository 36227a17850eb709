// Package model contains the value types passed between the sequencer,
// the processor and the relay.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Seq is the host-assigned monotonic sequence number of an event.
// Zero is the invalid sentinel.
type Seq uint64

// Before reports whether s precedes o using serial-number arithmetic, so the
// ordering survives a wrap of the host's fixed-width counter.
func (s Seq) Before(o Seq) bool { return int64(s-o) < 0 }

// After reports whether s follows o.
func (s Seq) After(o Seq) bool { return int64(s-o) > 0 }

// Distance returns how far o is behind s; negative when o is ahead.
func (s Seq) Distance(o Seq) int64 { return int64(s - o) }

// AgentID is the stable numeric identity of a participant.
type AgentID uint64

// SkillID identifies a skill or effect.
type SkillID uint32

// Kind distinguishes combat facts from control records.
type Kind uint8

const (
	// KindSkill is a skill application carrying a magnitude.
	KindSkill Kind = iota + 1
	// KindStateChange is a state transition of the source agent (downed, dead, ...).
	KindStateChange
	// KindEncounterStart opens an encounter.
	KindEncounterStart
	// KindEncounterEnd closes the open encounter.
	KindEncounterEnd
)

func (k Kind) String() string {
	switch k {
	case KindSkill:
		return "skill"
	case KindStateChange:
		return "state_change"
	case KindEncounterStart:
		return "encounter_start"
	case KindEncounterEnd:
		return "encounter_end"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k >= KindSkill && k <= KindEncounterEnd }

// ParseKind maps a kind name as produced by String back to a Kind.
func ParseKind(name string) (Kind, error) {
	for k := KindSkill; k <= KindEncounterEnd; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", name)
}

// IsMarker reports whether k brackets an encounter.
func (k Kind) IsMarker() bool { return k == KindEncounterStart || k == KindEncounterEnd }

// Flags is the flag set attached to an event.
type Flags uint32

const (
	FlagCritical Flags = 1 << iota
	FlagHeal
	FlagDamage
	FlagBuffApply
	FlagBuffRemove
	FlagDowned
	FlagDead
	FlagRevived

	flagMask = FlagCritical | FlagHeal | FlagDamage | FlagBuffApply | FlagBuffRemove | FlagDowned | FlagDead | FlagRevived
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagCritical, "critical"},
	{FlagHeal, "heal"},
	{FlagDamage, "damage"},
	{FlagBuffApply, "buff_apply"},
	{FlagBuffRemove, "buff_remove"},
	{FlagDowned, "downed"},
	{FlagDead, "dead"},
	{FlagRevived, "revived"},
}

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	parts := f.Names()
	if rest := f &^ flagMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Names returns the names of the known bits set in f.
func (f Flags) Names() []string {
	var out []string
	for _, n := range flagNames {
		if f.Has(n.flag) {
			out = append(out, n.name)
		}
	}
	return out
}

// ParseFlags builds a flag set from flag names.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
outer:
	for _, name := range names {
		for _, n := range flagNames {
			if n.name == name {
				f |= n.flag
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown flag %q", name)
	}
	return f, nil
}

// Validate rejects unknown bits and contradictory combinations.
func (f Flags) Validate() error {
	switch {
	case f&^flagMask != 0:
		return fmt.Errorf("%w: unknown flag bits 0x%x", ErrMalformed, uint32(f&^flagMask))
	case f.Has(FlagHeal | FlagDamage):
		return fmt.Errorf("%w: heal and damage both set", ErrMalformed)
	case f.Has(FlagBuffApply | FlagBuffRemove):
		return fmt.Errorf("%w: buff apply and remove both set", ErrMalformed)
	case f.Has(FlagDowned | FlagRevived), f.Has(FlagDead | FlagRevived):
		return fmt.Errorf("%w: revive combined with downed/dead", ErrMalformed)
	}
	return nil
}

// AgentRef is the agent information carried on an event. A zero ID means
// no agent.
type AgentRef struct {
	ID       AgentID
	Name     string
	Team     uint16
	Subgroup uint16
}

// IsZero reports whether the reference is empty.
func (a AgentRef) IsZero() bool { return a.ID == 0 }

// SkillEvent is one combat-log fact or control record. It is treated as an
// immutable value once built.
type SkillEvent struct {
	Kind      Kind
	Seq       Seq
	Time      time.Time
	Source    AgentRef
	Target    AgentRef
	Skill     SkillID
	Magnitude int64
	Flags     Flags
}

// Validate checks the record is well formed enough to be sequenced.
func (e SkillEvent) Validate() error {
	if e.Seq == 0 {
		return fmt.Errorf("%w: zero sequence number", ErrMalformed)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(e.Kind))
	}
	if !e.Kind.IsMarker() && e.Source.IsZero() {
		return fmt.Errorf("%w: %s without source agent", ErrMalformed, e.Kind)
	}
	return e.Flags.Validate()
}

// Agent is a participant tracked by an encounter.
type Agent struct {
	ID        AgentID
	Name      string
	Team      uint16
	Subgroup  uint16
	FirstSeen time.Time
	LastSeen  time.Time
}
