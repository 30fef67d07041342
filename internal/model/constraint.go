package model

import (
	"fmt"
	"strings"
)

// EffectLevel is an ordered side-effect classification for capabilities.
// Higher levels imply broader blast radius.
type EffectLevel int

const (
	EffectReadOnly EffectLevel = iota
	EffectMutate
	EffectNetwork
	EffectPrivileged
)

var effectNames = map[EffectLevel]string{
	EffectReadOnly:   "read_only",
	EffectMutate:     "mutate",
	EffectNetwork:    "network",
	EffectPrivileged: "privileged",
}

// String returns the wire name of the effect level.
func (e EffectLevel) String() string {
	if name, ok := effectNames[e]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// ParseEffect converts a wire name into an EffectLevel.
func ParseEffect(s string) (EffectLevel, error) {
	for level, name := range effectNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("model: unknown effect level %q", s)
}

// MarshalText implements encoding.TextMarshaler (used by JSON and YAML).
func (e EffectLevel) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EffectLevel) UnmarshalText(b []byte) error {
	level, err := ParseEffect(string(b))
	if err != nil {
		return err
	}
	*e = level
	return nil
}

// CapabilityConstraint is a restriction set carried by a delegation token.
//
// A nil Allowed slice means "all capabilities"; an empty non-nil slice means
// "none". Forbidden is always enforced and wins over Allowed. Noun and verb
// patterns are glob expressions matched against the two halves of a
// "noun.verb" capability identifier, with the same nil ("unrestricted") vs
// empty ("nothing matches") distinction as the allowed set.
type CapabilityConstraint struct {
	Allowed      []string    `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Forbidden    []string    `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
	NounPatterns []string    `json:"noun_patterns,omitempty" yaml:"noun_patterns,omitempty"`
	VerbPatterns []string    `json:"verb_patterns,omitempty" yaml:"verb_patterns,omitempty"`
	MaxEffect    EffectLevel `json:"max_effect" yaml:"max_effect"`
}

// Unrestricted returns a constraint that admits every capability at every
// effect level. Use as the root of a delegation chain issued by a system
// principal.
func Unrestricted() CapabilityConstraint {
	return CapabilityConstraint{MaxEffect: EffectPrivileged}
}

// SplitCapabilityID splits a "noun.verb" capability identifier.
// The verb is everything after the first dot, so "user.keys.rotate" yields
// noun "user" and verb "keys.rotate".
func SplitCapabilityID(id string) (noun, verb string) {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}
