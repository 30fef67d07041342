// Package constraint implements the capability-constraint algebra used by
// delegation and policy.
//
// Intersect is a pure, associative, idempotent binary operation; chain
// validation folds it left-to-right over an arbitrary-length token sequence,
// so "the effective constraint of a chain" is well-defined regardless of how
// the fold is bracketed.
package constraint

import (
	"fmt"
	"path"
	"sort"

	"github.com/kengen-ai/kengen/internal/model"
)

// Intersect combines a parent constraint with a child constraint such that
// the result never admits anything the parent forbids:
//
//   - allowed set: intersection when both sides specify one, else whichever
//     side specifies one, else "all"
//   - forbidden set: union (forbidding is monotonic down the chain)
//   - max effect level: the minimum of the two
//   - noun/verb patterns: intersection of pattern sets; a side with no
//     patterns defers to the other
//
// Disjoint allowed sets or pattern sets produce an empty (non-nil) set: a
// constraint that admits nothing. Callers decide whether that is an error.
func Intersect(parent, child model.CapabilityConstraint) model.CapabilityConstraint {
	out := model.CapabilityConstraint{
		Allowed:      intersectSets(parent.Allowed, child.Allowed),
		Forbidden:    unionSets(parent.Forbidden, child.Forbidden),
		NounPatterns: intersectSets(parent.NounPatterns, child.NounPatterns),
		VerbPatterns: intersectSets(parent.VerbPatterns, child.VerbPatterns),
		MaxEffect:    parent.MaxEffect,
	}
	if child.MaxEffect < out.MaxEffect {
		out.MaxEffect = child.MaxEffect
	}
	return out
}

// Fold left-folds Intersect over a sequence of constraints.
// An empty sequence yields the unrestricted constraint.
func Fold(constraints []model.CapabilityConstraint) model.CapabilityConstraint {
	out := model.Unrestricted()
	for _, c := range constraints {
		out = Intersect(out, c)
	}
	return out
}

// Allows reports whether the constraint admits the capability at the given
// effect level. The deny list always wins; the returned reason is empty when
// the capability is admitted.
func Allows(c model.CapabilityConstraint, capabilityID string, effect model.EffectLevel) (bool, string) {
	for _, f := range c.Forbidden {
		if f == capabilityID {
			return false, fmt.Sprintf("capability %q is forbidden", capabilityID)
		}
	}
	if c.Allowed != nil && !contains(c.Allowed, capabilityID) {
		return false, fmt.Sprintf("capability %q is not in the allowed set", capabilityID)
	}
	noun, verb := model.SplitCapabilityID(capabilityID)
	// Like the allowed set, a nil pattern set means unrestricted while an
	// empty non-nil set (the result of intersecting disjoint patterns)
	// matches nothing.
	if c.NounPatterns != nil && !matchesAny(c.NounPatterns, noun) {
		return false, fmt.Sprintf("noun %q matches no permitted pattern", noun)
	}
	if c.VerbPatterns != nil && !matchesAny(c.VerbPatterns, verb) {
		return false, fmt.Sprintf("verb %q matches no permitted pattern", verb)
	}
	if effect > c.MaxEffect {
		return false, fmt.Sprintf("effect %s exceeds maximum %s", effect, c.MaxEffect)
	}
	return true, ""
}

// Normalize returns a canonical copy (sorted, deduplicated sets). Two
// constraints admitting identical capability sets normalize to equal values,
// which is what makes Intersect idempotent in the algebraic sense.
func Normalize(c model.CapabilityConstraint) model.CapabilityConstraint {
	return model.CapabilityConstraint{
		Allowed:      normalizeSet(c.Allowed),
		Forbidden:    normalizeSet(c.Forbidden),
		NounPatterns: normalizeSet(c.NounPatterns),
		VerbPatterns: normalizeSet(c.VerbPatterns),
		MaxEffect:    c.MaxEffect,
	}
}

// intersectSets treats nil as "unrestricted". The result is nil only when
// both sides are nil; otherwise it is a sorted, deduplicated slice that may
// be empty.
func intersectSets(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		return normalizeSet(b)
	}
	if b == nil {
		return normalizeSet(a)
	}
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := inB[s]; ok {
			out = append(out, s)
		}
	}
	return normalizeSet(out)
}

func unionSets(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return normalizeSet(out)
}

// normalizeSet sorts and deduplicates, preserving the nil/non-nil distinction.
func normalizeSet(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		// path.Match errors only on malformed patterns; a malformed pattern
		// matches nothing.
		if ok, err := path.Match(p, s); err == nil && ok {
			return true
		}
	}
	return false
}
