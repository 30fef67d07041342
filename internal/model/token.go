package model

import (
	"time"

	"github.com/google/uuid"
)

// TemporalConstraint bounds when, and how often, a delegation token is valid.
// A zero NotBefore or NotAfter means unbounded on that side. MaxUses of zero
// means unlimited.
type TemporalConstraint struct {
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	MaxUses   int64     `json:"max_uses,omitempty"`
}

// ValidAt reports whether the window admits the given instant.
// The use-count ceiling is checked separately; the counter lives in the
// registry, not on the token.
func (t TemporalConstraint) ValidAt(now time.Time) bool {
	if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
		return false
	}
	if !t.NotAfter.IsZero() && now.After(t.NotAfter) {
		return false
	}
	return true
}

// Expired reports whether the window has closed. Expiry is a predicate, not a
// deletion event: an expired token may still sit in storage until cleanup.
func (t TemporalConstraint) Expired(now time.Time) bool {
	return !t.NotAfter.IsZero() && now.After(t.NotAfter)
}

// DelegationToken is a constrained, time-bounded grant of authority from one
// principal to another. Immutable once issued; the use counter is tracked by
// the registry, never on the token value itself.
type DelegationToken struct {
	ID         uuid.UUID            `json:"id"`
	Delegator  Principal            `json:"delegator"`
	Delegate   Principal            `json:"delegate"`
	Constraint CapabilityConstraint `json:"constraint"`
	Temporal   TemporalConstraint   `json:"temporal"`
	ParentID   *uuid.UUID           `json:"parent_id,omitempty"`
	IssuedAt   time.Time            `json:"issued_at"`
}

// DelegationChain is an ordered sequence of tokens (oldest first) establishing
// authority from an origin principal to an executor. The executor must equal
// the delegate of the last token; each token's delegate must equal the next
// token's delegator.
type DelegationChain struct {
	Origin   Principal         `json:"origin"`
	Tokens   []DelegationToken `json:"tokens"`
	Executor Principal         `json:"executor"`
}

// Depth returns the number of hops in the chain.
func (c DelegationChain) Depth() int { return len(c.Tokens) }
