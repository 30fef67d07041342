// Package delegation implements the delegation-token registry and chain
// verification.
//
// The registry is the only component in the system with mutable shared state.
// It uses a readers/writer lock: any number of Get/Verify calls proceed
// together; Register, Revoke and RecordUse take the write lock. A background
// cleanup loop removes expired tokens as an optimization; an expired but
// not-yet-cleaned token still fails verification, because expiry is a
// predicate on the temporal constraint, never a deletion event.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kengen-ai/kengen/internal/constraint"
	"github.com/kengen-ai/kengen/internal/model"
)

// DefaultMaxDepth bounds chain length unless configured otherwise.
const DefaultMaxDepth = 10

// DefaultCleanupInterval is how often the background loop sweeps expired
// tokens.
const DefaultCleanupInterval = 60 * time.Second

type entry struct {
	token    model.DelegationToken
	useCount int64
}

// Registry is a concurrent, in-memory store of delegation tokens.
type Registry struct {
	mu       sync.RWMutex
	tokens   map[uuid.UUID]*entry
	children map[uuid.UUID][]uuid.UUID // parent id -> direct child ids, for cascade revocation
	revoked  map[uuid.UUID]time.Time   // tombstones so revoked reads differ from unknown ids

	maxDepth        int
	cleanupInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	MaxDepth        int
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Now             func() time.Time // test hook
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		tokens:          make(map[uuid.UUID]*entry),
		children:        make(map[uuid.UUID][]uuid.UUID),
		revoked:         make(map[uuid.UUID]time.Time),
		maxDepth:        opts.MaxDepth,
		cleanupInterval: opts.CleanupInterval,
		logger:          opts.Logger.With("component", "delegation"),
		now:             opts.Now,
	}
}

// MaxDepth returns the configured chain depth ceiling.
func (r *Registry) MaxDepth() int { return r.maxDepth }

// Register inserts a token. Fails with ErrDuplicateToken if the id exists
// (including as a tombstone: a revoked id is never reusable).
func (r *Registry) Register(token model.DelegationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[token.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token.ID)
	}
	if _, ok := r.revoked[token.ID]; ok {
		return fmt.Errorf("%w: %s (previously revoked)", ErrDuplicateToken, token.ID)
	}

	r.tokens[token.ID] = &entry{token: token}
	if token.ParentID != nil {
		r.children[*token.ParentID] = append(r.children[*token.ParentID], token.ID)
	}
	return nil
}

// Get returns a token by id. Returns false for unknown or revoked
// identifiers.
func (r *Registry) Get(id uuid.UUID) (model.DelegationToken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tokens[id]
	if !ok {
		return model.DelegationToken{}, false
	}
	return e.token, true
}

// Depth returns how many ParentID links sit above tok. A root token has
// depth 0. The walk counts a link to an unknown parent and stops there, and
// is bounded by the registry's maximum depth.
func (r *Registry) Depth(tok model.DelegationToken) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	depth := 0
	for pid := tok.ParentID; pid != nil && depth < r.maxDepth; {
		depth++
		e, ok := r.tokens[*pid]
		if !ok {
			break
		}
		pid = e.token.ParentID
	}
	return depth
}

// UseCount returns the current use counter for a token.
func (r *Registry) UseCount(id uuid.UUID) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tokens[id]
	if !ok {
		return 0, false
	}
	return e.useCount, true
}

// Revoke removes a token immediately and irreversibly. With cascade, every
// token whose parent chain passes through it is revoked too (depth-first).
// Revoking an unknown or already-revoked id is a no-op, not an error.
func (r *Registry) Revoke(id uuid.UUID, cascade bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revokeLocked(id, cascade)
}

func (r *Registry) revokeLocked(id uuid.UUID, cascade bool) {
	if _, ok := r.tokens[id]; !ok {
		return
	}
	delete(r.tokens, id)
	r.revoked[id] = r.now()
	r.logger.Info("token revoked", "token_id", id, "cascade", cascade)

	if !cascade {
		return
	}
	for _, child := range r.children[id] {
		r.revokeLocked(child, true)
	}
	delete(r.children, id)
}

// RecordUse atomically increments a token's use counter. Fails with
// ErrUseLimitExceeded when the increment would exceed the token's maximum use
// count, and with ErrTokenNotFound / ErrTokenRevoked for missing tokens.
func (r *Registry) RecordUse(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tokens[id]
	if !ok {
		if _, gone := r.revoked[id]; gone {
			return fmt.Errorf("%w: %s", ErrTokenRevoked, id)
		}
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	if max := e.token.Temporal.MaxUses; max > 0 && e.useCount >= max {
		return fmt.Errorf("%w: %s used %d of %d", ErrUseLimitExceeded, id, e.useCount, max)
	}
	e.useCount++
	return nil
}

// ActiveTokens returns every registered, unexpired token. Full scan, used by
// background maintenance only, never on the hot path.
func (r *Registry) ActiveTokens() []model.DelegationToken {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]model.DelegationToken, 0, len(r.tokens))
	for _, e := range r.tokens {
		if !e.token.Temporal.Expired(now) {
			out = append(out, e.token)
		}
	}
	return out
}

// CleanupExpired removes tokens whose temporal window has closed and returns
// how many were removed. Removal is an optimization: Verify rejects expired
// tokens whether or not they have been swept.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, e := range r.tokens {
		if e.token.Temporal.Expired(now) {
			delete(r.tokens, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("expired tokens swept", "removed", removed)
	}
	return removed
}

// RunCleanup sweeps expired tokens on a fixed interval until the context is
// cancelled.
func (r *Registry) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupExpired()
		}
	}
}

// Verify validates a delegation chain against registry state at one instant
// and returns the chain's effective constraint. It never mutates: use-count
// increments happen only after successful execution, via RecordUse.
func (r *Registry) Verify(chain model.DelegationChain) (model.CapabilityConstraint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(chain.Tokens) == 0 {
		return model.CapabilityConstraint{}, ErrEmptyChain
	}
	if len(chain.Tokens) > r.maxDepth {
		return model.CapabilityConstraint{}, fmt.Errorf("%w: %d > %d", ErrDepthExceeded, len(chain.Tokens), r.maxDepth)
	}

	// Resolve every link to its registered token before anything else. The
	// chain's copies contribute ids only; their principal and constraint
	// fields are untrusted and may have been tampered with in transit.
	registered := make([]*entry, 0, len(chain.Tokens))
	for _, token := range chain.Tokens {
		e, ok := r.tokens[token.ID]
		if !ok {
			if _, gone := r.revoked[token.ID]; gone {
				return model.CapabilityConstraint{}, fmt.Errorf("%w: %s", ErrTokenRevoked, token.ID)
			}
			return model.CapabilityConstraint{}, fmt.Errorf("%w: %s", ErrTokenNotFound, token.ID)
		}
		registered = append(registered, e)
	}

	// Origin, continuity, and executor checks run against the registered
	// tokens, so a chain copy with swapped principals cannot verify.
	if !chain.Origin.Equal(registered[0].token.Delegator) {
		return model.CapabilityConstraint{}, fmt.Errorf("%w: origin %s is not the first delegator %s",
			ErrBrokenContinuity, chain.Origin, registered[0].token.Delegator)
	}
	for i := 0; i+1 < len(registered); i++ {
		if !registered[i].token.Delegate.Equal(registered[i+1].token.Delegator) {
			return model.CapabilityConstraint{}, fmt.Errorf("%w: token %d delegate %s != token %d delegator %s",
				ErrBrokenContinuity, i, registered[i].token.Delegate, i+1, registered[i+1].token.Delegator)
		}
	}
	last := registered[len(registered)-1].token
	if !chain.Executor.Equal(last.Delegate) {
		return model.CapabilityConstraint{}, fmt.Errorf("%w: executor %s is not the final delegate %s",
			ErrBrokenContinuity, chain.Executor, last.Delegate)
	}

	now := r.now()
	constraints := make([]model.CapabilityConstraint, 0, len(registered))
	for _, e := range registered {
		if !e.token.Temporal.ValidAt(now) {
			return model.CapabilityConstraint{}, fmt.Errorf("%w: %s", ErrTokenExpired, e.token.ID)
		}
		if max := e.token.Temporal.MaxUses; max > 0 && e.useCount >= max {
			return model.CapabilityConstraint{}, fmt.Errorf("%w: %s", ErrUseLimitExceeded, e.token.ID)
		}
		constraints = append(constraints, e.token.Constraint)
	}

	return constraint.Fold(constraints), nil
}
