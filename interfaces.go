package kengen

import (
	"context"
)

// CapabilityResolver looks a capability up in the deployment's live
// registry. Required: certificates freeze the resolved version and schema
// hashes at issuance, and verification re-checks them against this resolver.
type CapabilityResolver interface {
	Resolve(ctx context.Context, capabilityID string) (Capability, error)
}

// GuardChecker runs deployment-specific preflight checks between
// certification and execution: resource ceilings, budget checks, circuit
// state. The returned detail string lands in the receipt. Optional.
type GuardChecker interface {
	Check(ctx context.Context, req Request, capability Capability) (string, error)
}

// Handler executes one capability. It runs only after the request's
// certificate reached the verified state; Execution exposes the attested
// evidence read-only.
type Handler func(ctx context.Context, exec *Execution) (any, error)

// Ledger is a custom governance ledger backend. The built-in memory, sqlite,
// and postgres backends cover most deployments; implement this to append
// into an existing audit store instead.
type Ledger interface {
	AppendEvent(ctx context.Context, ev Event) error
	AppendReceipt(ctx context.Context, r Receipt) error
	Events(ctx context.Context, q EventQuery) ([]Event, error)
	Receipts(ctx context.Context, q ReceiptQuery) ([]Receipt, error)
	Close() error
}
