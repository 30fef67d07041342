// Package ratelimit provides the pluggable limiter behind the rate-limit
// policy action.
//
// The in-process deployment ships a token bucket keyed by rule and principal
// (MemoryLimiter). Distributed deployments can substitute a shared
// implementation; the Limiter interface is the contract.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (e.g. "rule:<name>:agent:<id>"). An error signals
	// a limiter malfunction; callers treat errors as fail-open rather than
	// blocking the pipeline.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when no rate-limit rules exist.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
