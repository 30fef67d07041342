package delegation

import "errors"

// Sentinel errors for the delegation subsystem. The pipeline wraps these into
// structured faults; within the package they stay plain for errors.Is checks.
var (
	ErrDuplicateToken      = errors.New("delegation: token id already registered")
	ErrEmptyChain          = errors.New("delegation: chain has no tokens")
	ErrDepthExceeded       = errors.New("delegation: chain exceeds maximum depth")
	ErrBrokenContinuity    = errors.New("delegation: chain continuity broken")
	ErrTokenNotFound       = errors.New("delegation: token not found")
	ErrTokenExpired        = errors.New("delegation: token outside its temporal window")
	ErrTokenRevoked        = errors.New("delegation: token revoked")
	ErrUseLimitExceeded    = errors.New("delegation: token use limit exceeded")
	ErrConstraintViolation = errors.New("delegation: capability outside effective constraint")
)
