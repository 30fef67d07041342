// Package fault defines the structured error surfaced to pipeline callers.
//
// Subsystem packages keep their own sentinel errors; fault wraps them with a
// stable code, a human message, a context map, and an optional corrective
// suggestion so a denial is actionable without reading logs.
package fault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Code is a stable, machine-readable failure code.
type Code string

const (
	// Delegation failures.
	CodeEmptyChain          Code = "EMPTY_CHAIN"
	CodeDepthExceeded       Code = "DEPTH_EXCEEDED"
	CodeBrokenContinuity    Code = "BROKEN_CONTINUITY"
	CodeTokenNotFound       Code = "TOKEN_NOT_FOUND"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeTokenRevoked        Code = "TOKEN_REVOKED"
	CodeUseLimitExceeded    Code = "USE_LIMIT_EXCEEDED"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"

	// Policy failures.
	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeEvaluationTimeout Code = "EVALUATION_TIMEOUT"
	CodeApprovalRequired  Code = "APPROVAL_REQUIRED"
	CodeRateLimited       Code = "RATE_LIMITED"

	// Certificate failures.
	CodeCapabilityNotFound Code = "CAPABILITY_NOT_FOUND"
	CodeCertificateExpired Code = "CERTIFICATE_EXPIRED"
	CodeSchemaHashMismatch Code = "SCHEMA_HASH_MISMATCH"
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeSigningFailed      Code = "SIGNING_FAILED"

	// Pipeline failures.
	CodeGuardFailed     Code = "GUARD_FAILED"
	CodeHandlerNotFound Code = "HANDLER_NOT_FOUND"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeRecordingFailed Code = "RECORDING_FAILED"
)

// Error is a structured, caller-visible failure.
type Error struct {
	Code          Code
	Message       string
	Suggestion    string
	CorrelationID uuid.UUID
	Context       map[string]any
	Err           error // wrapped cause, may be nil
}

// New creates a fault with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a fault around an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// With attaches one context key to the error. Returns the receiver for
// chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Suggest attaches a human-actionable corrective suggestion.
func (e *Error) Suggest(s string) *Error {
	e.Suggestion = s
	return e
}

// Correlate stamps the error with the invocation's correlation id.
func (e *Error) Correlate(id uuid.UUID) *Error {
	e.CorrelationID = id
	return e
}

// CodeOf extracts the fault code from an error chain. Returns the empty code
// when the chain contains no *Error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
