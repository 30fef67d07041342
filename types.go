package kengen

import (
	"time"

	"github.com/google/uuid"
)

// Effect is the declared side-effect class of a capability.
type Effect string

const (
	EffectReadOnly   Effect = "read_only"
	EffectMutate     Effect = "mutate"
	EffectNetwork    Effect = "network"
	EffectPrivileged Effect = "privileged"
)

// AgentKind classifies the caller submitting a request.
type AgentKind string

const (
	AgentHuman   AgentKind = "human"
	AgentService AgentKind = "service"
	AgentLLM     AgentKind = "llm"
)

// PrincipalClass records how a principal derives its authority.
type PrincipalClass string

const (
	ClassSystem    PrincipalClass = "system"
	ClassService   PrincipalClass = "service"
	ClassHuman     PrincipalClass = "direct_human"
	ClassDelegated PrincipalClass = "delegated"
)

// Principal identifies an acting party inside one tenant.
type Principal struct {
	AgentID  string
	TenantID uuid.UUID
	Class    PrincipalClass
}

// Constraint bounds what a delegation admits. A nil Allowed slice admits
// every capability; an empty non-nil slice admits none. The same convention
// applies to the pattern slices.
type Constraint struct {
	Allowed      []string
	Forbidden    []string
	NounPatterns []string
	VerbPatterns []string
	MaxEffect    Effect
}

// Temporal bounds when, and how often, a delegation may be used.
// MaxUses of zero means unlimited.
type Temporal struct {
	NotBefore time.Time
	NotAfter  time.Time
	MaxUses   int64
}

// Token is one link of delegated authority.
type Token struct {
	ID         uuid.UUID
	Delegator  Principal
	Delegate   Principal
	Constraint Constraint
	Temporal   Temporal
	ParentID   *uuid.UUID
	IssuedAt   time.Time
}

// Chain is the full delegation path from an origin principal to the
// executor submitting a request.
type Chain struct {
	Origin   Principal
	Tokens   []Token
	Executor Principal
}

// Request is one capability invocation attempt.
type Request struct {
	// CorrelationID ties logs, events, and receipts together. Left zero,
	// one is assigned on entry.
	CorrelationID uuid.UUID
	CapabilityID  string
	Args          map[string]any
	Caller        Principal
	AgentKind     AgentKind
	Chain         Chain
}

// Capability describes an invocable operation in the live registry.
type Capability struct {
	ID               string
	Version          string
	Effects          []Effect
	Sensitivity      int
	InputSchemaHash  string
	OutputSchemaHash string
}

// PolicyTrace is the evidence of which rule decided a request.
type PolicyTrace struct {
	RuleName    string
	Action      string
	Reason      string
	Suggestion  string
	EvaluatedAt time.Time
}

// AuditEntry records one pipeline phase outcome inside a receipt.
type AuditEntry struct {
	Phase     string
	Timestamp time.Time
	Result    string
}

// Verification carries the cryptographic evidence attached to a receipt.
type Verification struct {
	Algorithm  string
	KeyID      string
	Signature  []byte
	PublicKey  []byte
	SchemaHash string
}

// Receipt is the durable record of one completed invocation.
type Receipt struct {
	ID               uuid.UUID
	Timestamp        time.Time
	Duration         time.Duration
	CapabilitiesUsed []string
	AgentID          string
	TenantID         uuid.UUID
	CorrelationID    uuid.UUID
	GuardDetail      string
	ResultHash       string
	Verification     *Verification
	AuditTrail       []AuditEntry
	Metadata         map[string]any
}

// EventKind is the category of a governance event.
type EventKind string

const (
	EventPolicyDecision     EventKind = "PolicyDecision"
	EventSecurityViolation  EventKind = "SecurityViolation"
	EventExecutionCompleted EventKind = "ExecutionCompleted"
	EventExecutionFailed    EventKind = "ExecutionFailed"
	EventTokenIssued        EventKind = "TokenIssued"
	EventTokenRevoked       EventKind = "TokenRevoked"
)

// Event is an immutable governance ledger record.
type Event struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Kind          EventKind
	AgentID       string
	TenantID      uuid.UUID
	CorrelationID uuid.UUID
	Metadata      map[string]any
}

// EventQuery narrows an event lookup. Zero fields match everything.
type EventQuery struct {
	TenantID      uuid.UUID
	AgentID       string
	Kind          EventKind
	CorrelationID uuid.UUID
	Since         time.Time
	Until         time.Time
	Limit         int
}

// ReceiptQuery narrows a receipt lookup. Zero fields match everything.
type ReceiptQuery struct {
	TenantID      uuid.UUID
	AgentID       string
	CorrelationID uuid.UUID
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Outcome is the result of a successfully executed request.
type Outcome struct {
	Output  any
	Receipt Receipt
	Trace   PolicyTrace
}
