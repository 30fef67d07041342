package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a governance event.
type EventType string

const (
	// Authorization events.
	EventPolicyDecision    EventType = "PolicyDecision"
	EventSecurityViolation EventType = "SecurityViolation"

	// Execution events.
	EventExecutionCompleted EventType = "ExecutionCompleted"
	EventExecutionFailed    EventType = "ExecutionFailed"

	// Delegation lifecycle events.
	EventTokenIssued  EventType = "TokenIssued"
	EventTokenRevoked EventType = "TokenRevoked"
)

// GovernanceEvent is an immutable audit record appended to the governance
// ledger. Source of truth for after-the-fact review. Never mutated or deleted.
type GovernanceEvent struct {
	ID            uuid.UUID      `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          EventType      `json:"type"`
	AgentID       string         `json:"agent_id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
