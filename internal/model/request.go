package model

import (
	"time"

	"github.com/google/uuid"
)

// Request is one invocation attempt entering the pipeline: who wants to run
// which capability, under which chain of delegated authority.
type Request struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CapabilityID  string          `json:"capability_id"`
	Args          map[string]any  `json:"args,omitempty"`
	Caller        Principal       `json:"caller"`
	AgentType     AgentType       `json:"agent_type"`
	Chain         DelegationChain `json:"chain"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// PolicyTrace is the evidence of why an invocation was allowed (or how it was
// decided). Attached to certificates and receipts so the decision can be
// reconstructed long after the rule set has changed.
type PolicyTrace struct {
	RuleName    string    `json:"rule_name,omitempty"` // empty for the default-deny outcome
	Action      string    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	Suggestion  string    `json:"suggestion,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
