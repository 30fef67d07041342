package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry records the outcome of one pipeline phase inside a receipt.
type AuditEntry struct {
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"` // "ok" or an error code
}

// VerificationBlock carries the cryptographic evidence attached to a receipt.
type VerificationBlock struct {
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	Signature  []byte `json:"signature"`
	PublicKey  []byte `json:"public_key"`
	SchemaHash string `json:"schema_hash"` // input schema hash the certificate was issued against
}

// Receipt is the durable record of one completed invocation. The certificate
// is discarded after the pipeline finishes; the receipt is what survives.
type Receipt struct {
	ID               uuid.UUID          `json:"id"`
	Timestamp        time.Time          `json:"timestamp"`
	Duration         time.Duration      `json:"duration"`
	CapabilitiesUsed []string           `json:"capabilities_used"`
	AgentID          string             `json:"agent_id"`
	TenantID         uuid.UUID          `json:"tenant_id"`
	CorrelationID    uuid.UUID          `json:"correlation_id"`
	GuardDetail      string             `json:"guard_detail,omitempty"`
	ResultHash       string             `json:"result_hash,omitempty"` // SHA-256 hex of the handler result
	Verification     *VerificationBlock `json:"verification,omitempty"`
	AuditTrail       []AuditEntry       `json:"audit_trail"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
}
