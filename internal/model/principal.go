package model

import "github.com/google/uuid"

// PrincipalClass categorizes how a principal came to hold authority.
type PrincipalClass string

const (
	ClassSystem    PrincipalClass = "system"
	ClassService   PrincipalClass = "service"
	ClassHuman     PrincipalClass = "direct_human"
	ClassDelegated PrincipalClass = "delegated"
)

// AgentType describes what kind of actor sits behind a principal. Used by
// policy conditions (e.g. "deny privileged effects for LLM agents").
type AgentType string

const (
	AgentHuman   AgentType = "human"
	AgentService AgentType = "service"
	AgentLLM     AgentType = "llm"
)

// Principal is an identity performing or delegating an action.
// Immutable once constructed.
type Principal struct {
	AgentID  string         `json:"agent_id"`
	TenantID uuid.UUID      `json:"tenant_id"`
	Class    PrincipalClass `json:"class"`
}

// Equal reports whether two principals denote the same identity.
// Class is intentionally excluded: the same identity may appear as
// "service" in one token and "delegated" further down the chain.
func (p Principal) Equal(other Principal) bool {
	return p.AgentID == other.AgentID && p.TenantID == other.TenantID
}

// String returns "tenant/agent" for logs and error context.
func (p Principal) String() string {
	return p.TenantID.String() + "/" + p.AgentID
}
