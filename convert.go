package kengen

import (
	"fmt"
	"time"

	"github.com/kengen-ai/kengen/internal/model"
)

// Conversions between the public structs and internal/model. Field-by-field
// on purpose: a new internal field must be deliberately exposed, never
// leaked by a shared type.

func toModelPrincipal(p Principal) model.Principal {
	return model.Principal{
		AgentID:  p.AgentID,
		TenantID: p.TenantID,
		Class:    model.PrincipalClass(p.Class),
	}
}

func toPublicPrincipal(p model.Principal) Principal {
	return Principal{
		AgentID:  p.AgentID,
		TenantID: p.TenantID,
		Class:    PrincipalClass(p.Class),
	}
}

func toModelEffect(e Effect) (model.EffectLevel, error) {
	if e == "" {
		return model.EffectReadOnly, nil
	}
	return model.ParseEffect(string(e))
}

func toModelConstraint(c Constraint) (model.CapabilityConstraint, error) {
	eff, err := toModelEffect(c.MaxEffect)
	if err != nil {
		return model.CapabilityConstraint{}, fmt.Errorf("kengen: constraint: %w", err)
	}
	return model.CapabilityConstraint{
		Allowed:      c.Allowed,
		Forbidden:    c.Forbidden,
		NounPatterns: c.NounPatterns,
		VerbPatterns: c.VerbPatterns,
		MaxEffect:    eff,
	}, nil
}

func toPublicConstraint(c model.CapabilityConstraint) Constraint {
	return Constraint{
		Allowed:      c.Allowed,
		Forbidden:    c.Forbidden,
		NounPatterns: c.NounPatterns,
		VerbPatterns: c.VerbPatterns,
		MaxEffect:    Effect(c.MaxEffect.String()),
	}
}

func toModelToken(t Token) (model.DelegationToken, error) {
	constraint, err := toModelConstraint(t.Constraint)
	if err != nil {
		return model.DelegationToken{}, err
	}
	return model.DelegationToken{
		ID:         t.ID,
		Delegator:  toModelPrincipal(t.Delegator),
		Delegate:   toModelPrincipal(t.Delegate),
		Constraint: constraint,
		Temporal: model.TemporalConstraint{
			NotBefore: t.Temporal.NotBefore,
			NotAfter:  t.Temporal.NotAfter,
			MaxUses:   t.Temporal.MaxUses,
		},
		ParentID: t.ParentID,
		IssuedAt: t.IssuedAt,
	}, nil
}

func toPublicToken(t model.DelegationToken) Token {
	return Token{
		ID:         t.ID,
		Delegator:  toPublicPrincipal(t.Delegator),
		Delegate:   toPublicPrincipal(t.Delegate),
		Constraint: toPublicConstraint(t.Constraint),
		Temporal: Temporal{
			NotBefore: t.Temporal.NotBefore,
			NotAfter:  t.Temporal.NotAfter,
			MaxUses:   t.Temporal.MaxUses,
		},
		ParentID: t.ParentID,
		IssuedAt: t.IssuedAt,
	}
}

func toModelChain(c Chain) (model.DelegationChain, error) {
	tokens := make([]model.DelegationToken, 0, len(c.Tokens))
	for i, t := range c.Tokens {
		mt, err := toModelToken(t)
		if err != nil {
			return model.DelegationChain{}, fmt.Errorf("kengen: chain token %d: %w", i, err)
		}
		tokens = append(tokens, mt)
	}
	return model.DelegationChain{
		Origin:   toModelPrincipal(c.Origin),
		Tokens:   tokens,
		Executor: toModelPrincipal(c.Executor),
	}, nil
}

func toPublicChain(c model.DelegationChain) Chain {
	tokens := make([]Token, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		tokens = append(tokens, toPublicToken(t))
	}
	return Chain{
		Origin:   toPublicPrincipal(c.Origin),
		Tokens:   tokens,
		Executor: toPublicPrincipal(c.Executor),
	}
}

func toModelRequest(r Request, now time.Time) (model.Request, error) {
	chain, err := toModelChain(r.Chain)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		CorrelationID: r.CorrelationID,
		CapabilityID:  r.CapabilityID,
		Args:          r.Args,
		Caller:        toModelPrincipal(r.Caller),
		AgentType:     model.AgentType(r.AgentKind),
		Chain:         chain,
		ReceivedAt:    now,
	}, nil
}

func toPublicRequest(r model.Request) Request {
	return Request{
		CorrelationID: r.CorrelationID,
		CapabilityID:  r.CapabilityID,
		Args:          r.Args,
		Caller:        toPublicPrincipal(r.Caller),
		AgentKind:     AgentKind(r.AgentType),
		Chain:         toPublicChain(r.Chain),
	}
}

func toModelCapability(c Capability) (model.Capability, error) {
	effects := make([]model.EffectLevel, 0, len(c.Effects))
	for _, e := range c.Effects {
		eff, err := toModelEffect(e)
		if err != nil {
			return model.Capability{}, fmt.Errorf("kengen: capability %s: %w", c.ID, err)
		}
		effects = append(effects, eff)
	}
	return model.Capability{
		ID:               c.ID,
		Version:          c.Version,
		Effects:          effects,
		Sensitivity:      c.Sensitivity,
		InputSchemaHash:  c.InputSchemaHash,
		OutputSchemaHash: c.OutputSchemaHash,
	}, nil
}

func toPublicCapability(c model.Capability) Capability {
	effects := make([]Effect, 0, len(c.Effects))
	for _, e := range c.Effects {
		effects = append(effects, Effect(e.String()))
	}
	return Capability{
		ID:               c.ID,
		Version:          c.Version,
		Effects:          effects,
		Sensitivity:      c.Sensitivity,
		InputSchemaHash:  c.InputSchemaHash,
		OutputSchemaHash: c.OutputSchemaHash,
	}
}

func toPublicTrace(t model.PolicyTrace) PolicyTrace {
	return PolicyTrace{
		RuleName:    t.RuleName,
		Action:      t.Action,
		Reason:      t.Reason,
		Suggestion:  t.Suggestion,
		EvaluatedAt: t.EvaluatedAt,
	}
}

func toPublicReceipt(r model.Receipt) Receipt {
	var verification *Verification
	if r.Verification != nil {
		verification = &Verification{
			Algorithm:  r.Verification.Algorithm,
			KeyID:      r.Verification.KeyID,
			Signature:  r.Verification.Signature,
			PublicKey:  r.Verification.PublicKey,
			SchemaHash: r.Verification.SchemaHash,
		}
	}
	trail := make([]AuditEntry, 0, len(r.AuditTrail))
	for _, e := range r.AuditTrail {
		trail = append(trail, AuditEntry{Phase: e.Phase, Timestamp: e.Timestamp, Result: e.Result})
	}
	return Receipt{
		ID:               r.ID,
		Timestamp:        r.Timestamp,
		Duration:         r.Duration,
		CapabilitiesUsed: r.CapabilitiesUsed,
		AgentID:          r.AgentID,
		TenantID:         r.TenantID,
		CorrelationID:    r.CorrelationID,
		GuardDetail:      r.GuardDetail,
		ResultHash:       r.ResultHash,
		Verification:     verification,
		AuditTrail:       trail,
		Metadata:         r.Metadata,
	}
}

func toModelReceipt(r Receipt) model.Receipt {
	var verification *model.VerificationBlock
	if r.Verification != nil {
		verification = &model.VerificationBlock{
			Algorithm:  r.Verification.Algorithm,
			KeyID:      r.Verification.KeyID,
			Signature:  r.Verification.Signature,
			PublicKey:  r.Verification.PublicKey,
			SchemaHash: r.Verification.SchemaHash,
		}
	}
	trail := make([]model.AuditEntry, 0, len(r.AuditTrail))
	for _, e := range r.AuditTrail {
		trail = append(trail, model.AuditEntry{Phase: e.Phase, Timestamp: e.Timestamp, Result: e.Result})
	}
	return model.Receipt{
		ID:               r.ID,
		Timestamp:        r.Timestamp,
		Duration:         r.Duration,
		CapabilitiesUsed: r.CapabilitiesUsed,
		AgentID:          r.AgentID,
		TenantID:         r.TenantID,
		CorrelationID:    r.CorrelationID,
		GuardDetail:      r.GuardDetail,
		ResultHash:       r.ResultHash,
		Verification:     verification,
		AuditTrail:       trail,
		Metadata:         r.Metadata,
	}
}

func toModelEvent(e Event) model.GovernanceEvent {
	return model.GovernanceEvent{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		Type:          model.EventType(e.Kind),
		AgentID:       e.AgentID,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
	}
}

func toPublicEvent(e model.GovernanceEvent) Event {
	return Event{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		Kind:          EventKind(e.Type),
		AgentID:       e.AgentID,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
	}
}
