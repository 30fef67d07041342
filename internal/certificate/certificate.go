// Package certificate implements the proof-carrying certificate attached to
// one invocation.
//
// A certificate accumulates verification evidence through an ordered sequence
// of immutable transformations: Unchecked → PolicyChecked → CapabilityChecked
// → Verified. Each state is a distinct type parameter; the only way to obtain
// a Certificate[Verified] is to pass a value through all three transitions,
// because every transition function takes the immediately preceding state and
// all certificate fields are unexported. The zero value of any certificate
// type is invalid and rejected by every transition.
//
// A state value is single-use: feeding the same value into two transitions
// fails the second time. Transitions never mutate their input; they return a
// new value carrying the same payload plus one more piece of evidence.
package certificate

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kengen-ai/kengen/internal/fault"
	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/signing"
)

// State is the sealed set of certificate states. Only the four types below
// implement it.
type State interface{ isState() }

// Unchecked is a freshly built certificate: no checks have run.
type Unchecked struct{}

// PolicyChecked means a non-deny policy decision has been attached.
type PolicyChecked struct{}

// CapabilityChecked means the capability was confirmed to exist in the live
// registry at issuance time.
type CapabilityChecked struct{}

// Verified means expiry passed and, if signing is configured, the payload is
// signed. Only this state is accepted by execution handlers.
type Verified struct{}

func (Unchecked) isState()         {}
func (PolicyChecked) isState()     {}
func (CapabilityChecked) isState() {}
func (Verified) isState()          {}

// Payload is the data the certificate attests to. The signature covers the
// canonical serialization of every field here.
type Payload struct {
	CapabilityID      string
	CapabilityVersion string
	Effects           []model.EffectLevel
	InputSchemaHash   string
	OutputSchemaHash  string
	AgentID           string
	TenantID          uuid.UUID
	PolicyTrace       model.PolicyTrace
	IssuedAt          time.Time
	ExpiresAt         time.Time
	CorrelationID     uuid.UUID
}

// SignatureBlock is the detached signature attached at verification.
type SignatureBlock struct {
	Algorithm string
	KeyID     string
	Signature []byte
}

// Certificate carries an invocation's payload through the state machine.
// Immutable; the S parameter records which checks have run.
type Certificate[S State] struct {
	payload  Payload
	sig      *SignatureBlock
	consumed *atomic.Bool
}

// New builds an unchecked certificate. The policy trace is attached by
// CheckPolicy, never supplied up front.
func New(p Payload) Certificate[Unchecked] {
	p.PolicyTrace = model.PolicyTrace{}
	return Certificate[Unchecked]{payload: p, consumed: new(atomic.Bool)}
}

// Payload returns a copy of the attested data.
func (c Certificate[S]) Payload() Payload { return c.payload }

// Signature returns a copy of the signature block, or nil for unsigned
// certificates.
func (c Certificate[S]) Signature() *SignatureBlock {
	if c.sig == nil {
		return nil
	}
	s := *c.sig
	s.Signature = append([]byte(nil), c.sig.Signature...)
	return &s
}

// ErrConsumed is returned when a state value is fed into a second transition.
// This is a programming error in the caller, not part of the denial taxonomy.
var ErrConsumed = errors.New("certificate: state value already consumed")

// ErrZeroValue is returned when a zero-value certificate (one not built via
// New) is fed into a transition.
var ErrZeroValue = errors.New("certificate: zero-value certificate cannot transition")

// consume marks a state value as spent. The second caller loses.
func consume[S State](c Certificate[S]) error {
	if c.consumed == nil {
		return ErrZeroValue
	}
	if !c.consumed.CompareAndSwap(false, true) {
		return ErrConsumed
	}
	return nil
}

func next[From, To State](c Certificate[From]) Certificate[To] {
	return Certificate[To]{payload: c.payload, sig: c.sig, consumed: new(atomic.Bool)}
}

// CheckPolicy attaches a policy decision. Only a decision whose action admits
// execution ("allow") advances the certificate; anything else fails with
// PolicyDenied carrying the decision's reason and suggestion.
func CheckPolicy(c Certificate[Unchecked], trace model.PolicyTrace) (Certificate[PolicyChecked], error) {
	if err := consume(c); err != nil {
		return Certificate[PolicyChecked]{}, err
	}
	if trace.Action != "allow" {
		return Certificate[PolicyChecked]{}, fault.New(fault.CodePolicyDenied, trace.Reason).
			Suggest(trace.Suggestion).
			With("rule", trace.RuleName).
			With("action", trace.Action).
			Correlate(c.payload.CorrelationID)
	}
	out := next[Unchecked, PolicyChecked](c)
	out.payload.PolicyTrace = trace
	return out, nil
}

// ResolveFunc looks a capability up in the live registry.
type ResolveFunc func(ctx context.Context, capabilityID string) (model.Capability, error)

// CheckCapability confirms the capability exists and freezes its live
// version, effects and schema hashes into the payload. A failed lookup means
// the certificate cannot attest to existence, so any resolver error maps to
// CapabilityNotFound.
func CheckCapability(ctx context.Context, c Certificate[PolicyChecked], resolve ResolveFunc) (Certificate[CapabilityChecked], error) {
	if err := consume(c); err != nil {
		return Certificate[CapabilityChecked]{}, err
	}
	meta, err := resolve(ctx, c.payload.CapabilityID)
	if err != nil {
		return Certificate[CapabilityChecked]{}, fault.Wrap(fault.CodeCapabilityNotFound,
			"capability not found in live registry", err).
			With("capability_id", c.payload.CapabilityID).
			Correlate(c.payload.CorrelationID)
	}
	out := next[PolicyChecked, CapabilityChecked](c)
	out.payload.CapabilityVersion = meta.Version
	out.payload.Effects = append([]model.EffectLevel(nil), meta.Effects...)
	out.payload.InputSchemaHash = meta.InputSchemaHash
	out.payload.OutputSchemaHash = meta.OutputSchemaHash
	return out, nil
}

// Verify performs the expiry check and signs the canonical payload when a
// signer is configured. A nil signer with required=true is a hard
// SigningFailed rather than a silent downgrade to an unsigned certificate.
func Verify(c Certificate[CapabilityChecked], signer *signing.Signer, required bool, now time.Time) (Certificate[Verified], error) {
	if err := consume(c); err != nil {
		return Certificate[Verified]{}, err
	}
	if now.After(c.payload.ExpiresAt) {
		return Certificate[Verified]{}, fault.New(fault.CodeCertificateExpired, "certificate expired before verification").
			With("expires_at", c.payload.ExpiresAt).
			Correlate(c.payload.CorrelationID)
	}
	out := next[CapabilityChecked, Verified](c)
	if signer == nil {
		if required {
			return Certificate[Verified]{}, fault.New(fault.CodeSigningFailed, "signature required but no signing key configured").
				Suggest("configure KENGEN_SIGNING_PRIVATE_KEY and KENGEN_SIGNING_PUBLIC_KEY").
				Correlate(c.payload.CorrelationID)
		}
		return out, nil
	}
	sig, err := signer.Sign(Canonical(out.payload))
	if err != nil {
		return Certificate[Verified]{}, fault.Wrap(fault.CodeSigningFailed, "sign certificate payload", err).
			Correlate(c.payload.CorrelationID)
	}
	out.sig = &SignatureBlock{Algorithm: signing.Algorithm, KeyID: signer.KeyID(), Signature: sig}
	return out, nil
}

// VerifySignature recomputes the canonical payload and checks the signature
// against the declared public key. Runs independently of signing, possibly
// much later.
func VerifySignature(p Payload, sig SignatureBlock, pub ed25519.PublicKey) error {
	if !signing.Verify(pub, Canonical(p), sig.Signature) {
		return fault.New(fault.CodeInvalidSignature, "certificate signature does not verify").
			With("key_id", sig.KeyID).
			Correlate(p.CorrelationID)
	}
	return nil
}

// CheckSchemaHashes compares the hashes frozen at issuance against the
// current live schemas.
func CheckSchemaHashes(p Payload, liveInput, liveOutput string) error {
	if p.InputSchemaHash != liveInput || p.OutputSchemaHash != liveOutput {
		return fault.New(fault.CodeSchemaHashMismatch, "capability schemas changed since certificate issuance").
			With("capability_id", p.CapabilityID).
			Correlate(p.CorrelationID)
	}
	return nil
}

// SchemaHash computes the SHA-256 hex digest used for schema hashes.
func SchemaHash(schema []byte) string {
	sum := sha256.Sum256(schema)
	return hex.EncodeToString(sum[:])
}
