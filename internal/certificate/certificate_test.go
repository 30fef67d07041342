package certificate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kengen-ai/kengen/internal/fault"
	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/signing"
)

func testPayload() Payload {
	return Payload{
		CapabilityID:  "user.read",
		AgentID:       "agent-1",
		TenantID:      uuid.New(),
		IssuedAt:      time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(5 * time.Minute),
		CorrelationID: uuid.New(),
	}
}

func allowTrace() model.PolicyTrace {
	return model.PolicyTrace{
		RuleName:    "allow-user-read",
		Action:      "allow",
		EvaluatedAt: time.Now().UTC(),
	}
}

func okResolver(t *testing.T) ResolveFunc {
	t.Helper()
	return func(_ context.Context, id string) (model.Capability, error) {
		return model.Capability{
			ID:               id,
			Version:          "1.2.0",
			Effects:          []model.EffectLevel{model.EffectReadOnly},
			InputSchemaHash:  SchemaHash([]byte(`{"type":"object"}`)),
			OutputSchemaHash: SchemaHash([]byte(`{"type":"array"}`)),
		}, nil
	}
}

func buildVerified(t *testing.T, signer *signing.Signer) Certificate[Verified] {
	t.Helper()
	c0 := New(testPayload())
	c1, err := CheckPolicy(c0, allowTrace())
	require.NoError(t, err)
	c2, err := CheckCapability(context.Background(), c1, okResolver(t))
	require.NoError(t, err)
	c3, err := Verify(c2, signer, signer != nil, time.Now().UTC())
	require.NoError(t, err)
	return c3
}

func TestFullTransitionChain(t *testing.T) {
	signer, err := signing.NewSigner("", "")
	require.NoError(t, err)

	cert := buildVerified(t, signer)
	p := cert.Payload()
	assert.Equal(t, "1.2.0", p.CapabilityVersion)
	assert.Equal(t, "allow", p.PolicyTrace.Action)
	require.NotNil(t, cert.Signature())
	assert.Equal(t, signing.Algorithm, cert.Signature().Algorithm)
	assert.Len(t, cert.Signature().Signature, ed25519.SignatureSize)
}

func TestCheckPolicyDenies(t *testing.T) {
	c0 := New(testPayload())
	_, err := CheckPolicy(c0, model.PolicyTrace{
		Action:     "deny",
		Reason:     "no policy rule matched",
		Suggestion: "request delegation from an admin principal",
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodePolicyDenied, fault.CodeOf(err))

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "request delegation from an admin principal", fe.Suggestion)
}

func TestCheckCapabilityNotFound(t *testing.T) {
	c0 := New(testPayload())
	c1, err := CheckPolicy(c0, allowTrace())
	require.NoError(t, err)

	_, err = CheckCapability(context.Background(), c1, func(context.Context, string) (model.Capability, error) {
		return model.Capability{}, errors.New("unknown capability")
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeCapabilityNotFound, fault.CodeOf(err))
}

func TestVerifyExpired(t *testing.T) {
	p := testPayload()
	p.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	c1, err := CheckPolicy(New(p), allowTrace())
	require.NoError(t, err)
	c2, err := CheckCapability(context.Background(), c1, okResolver(t))
	require.NoError(t, err)

	_, err = Verify(c2, nil, false, time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, fault.CodeCertificateExpired, fault.CodeOf(err))
}

func TestVerifyUnsignedWhenNotRequired(t *testing.T) {
	cert := buildVerified(t, nil)
	assert.Nil(t, cert.Signature())
}

func TestVerifyRequiredSignatureWithoutSigner(t *testing.T) {
	c1, err := CheckPolicy(New(testPayload()), allowTrace())
	require.NoError(t, err)
	c2, err := CheckCapability(context.Background(), c1, okResolver(t))
	require.NoError(t, err)

	_, err = Verify(c2, nil, true, time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, fault.CodeSigningFailed, fault.CodeOf(err))
}

func TestStateValueIsSingleUse(t *testing.T) {
	c0 := New(testPayload())
	_, err := CheckPolicy(c0, allowTrace())
	require.NoError(t, err)

	// Reusing the consumed Unchecked value must fail.
	_, err = CheckPolicy(c0, allowTrace())
	require.ErrorIs(t, err, ErrConsumed)
}

func TestZeroValueCertificateRejected(t *testing.T) {
	var c0 Certificate[Unchecked]
	_, err := CheckPolicy(c0, allowTrace())
	require.ErrorIs(t, err, ErrZeroValue)

	var c2 Certificate[CapabilityChecked]
	_, err = Verify(c2, nil, false, time.Now().UTC())
	require.ErrorIs(t, err, ErrZeroValue)
}

func TestSignatureRoundTripAndTamper(t *testing.T) {
	signer, err := signing.NewSigner("", "")
	require.NoError(t, err)
	cert := buildVerified(t, signer)

	p := cert.Payload()
	sig := cert.Signature()
	require.NoError(t, VerifySignature(p, *sig, signer.PublicKey()))

	// Any single-field mutation of the signed payload must fail verification.
	mutated := p
	mutated.CapabilityID = "user.write"
	err = VerifySignature(mutated, *sig, signer.PublicKey())
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))

	mutated = p
	mutated.PolicyTrace.Reason = "tampered"
	err = VerifySignature(mutated, *sig, signer.PublicKey())
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
}

func TestSignedWithK1VerifiedWithK2(t *testing.T) {
	signer, err := signing.NewSigner("", "")
	require.NoError(t, err)
	cert := buildVerified(t, signer)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	err = VerifySignature(cert.Payload(), *cert.Signature(), otherPub)
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
}

func TestCheckSchemaHashes(t *testing.T) {
	cert := buildVerified(t, nil)
	p := cert.Payload()

	require.NoError(t, CheckSchemaHashes(p, p.InputSchemaHash, p.OutputSchemaHash))

	err := CheckSchemaHashes(p, SchemaHash([]byte("changed")), p.OutputSchemaHash)
	assert.Equal(t, fault.CodeSchemaHashMismatch, fault.CodeOf(err))
}

func TestCanonicalIsDeterministicAndFieldSensitive(t *testing.T) {
	p := testPayload()
	p.PolicyTrace = allowTrace()
	assert.Equal(t, Canonical(p), Canonical(p))

	q := p
	q.AgentID = "agent-2"
	assert.NotEqual(t, Canonical(p), Canonical(q))
}
