package delegation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/signing"
)

func TestMintParseRoundTrip(t *testing.T) {
	signer, err := signing.NewSigner("", "")
	require.NoError(t, err)
	minter := NewMinter(signer)

	token := testToken("issuer", "worker")
	token.Constraint = model.CapabilityConstraint{
		Allowed:   []string{"user.read"},
		MaxEffect: model.EffectReadOnly,
	}
	token.Temporal.MaxUses = 5

	raw, err := minter.Mint(token, "ticket escalation on-call", 2)
	require.NoError(t, err)

	claims, err := minter.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, token.ID.String(), claims.ID)
	assert.Equal(t, token.Delegator, claims.Delegator)
	assert.Equal(t, token.Delegate, claims.Delegate)
	assert.Equal(t, token.Constraint.Allowed, claims.Scope.Allowed)
	assert.Equal(t, int64(5), claims.MaxUses)
	assert.Equal(t, "ticket escalation on-call", claims.Audit.Reason)
	assert.Equal(t, 2, claims.Audit.ChainDepth)

	rebuilt, err := claims.Token()
	require.NoError(t, err)
	assert.Equal(t, token.ID, rebuilt.ID)
	assert.Equal(t, token.Constraint.Allowed, rebuilt.Constraint.Allowed)
	assert.Equal(t, int64(5), rebuilt.Temporal.MaxUses)
	assert.WithinDuration(t, token.Temporal.NotAfter, rebuilt.Temporal.NotAfter, time.Second)
}

func TestParseRejectsWrongKey(t *testing.T) {
	signerA, err := signing.NewSigner("", "")
	require.NoError(t, err)
	signerB, err := signing.NewSigner("", "")
	require.NoError(t, err)

	raw, err := NewMinter(signerA).Mint(testToken("a", "b"), "", 1)
	require.NoError(t, err)

	_, err = NewMinter(signerB).Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsExpiredGrant(t *testing.T) {
	signer, err := signing.NewSigner("", "")
	require.NoError(t, err)
	minter := NewMinter(signer)

	token := testToken("a", "b")
	token.Temporal.NotAfter = time.Now().Add(-time.Minute)

	raw, err := minter.Mint(token, "", 1)
	require.NoError(t, err)

	_, err = minter.Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	signer, err := signing.NewSigner("", "")
	require.NoError(t, err)

	_, err = NewMinter(signer).Parse("not.a.jwt")
	require.Error(t, err)
}
