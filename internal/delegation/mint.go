package delegation

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/signing"
)

const grantIssuer = "kengen"

// GrantAudit is the audit block embedded in a portable delegation grant.
type GrantAudit struct {
	Reason     string `json:"reason,omitempty"`
	ChainDepth int    `json:"chain_depth"`
}

// GrantClaims is the inter-agent authorization object: a delegation token
// rendered as a signed, self-contained EdDSA JWT that can cross process
// boundaries. The registry remains the source of truth for revocation and
// use counting: a grant proves issuance, not current validity.
type GrantClaims struct {
	jwt.RegisteredClaims
	Delegator  model.Principal            `json:"delegator"`
	Delegate   model.Principal            `json:"delegate"`
	Scope      model.CapabilityConstraint `json:"scope"`
	MaxUses    int64                      `json:"max_uses,omitempty"`
	ParentID   *uuid.UUID                 `json:"parent_id,omitempty"`
	Audit      GrantAudit                 `json:"audit"`
	DelegateAs model.PrincipalClass       `json:"delegate_as,omitempty"`
}

// Minter issues and parses portable delegation grants with the system
// signing key.
type Minter struct {
	signer *signing.Signer
}

// NewMinter wraps the signing service for grant issuance.
func NewMinter(signer *signing.Signer) *Minter {
	return &Minter{signer: signer}
}

// Mint renders a registered token as a signed grant. The reason lands in the
// audit block; chainDepth is the position this token has in its chain.
func (m *Minter) Mint(token model.DelegationToken, reason string, chainDepth int) (string, error) {
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   token.Delegate.AgentID,
			Issuer:    grantIssuer,
			Audience:  jwt.ClaimStrings{grantIssuer},
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt.UTC()),
			ID:        token.ID.String(),
			NotBefore: numericDateOrNil(token.Temporal.NotBefore),
			ExpiresAt: numericDateOrNil(token.Temporal.NotAfter),
		},
		Delegator: token.Delegator,
		Delegate:  token.Delegate,
		Scope:     token.Constraint,
		MaxUses:   token.Temporal.MaxUses,
		ParentID:  token.ParentID,
		Audit:     GrantAudit{Reason: reason, ChainDepth: chainDepth},
	}

	// golang-jwt's EdDSA method signs with the raw ed25519 private key, the
	// same key material the certificate signer uses.
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := jwtToken.SignedString(m.signer.RawPrivateKey())
	if err != nil {
		return "", fmt.Errorf("delegation: sign grant: %w", err)
	}
	return signed, nil
}

// Parse validates a grant string against the system public key and returns
// its claims. Expiry and not-before are enforced by the JWT library during
// parsing.
func (m *Minter) Parse(raw string) (*GrantClaims, error) {
	token, err := jwt.ParseWithClaims(
		raw,
		&GrantClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("delegation: unexpected signing method: %v", token.Header["alg"])
			}
			return m.signer.PublicKey(), nil
		},
		jwt.WithAudience(grantIssuer),
		jwt.WithIssuer(grantIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("delegation: parse grant: %w", err)
	}

	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("delegation: invalid grant claims")
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return nil, fmt.Errorf("delegation: grant id is not a UUID: %w", err)
	}
	return claims, nil
}

// Token reconstructs the delegation token a grant was minted from, for
// registration in a receiving process's registry.
func (c *GrantClaims) Token() (model.DelegationToken, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return model.DelegationToken{}, fmt.Errorf("delegation: grant id: %w", err)
	}
	temporal := model.TemporalConstraint{MaxUses: c.MaxUses}
	if c.NotBefore != nil {
		temporal.NotBefore = c.NotBefore.Time
	}
	if c.ExpiresAt != nil {
		temporal.NotAfter = c.ExpiresAt.Time
	}
	token := model.DelegationToken{
		ID:         id,
		Delegator:  c.Delegator,
		Delegate:   c.Delegate,
		Constraint: c.Scope,
		Temporal:   temporal,
		ParentID:   c.ParentID,
	}
	if c.IssuedAt != nil {
		token.IssuedAt = c.IssuedAt.Time
	}
	return token, nil
}

func numericDateOrNil(t time.Time) *jwt.NumericDate {
	if t.IsZero() {
		return nil
	}
	return jwt.NewNumericDate(t.UTC())
}
