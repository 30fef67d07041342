// Package signing provides the Ed25519 signing service used for certificates
// and portable delegation grants.
//
// Keys are loaded from PEM files or auto-generated for development.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
)

// Algorithm is the only signature algorithm this service produces.
const Algorithm = "Ed25519"

// Signer holds an Ed25519 key pair and signs canonical payloads.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	keyID      string
}

// NewSigner creates a Signer from PEM key files. If either path is empty, an
// ephemeral key pair is generated (for development; signatures will not
// survive a restart).
func NewSigner(privateKeyPath, publicKeyPath string) (*Signer, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("signing: no key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signing: generate key pair: %w", err)
		}
		return FromKeyPair(priv, pub), nil
	}

	priv, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}

	// Verify the public key matches the private key to catch misconfiguration
	// (e.g. a private key from one environment paired with another's public key).
	derived := priv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, pub) {
		return nil, fmt.Errorf("signing: public key does not match private key")
	}

	return FromKeyPair(priv, pub), nil
}

// FromKeyPair wraps an existing key pair. Used by tests and by callers that
// manage key material themselves.
func FromKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Signer {
	return &Signer{privateKey: priv, publicKey: pub, keyID: KeyID(pub)}
}

// Sign signs the canonical payload bytes.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	if len(s.privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: private key has wrong size %d", len(s.privateKey))
	}
	return ed25519.Sign(s.privateKey, payload), nil
}

// PublicKey returns the 32-byte verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.publicKey }

// RawPrivateKey exposes the private key for callers that sign through
// another library (e.g. JWT minting). Handle with care.
func (s *Signer) RawPrivateKey() ed25519.PrivateKey { return s.privateKey }

// KeyID returns the identifier embedded in signature blocks.
func (s *Signer) KeyID() string { return s.keyID }

// Verify checks a signature against a public key. Standalone so verification
// can run long after (and far away from) signing.
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// KeyID derives a stable short identifier from a public key: the first eight
// bytes of its SHA-256, hex encoded.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("signing: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing: decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing: private key is not Ed25519")
	}
	return priv, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("signing: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing: public key is not Ed25519")
	}
	return pub, nil
}

// WriteKeyPair marshals a fresh key pair to PEM files. Refuses to overwrite
// existing files to avoid invalidating signatures already in circulation.
func WriteKeyPair(privPath, pubPath string) error {
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("signing: %s already exists, delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("signing: generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("signing: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("signing: marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("signing: write private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
		return fmt.Errorf("signing: write public key: %w", err)
	}
	return nil
}
