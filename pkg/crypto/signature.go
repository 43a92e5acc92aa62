package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Signer signs messages with a private key using Ed25519.
type Signer interface {
	// Sign produces an Ed25519 signature over a message.
	Sign(msg []byte) ([]byte, error)
	// PublicKey returns the 32-byte public key.
	PublicKey() []byte
}

// Verifier verifies Ed25519 signatures.
type Verifier interface {
	// Verify checks a signature against a message and public key.
	Verify(msg, signature, publicKey []byte) bool
}

// PrivateKey wraps an Ed25519 private key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateKey creates a new random Ed25519 private key.
func GenerateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromSeed creates a PrivateKey from a 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign produces an Ed25519 signature over msg.
func (pk *PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(pk.key, msg), nil
}

// PublicKey returns the 32-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	pub, ok := pk.key.Public().(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return []byte(pub)
}

// Seed returns the 32-byte private key seed.
func (pk *PrivateKey) Seed() []byte {
	return pk.key.Seed()
}

// Zero overwrites the private key bytes in place.
func (pk *PrivateKey) Zero() {
	for i := range pk.key {
		pk.key[i] = 0
	}
}

// VerifySignature checks an Ed25519 signature against a message and a
// 32-byte public key. Returns false on any malformed input.
func VerifySignature(msg, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, signature)
}

// Ed25519Verifier implements the Verifier interface.
type Ed25519Verifier struct{}

// Verify checks an Ed25519 signature against a message and public key.
func (v Ed25519Verifier) Verify(msg, signature, publicKey []byte) bool {
	return VerifySignature(msg, signature, publicKey)
}
