package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/vechain/go-ecvrf"
)

// VRFProofSize is the length in bytes of an ECVRF proof (gamma || c || s).
const VRFProofSize = 81

// VRFOutputSize is the length in bytes of a VRF output (beta).
const VRFOutputSize = 32

// VRFKey is a secp256k1 keypair used for VRF-based TimeLock producer
// sortition. It is independent of the Ed25519 signing key: a masternode
// proves eligibility for a slot with its VRF key and signs the produced
// block with its Ed25519 key.
type VRFKey struct {
	sk   *secp256k1.PrivateKey
	priv *ecdsa.PrivateKey
}

// GenerateVRFKey creates a new random VRF keypair.
func GenerateVRFKey() (*VRFKey, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate vrf key: %w", err)
	}
	return &VRFKey{sk: sk, priv: sk.ToECDSA()}, nil
}

// VRFKeyFromSecp256k1 wraps an existing secp256k1 private key as a VRF key.
func VRFKeyFromSecp256k1(sk *secp256k1.PrivateKey) *VRFKey {
	return &VRFKey{sk: sk, priv: sk.ToECDSA()}
}

// PublicKey returns the VRF public key in 33-byte compressed form.
func (k *VRFKey) PublicKey() []byte {
	return k.sk.PubKey().SerializeCompressed()
}

// Prove produces a VRF output (beta) and proof (pi) for the given alpha
// (the slot seed a masternode is sortitioning against).
func (k *VRFKey) Prove(alpha []byte) (beta, pi []byte, err error) {
	beta, pi, err = ecvrf.Secp256k1Sha256Tai.Prove(k.priv, alpha)
	if err != nil {
		return nil, nil, fmt.Errorf("vrf prove: %w", err)
	}
	return beta, pi, nil
}

// VerifyVRF checks a VRF proof against a 33-byte compressed public key and
// alpha, returning the VRF output (beta) on success.
func VerifyVRF(publicKey, alpha, pi []byte) (beta []byte, err error) {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse vrf public key: %w", err)
	}
	ecdsaPub := pub.ToECDSA()
	beta, err = ecvrf.Secp256k1Sha256Tai.Verify(ecdsaPub, alpha, pi)
	if err != nil {
		return nil, fmt.Errorf("vrf verify: %w", err)
	}
	return beta, nil
}

// MustRandomAlpha returns cryptographically random bytes for test seeding.
func MustRandomAlpha(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
