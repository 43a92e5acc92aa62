package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// readHexKeyFile reads a hex-encoded key file and returns its raw bytes,
// trimmed of whitespace.
func readHexKeyFile(path, what string) ([]byte, error) {
	path = expandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s file not found: %s", what, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading %s file: %s", what, path)
		}
		return nil, fmt.Errorf("read %s file %s: %w", what, path, err)
	}

	hexStr := strings.TrimSpace(string(data))
	if len(hexStr) == 0 {
		return nil, fmt.Errorf("%s file %s is empty", what, path)
	}

	keyBytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("%s file %s contains invalid hex: %w", what, path, err)
	}
	return keyBytes, nil
}

// loadSigningKey reads a hex-encoded 32-byte Ed25519 seed from a file. This
// is the key a masternode uses to sign produced blocks and cast TimeVote
// votes.
func loadSigningKey(path string) (*crypto.PrivateKey, error) {
	seed, err := readHexKeyFile(path, "signing key")
	if err != nil {
		return nil, err
	}
	pk, err := crypto.PrivateKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key in %s (expected 32-byte hex-encoded Ed25519 seed): %w", path, err)
	}
	return pk, nil
}

// loadVRFKey reads a hex-encoded 32-byte secp256k1 private key from a file.
// This is the key a masternode uses to prove slot eligibility during
// TimeLock sortition; it is independent of the Ed25519 signing key.
func loadVRFKey(path string) (*crypto.VRFKey, error) {
	raw, err := readHexKeyFile(path, "VRF key")
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("VRF key file %s must contain a 32-byte hex-encoded secp256k1 private key, got %d bytes", path, len(raw))
	}
	sk := secp256k1.PrivKeyFromBytes(raw)
	return crypto.VRFKeyFromSecp256k1(sk), nil
}

// resolveCoinbase determines the reward address from a string or signing key.
func resolveCoinbase(coinbaseStr string, signingKey *crypto.PrivateKey) (types.Address, error) {
	if coinbaseStr != "" {
		addr, err := types.ParseAddress(coinbaseStr)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
		}
		return addr, nil
	}

	if signingKey != nil {
		return crypto.AddressFromPubKey(signingKey.PublicKey()), nil
	}

	return types.Address{}, fmt.Errorf("--mine requires --coinbase address or --masternode-key (to derive coinbase from public key)")
}
