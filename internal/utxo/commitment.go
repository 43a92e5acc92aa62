package utxo

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Commitment computes a merkle root over every spendable (Unspent) coin in
// the store. Each coin is hashed deterministically, the hashes are sorted,
// and a merkle tree is built from them. Returns a zero hash for an empty
// set. Locked, SpentPending, Finalized, and Archived coins are excluded:
// they aren't part of the currently-spendable set a light client would
// want to verify against.
func Commitment(store *Store) (types.Hash, error) {
	var hashes []types.Hash

	err := store.ForEach(func(c *Coin) error {
		if c.State != types.Unspent {
			return nil
		}
		hashes = append(hashes, hashCoin(c))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("coin commitment: %w", err)
	}

	if len(hashes) == 0 {
		return types.Hash{}, nil
	}

	// Sort for deterministic ordering (map iteration order varies).
	sort.Slice(hashes, func(i, j int) bool {
		return hashLess(hashes[i], hashes[j])
	})

	return block.ComputeMerkleRoot(hashes), nil
}

// hashCoin produces a deterministic BLAKE3 hash of a coin.
// Format: txid(32) | index(4) | value(8) | script_type(1) | script_data
func hashCoin(c *Coin) types.Hash {
	var buf []byte
	buf = append(buf, c.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, c.Outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, c.Value)
	buf = append(buf, byte(c.Script.Type))
	buf = append(buf, c.Script.Data...)
	return crypto.Hash(buf)
}

func hashLess(a, b types.Hash) bool {
	for i := 0; i < types.HashSize; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
