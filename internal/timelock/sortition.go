// Package timelock implements the TimeLock block-production protocol: VRF
// sortition over the active masternode set elects a slot's producer, with
// TimeGuard promoting the next-lowest-VRF masternode if the primary fails
// to produce within its delay window.
package timelock

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// SlotSeed computes slot_seed(s) = BLAKE3(prev_hash || s), the alpha every
// active masternode VRF-sortitions against for slot s.
func SlotSeed(prevHash types.Hash, slot uint64) types.Hash {
	buf := make([]byte, types.HashSize+8)
	copy(buf, prevHash[:])
	binary.LittleEndian.PutUint64(buf[types.HashSize:], slot)
	return crypto.Hash(buf)
}

// Candidate is one active masternode's VRF sortition result for a slot.
type Candidate struct {
	ID     []byte
	Output []byte // VRF beta.
	Proof  []byte // VRF pi.
}

// Rank orders candidates by ascending VRF output, ties broken by ascending
// ID byte string: lowest vrf_output among the active set wins, ties broken
// by lowest id. Rank[0] is the slot's primary producer; Rank[k] is the
// TimeGuard fallback-level-k producer.
func Rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.Slice(ranked, func(i, j int) bool {
		c := bytes.Compare(ranked[i].Output, ranked[j].Output)
		if c != 0 {
			return c < 0
		}
		return bytes.Compare(ranked[i].ID, ranked[j].ID) < 0
	})
	return ranked
}

// ProveCandidate computes a masternode's VRF output and proof for a slot,
// using its VRF key and the slot's seed.
func ProveCandidate(id []byte, vrfKey *crypto.VRFKey, seed types.Hash) (Candidate, error) {
	beta, pi, err := vrfKey.Prove(seed[:])
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{ID: id, Output: beta, Proof: pi}, nil
}

// VerifyCandidate checks a claimed VRF output/proof against a masternode's
// public VRF key and the slot seed, returning the verified output.
func VerifyCandidate(vrfPub []byte, seed types.Hash, proof []byte) ([]byte, error) {
	return crypto.VerifyVRF(vrfPub, seed[:], proof)
}
