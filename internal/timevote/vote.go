// Package timevote implements the finality layer: masternodes cast
// stake-weighted votes over a transaction commitment, and once accumulated
// accept weight crosses the active set's threshold the engine emits a
// TimeProof that lets the transaction move to the finalized pool ahead of
// block inclusion.
package timevote

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Decision is a masternode's verdict on a transaction.
type Decision uint8

const (
	Accept Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Reject {
		return "reject"
	}
	return "accept"
}

// Vote is one masternode's signed verdict on a transaction's tx_commitment
// at a given slot.
type Vote struct {
	TxCommitment types.Hash `json:"tx_commitment"`
	SlotIndex    uint64     `json:"slot_index"`
	VoterID      []byte     `json:"voter_id"`     // Ed25519 pubkey, 32 bytes.
	VoterWeight  uint64     `json:"voter_weight"` // Tier weight at the time the vote was cast.
	Decision     Decision   `json:"decision"`
	Sig          []byte     `json:"sig"`
}

// voteJSON is the hex-wrapper pattern used throughout this codebase for
// JSON-encoding byte fields.
type voteJSON struct {
	TxCommitment types.Hash `json:"tx_commitment"`
	SlotIndex    uint64     `json:"slot_index"`
	VoterID      string     `json:"voter_id"`
	VoterWeight  uint64     `json:"voter_weight"`
	Decision     Decision   `json:"decision"`
	Sig          string     `json:"sig"`
}

func (v Vote) MarshalJSON() ([]byte, error) {
	return json.Marshal(voteJSON{
		TxCommitment: v.TxCommitment,
		SlotIndex:    v.SlotIndex,
		VoterID:      hex.EncodeToString(v.VoterID),
		VoterWeight:  v.VoterWeight,
		Decision:     v.Decision,
		Sig:          hex.EncodeToString(v.Sig),
	})
}

func (v *Vote) UnmarshalJSON(data []byte) error {
	var j voteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	v.TxCommitment = j.TxCommitment
	v.SlotIndex = j.SlotIndex
	v.VoterWeight = j.VoterWeight
	v.Decision = j.Decision
	if j.VoterID != "" {
		b, err := hex.DecodeString(j.VoterID)
		if err != nil {
			return fmt.Errorf("voter_id: %w", err)
		}
		v.VoterID = b
	}
	if j.Sig != "" {
		b, err := hex.DecodeString(j.Sig)
		if err != nil {
			return fmt.Errorf("sig: %w", err)
		}
		v.Sig = b
	}
	return nil
}

// SigningBytes returns the canonical bytes a voter signs and a verifier
// checks against VoterID, everything but the signature itself.
func (v *Vote) SigningBytes() []byte {
	buf := make([]byte, 0, 32+8+32+8+1)
	buf = append(buf, v.TxCommitment[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.SlotIndex)
	buf = append(buf, v.VoterID...)
	buf = binary.LittleEndian.AppendUint64(buf, v.VoterWeight)
	buf = append(buf, byte(v.Decision))
	return buf
}

// Verify checks the vote's Ed25519 signature against its own VoterID.
func (v *Vote) Verify() bool {
	return crypto.VerifySignature(v.SigningBytes(), v.Sig, v.VoterID)
}

// TimeProof is the finality certificate emitted once a transaction's
// accept weight crosses threshold: the set of accept votes that produced
// it, and the accumulated weight they carried.
type TimeProof struct {
	TxCommitment      types.Hash `json:"tx_commitment"`
	SlotIndex         uint64     `json:"slot_index"`
	Votes             []Vote     `json:"votes"`
	AccumulatedWeight uint64     `json:"accumulated_weight"`
}

// Hash returns the canonical hash of the proof, used both to dedup
// broadcasts and as the per-TimeProof digest folded into a block header's
// SigningBytes.
func (tp *TimeProof) Hash() types.Hash {
	buf := make([]byte, 0, 64+len(tp.Votes)*16)
	buf = append(buf, tp.TxCommitment[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tp.SlotIndex)
	buf = binary.LittleEndian.AppendUint64(buf, tp.AccumulatedWeight)
	for _, v := range tp.Votes {
		buf = append(buf, v.VoterID...)
		buf = binary.LittleEndian.AppendUint64(buf, v.VoterWeight)
		buf = append(buf, byte(v.Decision))
	}
	return crypto.Hash(buf)
}

// Verify checks that every vote in the proof is well-formed, cast for the
// same tx_commitment/slot_index as the proof, and carries a valid
// signature from its claimed voter. It does not check active-set
// membership or recompute the threshold; callers validating a received
// TimeProof do that against their own registry snapshot (on_timeproof).
func (tp *TimeProof) Verify() error {
	var total uint64
	for i := range tp.Votes {
		v := &tp.Votes[i]
		if v.TxCommitment != tp.TxCommitment || v.SlotIndex != tp.SlotIndex {
			return fmt.Errorf("vote %d: commitment/slot mismatch with proof", i)
		}
		if v.Decision != Accept {
			return fmt.Errorf("vote %d: proof must contain only accept votes", i)
		}
		if !v.Verify() {
			return fmt.Errorf("vote %d: invalid signature", i)
		}
		total += v.VoterWeight
	}
	if total != tp.AccumulatedWeight {
		return fmt.Errorf("accumulated_weight %d does not match sum of vote weights %d", tp.AccumulatedWeight, total)
	}
	return nil
}
