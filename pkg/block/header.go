package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version       uint32                `json:"version"`
	PrevHash      types.Hash            `json:"prev_hash"`
	MerkleRoot    types.Hash            `json:"merkle_root"`
	Timestamp     uint64                `json:"timestamp"`
	Height        uint64                `json:"height"`
	ProducerID    []byte                `json:"producer_id"`             // Ed25519 pubkey of the slot's elected producer.
	VRFProof      []byte                `json:"vrf_proof"`               // ECVRF proof of sortition for this slot.
	TimeProofs    []timevote.TimeProof  `json:"time_proofs"`             // Finality proofs for transactions included in this block.
	FallbackLevel uint8                 `json:"fallback_level"`          // 0 = primary producer, >0 = TimeGuard fallback tier.
	ProducerSig   []byte                `json:"producer_sig,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded byte fields.
type headerJSON struct {
	Version       uint32               `json:"version"`
	PrevHash      types.Hash           `json:"prev_hash"`
	MerkleRoot    types.Hash           `json:"merkle_root"`
	Timestamp     uint64               `json:"timestamp"`
	Height        uint64               `json:"height"`
	ProducerID    string               `json:"producer_id"`
	VRFProof      string               `json:"vrf_proof"`
	TimeProofs    []timevote.TimeProof `json:"time_proofs"`
	FallbackLevel uint8                `json:"fallback_level"`
	ProducerSig   string               `json:"producer_sig,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded byte fields.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:       h.Version,
		PrevHash:      h.PrevHash,
		MerkleRoot:    h.MerkleRoot,
		Timestamp:     h.Timestamp,
		Height:        h.Height,
		ProducerID:    hex.EncodeToString(h.ProducerID),
		VRFProof:      hex.EncodeToString(h.VRFProof),
		TimeProofs:    h.TimeProofs,
		FallbackLevel: h.FallbackLevel,
	}
	if h.ProducerSig != nil {
		j.ProducerSig = hex.EncodeToString(h.ProducerSig)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded byte fields.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.TimeProofs = j.TimeProofs
	h.FallbackLevel = j.FallbackLevel
	if j.ProducerID != "" {
		b, err := hex.DecodeString(j.ProducerID)
		if err != nil {
			return err
		}
		h.ProducerID = b
	}
	if j.VRFProof != "" {
		b, err := hex.DecodeString(j.VRFProof)
		if err != nil {
			return err
		}
		h.VRFProof = b
	}
	if j.ProducerSig != "" {
		b, err := hex.DecodeString(j.ProducerSig)
		if err != nil {
			return err
		}
		h.ProducerSig = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes ProducerSig so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// ChainWork returns this block's contribution to cumulative chain-work: the
// sum of the accumulated weight of every attached TimeProof. No
// de-duplication is performed across blocks (see internal/chain ChainWork
// accumulator).
func (h *Header) ChainWork() uint64 {
	var total uint64
	for _, tp := range h.TimeProofs {
		total += tp.AccumulatedWeight
	}
	return total
}

// SigningBytes returns the canonical bytes for hashing/signing.
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.ProducerID)))
	buf = append(buf, h.ProducerID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.VRFProof)))
	buf = append(buf, h.VRFProof...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.TimeProofs)))
	for _, tp := range h.TimeProofs {
		tpHash := tp.Hash()
		buf = append(buf, tpHash[:]...)
	}
	buf = append(buf, h.FallbackLevel)
	return buf
}
