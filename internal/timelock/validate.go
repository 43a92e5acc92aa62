package timelock

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/crypto"
)

// Validation errors returned by VerifyHeader.
var (
	ErrMissingSig       = errors.New("block missing producer signature")
	ErrInvalidSig       = errors.New("invalid producer signature")
	ErrNotActive        = errors.New("producer is not in the active set for this slot")
	ErrMissingVRFKey    = errors.New("producer has no VRF key registered")
	ErrInvalidVRFProof  = errors.New("invalid VRF proof for this slot")
	ErrFallbackTooHigh  = errors.New("fallback level exceeds MaxFallbackLevel")
	ErrFallbackTooEarly = errors.New("fallback level not yet open for this block's timestamp")
)

// Verifier checks that a received block's producer was legitimately
// sortitioned for its slot and fallback level.
type Verifier struct {
	registry RegistryView
	slots    SlotSource
}

// SlotSource maps wall-clock time to slot indices and back, satisfied by
// *clockutil.SlotClock.
type SlotSource interface {
	SlotAt(t time.Time) uint64
	SlotStart(slot uint64) time.Time
}

// NewVerifier builds a block-producer verifier against the given
// masternode registry view and slot clock.
func NewVerifier(registry RegistryView, slots SlotSource) *Verifier {
	return &Verifier{registry: registry, slots: slots}
}

// VerifyHeader checks that header.ProducerID was an active, VRF-key-bearing
// masternode for the slot containing header.Timestamp, that its VRF proof
// verifies against that slot's seed, that its claimed FallbackLevel had
// actually opened by receivedAt, and that its Ed25519 signature over the
// header is valid.
//
// It does not re-derive the active set's full VRF ranking: a node that
// receives a single block only ever learns the claimed producer's own VRF
// output, never its peers' (those stay secret until each masternode reveals
// its own proof). So "is this producer's claimed level correct relative to
// everyone else's output" is not a check a verifier can perform from a block
// alone; VRF_verify on the producer's own output/proof against the slot seed
// is the full cryptographic check available here.
func (v *Verifier) VerifyHeader(header *block.Header, receivedAt time.Time) error {
	if len(header.ProducerSig) == 0 {
		return ErrMissingSig
	}
	if header.FallbackLevel > config.MaxFallbackLevel {
		return ErrFallbackTooHigh
	}

	slot := v.slots.SlotAt(time.Unix(int64(header.Timestamp), 0))
	boundary := v.slots.SlotStart(slot)
	elapsedAtReceipt := receivedAt.Sub(boundary)
	openLevel, ok := EligibleFallbackLevel(elapsedAtReceipt)
	if !ok || header.FallbackLevel > openLevel {
		return ErrFallbackTooEarly
	}

	active := v.registry.ActiveSet(slot)
	var producer *ActiveMasternode
	for i := range active {
		if bytes.Equal(active[i].ID, header.ProducerID) {
			producer = &active[i]
			break
		}
	}
	if producer == nil {
		return ErrNotActive
	}
	if len(producer.VRFPublicKey) == 0 {
		return ErrMissingVRFKey
	}

	seed := SlotSeed(header.PrevHash, slot)
	if _, err := VerifyCandidate(producer.VRFPublicKey, seed, header.VRFProof); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVRFProof, err)
	}

	hash := header.Hash()
	if !crypto.VerifySignature(hash[:], header.ProducerSig, header.ProducerID) {
		return ErrInvalidSig
	}
	return nil
}
