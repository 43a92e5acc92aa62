package timevote

import (
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// State is a TX-in-flight's position in the finality state machine:
//
//	Idle -> Collecting -> Finalized -> Emitted
//	                  \-> Expired
//	                  \-> Rejected
//
// Modeled as an explicit enum field rather than scattered boolean flags;
// the engine assigns it only while holding the accumulator's shard lock.
type State uint8

const (
	Idle State = iota
	Collecting
	Finalized
	Emitted
	Expired
	Rejected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Finalized:
		return "finalized"
	case Emitted:
		return "emitted"
	case Expired:
		return "expired"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// accumulator is the per-transaction vote tally. Mutation is always done
// under the owning shard's lock (see shard.go); the struct itself holds no
// lock of its own.
type accumulator struct {
	txCommitment types.Hash
	transaction  *tx.Transaction // nil until on_request/submit_local has seen the TX body.
	slotIndex    uint64
	deadline     uint64 // Unix seconds; accumulator expires if not finalized by then.

	totalWeight uint64 // total_active_weight(slot_index), snapshotted at creation.

	acceptWeight uint64
	rejectWeight uint64
	counted      map[string]struct{} // voter_id (as string) already counted, accept or reject.
	acceptVotes  []Vote

	state State
	proof *TimeProof // set once Finalized/Emitted.
}

func newAccumulator(txCommitment types.Hash, slotIndex, deadline, totalWeight uint64) *accumulator {
	return &accumulator{
		txCommitment: txCommitment,
		slotIndex:    slotIndex,
		deadline:     deadline,
		totalWeight:  totalWeight,
		counted:      make(map[string]struct{}),
		state:        Idle,
	}
}

// thresholdWeight returns ceil(numerator/denominator * totalWeight).
func thresholdWeight(totalWeight uint64, numerator, denominator uint64) uint64 {
	if totalWeight == 0 {
		return 0
	}
	num := totalWeight * numerator
	return (num + denominator - 1) / denominator
}
