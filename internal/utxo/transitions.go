package utxo

import (
	"fmt"

	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// allowedTransitions is the state graph a coin may move along. Expressed
// as data rather than scattered if-chains so every legal edge is visible
// in one place and illegal transitions are a single table lookup, not a
// proof obligation spread across callers.
//
//	Unspent -> SpentPending -> Finalized -> Archived   (forward path)
//	SpentPending -> Unspent                            (vote aborted/timeout)
//	Finalized -> Unspent                               (block orphaned in reorg)
//	Unspent <-> Locked                                 (masternode collateral)
var allowedTransitions = map[types.OutputState]map[types.OutputState]bool{
	types.Unspent: {
		types.SpentPending: true,
		types.Locked:        true,
	},
	types.SpentPending: {
		types.Finalized: true,
		types.Unspent:   true,
	},
	types.Finalized: {
		types.Archived: true,
		types.Unspent:  true,
	},
	types.Archived: {},
	types.Locked: {
		types.Unspent: true,
	},
}

// ErrUnknownInput is returned when an outpoint has no coin in the ledger.
var ErrUnknownInput = fmt.Errorf("unknown input")

// ErrDoubleSpend is returned when the same outpoint appears more than once
// in one batch. A coin in the wrong state yields *ErrWrongState instead.
var ErrDoubleSpend = fmt.Errorf("double spend")

// ErrWrongState is returned when a coin is not in the state a caller expected.
type ErrWrongState struct {
	Expected types.OutputState
	Found    types.OutputState
}

func (e *ErrWrongState) Error() string {
	return fmt.Sprintf("wrong state: expected %s, found %s", e.Expected, e.Found)
}

// canTransition reports whether from -> to is a legal edge in the coin
// state graph.
func canTransition(from, to types.OutputState) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// checkTransition validates a single coin's proposed transition, returning
// a coreerr-classified ValidationError on any disposition the Ledger's
// caller needs to react to (drop the input, no state change).
func checkTransition(c *Coin, expected, to types.OutputState) error {
	if c.State != expected {
		return coreerr.New(coreerr.ValidationError, &ErrWrongState{Expected: expected, Found: c.State})
	}
	if !canTransition(c.State, to) {
		return coreerr.New(coreerr.ConsensusError, fmt.Errorf("illegal transition %s -> %s for outpoint %s", c.State, to, c.Outpoint))
	}
	return nil
}
