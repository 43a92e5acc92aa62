package types

// OutputState is the lifecycle state of a coin in the UTXO set.
//
// Unspent and SpentPending can both be referenced by in-flight transactions;
// Finalized and Archived are append-only history once a tx has cleared
// TimeVote and block inclusion respectively. Locked is orthogonal to the
// spend lifecycle: it marks a Stake output held as masternode collateral.
type OutputState uint8

const (
	// Unspent is a coin available to fund a new transaction.
	Unspent OutputState = iota
	// SpentPending is a coin referenced by a transaction that has entered
	// TimeVote but has not yet reached finality.
	SpentPending
	// Finalized is a coin consumed by a transaction that reached TimeVote
	// finality but has not yet been included in a produced block.
	Finalized
	// Archived is a coin consumed by a transaction included in a block.
	Archived
	// Locked is a Stake output held as masternode collateral; it cannot
	// fund a transaction until the masternode unregisters.
	Locked
)

// String returns a human-readable name for the output state.
func (s OutputState) String() string {
	switch s {
	case Unspent:
		return "unspent"
	case SpentPending:
		return "spent_pending"
	case Finalized:
		return "finalized"
	case Archived:
		return "archived"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}
