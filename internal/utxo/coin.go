// Package utxo manages the coin set: every output ever created, tagged
// with its position in the five-state lifecycle, and the indexes needed
// to find coins by owner or by masternode collateral lock.
package utxo

import (
	"encoding/json"

	"github.com/timelock-chain/tlcd/pkg/types"
)

// Coin is a single transaction output together with its lifecycle state.
// Unlike a plain existence-only UTXO set ("in the set" / "not in the
// set"), Coin carries State so the ledger can represent a coin that is
// spent-but-not-yet-final, final-but-not-yet-archived, or locked as
// masternode collateral.
type Coin struct {
	Outpoint      types.Outpoint    `json:"outpoint"`
	Value         uint64            `json:"value"`
	Owner         types.Address     `json:"owner"`
	Script        types.Script      `json:"script"`
	State         types.OutputState `json:"state"`
	HeightCreated uint64            `json:"height_created"`
	// HeightSpent is set when the coin leaves Unspent and cleared when it
	// is restored back to Unspent.
	HeightSpent *uint64 `json:"height_spent,omitempty"`
	// MasternodeID is the back-reference to the masternode a Locked coin
	// collateralizes. Empty for every other state.
	MasternodeID []byte `json:"masternode_id,omitempty"`
}

// scriptOwner returns the address embedded in a P2PKH script, if any.
func scriptOwner(s types.Script) (types.Address, bool) {
	if s.Type == types.ScriptTypeP2PKH && len(s.Data) >= types.AddressSize {
		var addr types.Address
		copy(addr[:], s.Data[:types.AddressSize])
		return addr, true
	}
	return types.Address{}, false
}

// marshalCoin is the single JSON encoding path for a coin, used by both
// Store and Ledger so serialized coins are always shaped identically.
func marshalCoin(c *Coin) ([]byte, error) {
	return json.Marshal(c)
}

// ed25519PubKeySize is the length of the Ed25519 public key a Stake script
// carries, distinct from the 33-byte compressed secp256k1 VRF key.
const ed25519PubKeySize = 32

// Set is the read interface other packages (masternode, mempool, fee
// estimation) depend on instead of the concrete Store, so they can be
// tested against an in-memory Store without a real database.
type Set interface {
	Get(outpoint types.Outpoint) (*Coin, error)
	Has(outpoint types.Outpoint) (bool, error)
	GetByAddress(addr types.Address) ([]*Coin, error)
	GetStakes(pubKey []byte) ([]*Coin, error)
}
