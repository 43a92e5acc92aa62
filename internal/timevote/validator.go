package timevote

import "github.com/timelock-chain/tlcd/pkg/tx"

// UTXOValidator adapts pkg/tx.Transaction.ValidateWithUTXOs to the
// Validator interface, bound to whatever UTXO view the caller wires in
// (ordinarily the live *utxo.Store, which satisfies tx.UTXOProvider
// directly).
type UTXOValidator struct {
	Provider tx.UTXOProvider
}

func (v UTXOValidator) Validate(t *tx.Transaction) (uint64, error) {
	return t.ValidateWithUTXOs(v.Provider)
}
