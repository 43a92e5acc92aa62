package utxo

import (
	"fmt"

	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Ledger is the sole mutator of coin state. Spending, finalizing,
// aborting and collateral lock/unlock go through transitionBatch, and
// ArchiveSpend applies the same check: every coin is validated against the
// expected prior state before anything is written, then the whole batch
// commits atomically via storage.Batch. Restore, the rollback primitive,
// sets states without that check. No caller outside this file ever calls
// Store.Put to change an existing coin's state directly.
type Ledger struct {
	db    storage.DB
	store *Store
}

// NewLedger creates a Ledger over the given database and coin store.
func NewLedger(db storage.DB, store *Store) *Ledger {
	return &Ledger{db: db, store: store}
}

// Store exposes the read-only coin store for queries.
func (l *Ledger) Store() *Store {
	return l.store
}

// batchWriter returns something that can Put/Delete a set of keys and
// Commit them together. If the backing DB implements storage.Batcher the
// writes are atomic; otherwise they apply sequentially. MemoryDB, PrefixDB
// and BadgerDB all implement Batcher.
type batchWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

type sequentialWriter struct {
	db storage.DB
}

func (w *sequentialWriter) Put(key, value []byte) error { return w.db.Put(key, value) }
func (w *sequentialWriter) Delete(key []byte) error     { return w.db.Delete(key) }
func (w *sequentialWriter) Commit() error               { return nil }

func (l *Ledger) newBatch() batchWriter {
	if b, ok := l.db.(storage.Batcher); ok {
		return b.NewBatch()
	}
	return &sequentialWriter{db: l.db}
}

// transitionBatch validates that every coin in outpoints is currently in
// expected state and that expected -> to is a legal edge, then writes all
// of them to to atomically. mutate, if non-nil, is applied to each coin
// (e.g. to set HeightSpent) before it's re-serialized.
func (l *Ledger) transitionBatch(outpoints []types.Outpoint, expected, to types.OutputState, mutate func(*Coin)) error {
	if len(outpoints) == 0 {
		return nil
	}

	seen := make(map[types.Outpoint]struct{}, len(outpoints))
	coins := make([]*Coin, 0, len(outpoints))
	for _, op := range outpoints {
		if _, dup := seen[op]; dup {
			return coreerr.New(coreerr.ValidationError, fmt.Errorf("%w: %s", ErrDoubleSpend, op))
		}
		seen[op] = struct{}{}

		c, err := l.store.Get(op)
		if err != nil {
			return coreerr.New(coreerr.ValidationError, fmt.Errorf("%w: %s", ErrUnknownInput, op))
		}
		if err := checkTransition(c, expected, to); err != nil {
			return err
		}
		coins = append(coins, c)
	}

	batch := l.newBatch()
	for _, c := range coins {
		c.State = to
		if mutate != nil {
			mutate(c)
		}
		data, err := marshalCoin(c)
		if err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
		if err := batch.Put(coinKey(c.Outpoint), data); err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return coreerr.New(coreerr.StorageError, err)
	}
	return nil
}

// BeginSpend locks inputs for voting: Unspent -> SpentPending.
func (l *Ledger) BeginSpend(outpoints []types.Outpoint) error {
	return l.transitionBatch(outpoints, types.Unspent, types.SpentPending, nil)
}

// AbortSpend reverts inputs whose vote was rejected or expired: SpentPending -> Unspent.
func (l *Ledger) AbortSpend(outpoints []types.Outpoint) error {
	return l.transitionBatch(outpoints, types.SpentPending, types.Unspent, func(c *Coin) {
		c.HeightSpent = nil
	})
}

// FinalizeSpend marks inputs final once a TimeProof is emitted: SpentPending -> Finalized.
func (l *Ledger) FinalizeSpend(outpoints []types.Outpoint) error {
	return l.transitionBatch(outpoints, types.SpentPending, types.Finalized, nil)
}

// ArchiveSpend archives a transaction's inputs on block acceptance
// (Finalized -> Archived) and creates its outputs as new Unspent coins, in
// a single atomic batch; apply_tx reaching Archived per the ledger
// contract.
func (l *Ledger) ArchiveSpend(txid types.Hash, inputs []types.Outpoint, outputs []tx.Output, height uint64) error {
	coins := make([]*Coin, 0, len(inputs))
	seen := make(map[types.Outpoint]struct{}, len(inputs))
	for _, op := range inputs {
		if _, dup := seen[op]; dup {
			return coreerr.New(coreerr.ValidationError, fmt.Errorf("%w: %s", ErrDoubleSpend, op))
		}
		seen[op] = struct{}{}

		c, err := l.store.Get(op)
		if err != nil {
			return coreerr.New(coreerr.ValidationError, fmt.Errorf("%w: %s", ErrUnknownInput, op))
		}
		if err := checkTransition(c, types.Finalized, types.Archived); err != nil {
			return err
		}
		coins = append(coins, c)
	}

	batch := l.newBatch()
	for _, c := range coins {
		c.State = types.Archived
		data, err := marshalCoin(c)
		if err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
		if err := batch.Put(coinKey(c.Outpoint), data); err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
	}
	for i, out := range outputs {
		op := types.Outpoint{TxID: txid, Index: uint32(i)}
		owner, _ := scriptOwner(out.Script)
		newCoin := &Coin{
			Outpoint:      op,
			Value:         out.Value,
			Owner:         owner,
			Script:        out.Script,
			State:         types.Unspent,
			HeightCreated: height,
		}
		data, err := marshalCoin(newCoin)
		if err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
		if err := batch.Put(coinKey(op), data); err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return coreerr.New(coreerr.StorageError, err)
	}

	// Secondary indexes (address/stake) are maintained outside the atomic
	// batch: they're derived data, rebuildable via ClearAll + ForEach, not
	// part of the conservation invariant.
	for _, c := range coins {
		if addr, ok := scriptOwner(c.Script); ok {
			l.db.Delete(addrKey(addr, c.Outpoint))
		}
		if c.Script.Type == types.ScriptTypeStake && len(c.Script.Data) == ed25519PubKeySize {
			l.db.Delete(stakeKey(c.Script.Data, c.Outpoint))
		}
	}
	for i, out := range outputs {
		op := types.Outpoint{TxID: txid, Index: uint32(i)}
		if addr, ok := scriptOwner(out.Script); ok {
			l.db.Put(addrKey(addr, op), []byte{})
		}
		if out.Script.Type == types.ScriptTypeStake && len(out.Script.Data) == ed25519PubKeySize {
			l.db.Put(stakeKey(out.Script.Data, op), []byte{})
		}
	}
	return nil
}

// Restore is the rollback primitive: it force-sets outpoints back to
// targetState, bypassing the transition table, because reorg disconnection
// must honor whatever prior state an UndoRecord captured (which may be
// Finalized, not just Unspent). It fails only for an outpoint with no coin;
// a coin's current state is not checked, so a coin that has since been
// re-spent by another branch is overwritten like any other.
func (l *Ledger) Restore(outpoints []types.Outpoint, targetState types.OutputState) error {
	if len(outpoints) == 0 {
		return nil
	}
	coins := make([]*Coin, 0, len(outpoints))
	for _, op := range outpoints {
		c, err := l.store.Get(op)
		if err != nil {
			return coreerr.New(coreerr.ConsensusError, fmt.Errorf("restore %s: %w", op, ErrUnknownInput))
		}
		coins = append(coins, c)
	}

	batch := l.newBatch()
	for _, c := range coins {
		c.State = targetState
		if targetState == types.Unspent {
			c.HeightSpent = nil
		}
		data, err := marshalCoin(c)
		if err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
		if err := batch.Put(coinKey(c.Outpoint), data); err != nil {
			return coreerr.New(coreerr.StorageError, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return coreerr.New(coreerr.StorageError, err)
	}
	return nil
}

// Lock converts a coin to masternode collateral: Unspent -> Locked.
func (l *Ledger) Lock(outpoint types.Outpoint, masternodeID []byte) error {
	return l.transitionBatch([]types.Outpoint{outpoint}, types.Unspent, types.Locked, func(c *Coin) {
		c.MasternodeID = append([]byte(nil), masternodeID...)
	})
}

// Unlock releases masternode collateral: Locked -> Unspent.
func (l *Ledger) Unlock(outpoint types.Outpoint) error {
	return l.transitionBatch([]types.Outpoint{outpoint}, types.Locked, types.Unspent, func(c *Coin) {
		c.MasternodeID = nil
	})
}
