package utxo

import (
	"errors"
	"testing"

	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

func testLedger(t *testing.T) (*Ledger, *Store) {
	t.Helper()
	db := storage.NewMemory()
	store := NewStore(db)
	return NewLedger(db, store), store
}

func TestLedger_BeginSpend_ThenFinalizeThenArchive(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1000, State: types.Unspent, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)}})

	if err := l.BeginSpend([]types.Outpoint{op}); err != nil {
		t.Fatalf("BeginSpend: %v", err)
	}
	c, _ := store.Get(op)
	if c.State != types.SpentPending {
		t.Fatalf("state = %s, want SpentPending", c.State)
	}

	if err := l.FinalizeSpend([]types.Outpoint{op}); err != nil {
		t.Fatalf("FinalizeSpend: %v", err)
	}
	c, _ = store.Get(op)
	if c.State != types.Finalized {
		t.Fatalf("state = %s, want Finalized", c.State)
	}

	txid := types.Hash{0xaa}
	outputs := []tx.Output{
		{Value: 995, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)}},
	}
	if err := l.ArchiveSpend(txid, []types.Outpoint{op}, outputs, 10); err != nil {
		t.Fatalf("ArchiveSpend: %v", err)
	}
	c, _ = store.Get(op)
	if c.State != types.Archived {
		t.Fatalf("input state = %s, want Archived", c.State)
	}

	newOp := types.Outpoint{TxID: txid, Index: 0}
	newCoin, err := store.Get(newOp)
	if err != nil {
		t.Fatalf("new output not created: %v", err)
	}
	if newCoin.State != types.Unspent {
		t.Errorf("new output state = %s, want Unspent", newCoin.State)
	}
	if newCoin.Value != 995 {
		t.Errorf("new output value = %d, want 995", newCoin.Value)
	}
	if newCoin.HeightCreated != 10 {
		t.Errorf("new output height = %d, want 10", newCoin.HeightCreated)
	}
}

func TestLedger_BeginSpend_WrongState(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1000, State: types.SpentPending})

	err := l.BeginSpend([]types.Outpoint{op})
	var wrongState *ErrWrongState
	if !errors.As(err, &wrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestLedger_BeginSpend_UnknownInput(t *testing.T) {
	l, _ := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x99}, Index: 0}
	err := l.BeginSpend([]types.Outpoint{op})
	if !errors.Is(err, ErrUnknownInput) {
		t.Fatalf("expected ErrUnknownInput, got %v", err)
	}
}

func TestLedger_BeginSpend_AtomicOnFailure(t *testing.T) {
	l, store := testLedger(t)

	op1 := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	op2 := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}
	store.Put(&Coin{Outpoint: op1, Value: 1000, State: types.Unspent})
	store.Put(&Coin{Outpoint: op2, Value: 2000, State: types.Locked}) // Already locked: not spendable.

	err := l.BeginSpend([]types.Outpoint{op1, op2})
	if err == nil {
		t.Fatal("expected error due to op2 being Locked")
	}

	// op1 must not have been mutated even though it validated fine in isolation.
	c1, _ := store.Get(op1)
	if c1.State != types.Unspent {
		t.Errorf("op1 state = %s, want Unspent (batch should not partially apply)", c1.State)
	}
}

func TestLedger_AbortSpend(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1000, State: types.SpentPending})

	if err := l.AbortSpend([]types.Outpoint{op}); err != nil {
		t.Fatalf("AbortSpend: %v", err)
	}
	c, _ := store.Get(op)
	if c.State != types.Unspent {
		t.Fatalf("state = %s, want Unspent", c.State)
	}
}

func TestLedger_Restore_HonorsPriorState(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1000, State: types.Archived})

	// Simulate disconnecting a block whose UndoRecord captured "Finalized"
	// as the coin's state before the block archived it.
	if err := l.Restore([]types.Outpoint{op}, types.Finalized); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	c, _ := store.Get(op)
	if c.State != types.Finalized {
		t.Fatalf("state = %s, want Finalized (restore must honor captured prior state)", c.State)
	}
}

func TestLedger_LockAndUnlock(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1000, State: types.Unspent})

	mnID := []byte("masternode-pubkey-32-bytes-long!")
	if err := l.Lock(op, mnID); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	c, _ := store.Get(op)
	if c.State != types.Locked {
		t.Fatalf("state = %s, want Locked", c.State)
	}

	if err := l.Unlock(op); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	c, _ = store.Get(op)
	if c.State != types.Unspent {
		t.Fatalf("state = %s, want Unspent", c.State)
	}
}

// TestLedger_CollateralLockPreventsSpend is the collateral-lock scenario
// from the testable properties: a masternode registers Gold tier with
// outpoint O; O transitions to Locked; a user transaction attempting to
// spend O is rejected with WrongState(expected=Unspent, found=Locked).
func TestLedger_CollateralLockPreventsSpend(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1_000_000, State: types.Unspent})

	if err := l.Lock(op, []byte("mn-id")); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	err := l.BeginSpend([]types.Outpoint{op})
	var wrongState *ErrWrongState
	if !errors.As(err, &wrongState) {
		t.Fatalf("expected ErrWrongState spending a Locked coin, got %v", err)
	}
	if wrongState.Expected != types.Unspent || wrongState.Found != types.Locked {
		t.Errorf("ErrWrongState = %+v", wrongState)
	}
}

func TestLedger_DuplicateOutpointInBatch(t *testing.T) {
	l, store := testLedger(t)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&Coin{Outpoint: op, Value: 1000, State: types.Unspent})

	err := l.BeginSpend([]types.Outpoint{op, op})
	if !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("expected ErrDoubleSpend for duplicate outpoint, got %v", err)
	}
}
