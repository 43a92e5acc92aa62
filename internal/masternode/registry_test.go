package masternode

import (
	"errors"
	"testing"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/types"
)

const (
	testSlotSeconds     = 600
	testLivenessSeconds = 7200
)

func testRegistry(t *testing.T) (*Registry, *utxo.Store) {
	t.Helper()
	store := utxo.NewStore(storage.NewMemory())
	return NewRegistry(store, testSlotSeconds, testLivenessSeconds), store
}

func testID(b byte) []byte {
	id := make([]byte, 32)
	id[0] = b
	return id
}

func TestRegister_Free_NoCollateralRequired(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x01)

	if err := r.Register(id, config.TierFree, nil, types.Address{}, 1000); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mn, ok := r.Get(id)
	if !ok {
		t.Fatal("masternode not found after register")
	}
	if mn.Weight != 1 {
		t.Errorf("weight = %d, want 1", mn.Weight)
	}
}

func TestRegister_GoldRequiresLockedCollateralOfExactValue(t *testing.T) {
	r, store := testRegistry(t)
	id := testID(0x02)
	op := types.Outpoint{TxID: types.Hash{0xaa}, Index: 0}

	// No such coin yet.
	if err := r.Register(id, config.TierGold, &op, types.Address{}, 1000); err == nil {
		t.Fatal("expected error registering Gold with no collateral coin")
	}

	// Wrong value.
	store.Put(&utxo.Coin{Outpoint: op, Value: 1, State: types.Locked, MasternodeID: id})
	if err := r.Register(id, config.TierGold, &op, types.Address{}, 1000); err == nil {
		t.Fatal("expected error registering Gold with wrong collateral value")
	}

	// Correct value but not Locked.
	store.Put(&utxo.Coin{Outpoint: op, Value: config.TierCollateral(config.TierGold), State: types.Unspent, MasternodeID: id})
	if err := r.Register(id, config.TierGold, &op, types.Address{}, 1000); err == nil {
		t.Fatal("expected error registering Gold with Unspent collateral coin")
	}

	// Correct value, Locked, matching masternode ID.
	store.Put(&utxo.Coin{Outpoint: op, Value: config.TierCollateral(config.TierGold), State: types.Locked, MasternodeID: id})
	if err := r.Register(id, config.TierGold, &op, types.Address{}, 1000); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mn, _ := r.Get(id)
	if mn.Weight != 1000 {
		t.Errorf("weight = %d, want 1000", mn.Weight)
	}
}

func TestRegister_GoldRequiresCollateralTiedToThisID(t *testing.T) {
	r, store := testRegistry(t)
	id := testID(0x03)
	otherID := testID(0x04)
	op := types.Outpoint{TxID: types.Hash{0xbb}, Index: 0}
	store.Put(&utxo.Coin{Outpoint: op, Value: config.TierCollateral(config.TierGold), State: types.Locked, MasternodeID: otherID})

	if err := r.Register(id, config.TierGold, &op, types.Address{}, 1000); err == nil {
		t.Fatal("expected error registering with collateral locked to a different masternode")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x05)

	if err := r.Register(id, config.TierFree, nil, types.Address{}, 1000); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(id, config.TierFree, nil, types.Address{}, 1000)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestHeartbeat_UpdatesLastSeen(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x06)
	r.Register(id, config.TierFree, nil, types.Address{}, 1000)

	if err := r.Heartbeat(id, 2000); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	mn, _ := r.Get(id)
	if mn.LastSeen != 2000 {
		t.Errorf("LastSeen = %d, want 2000", mn.LastSeen)
	}

	// An out-of-order heartbeat (older timestamp) must not move last_seen backwards.
	if err := r.Heartbeat(id, 1500); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	mn, _ = r.Get(id)
	if mn.LastSeen != 2000 {
		t.Errorf("LastSeen regressed to %d, want 2000", mn.LastSeen)
	}
}

func TestHeartbeat_Unregistered(t *testing.T) {
	r, _ := testRegistry(t)
	if err := r.Heartbeat(testID(0x07), 1000); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestDeregister(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x08)
	r.Register(id, config.TierFree, nil, types.Address{}, 1000)

	if err := r.Deregister(id); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, ok := r.Get(id); ok {
		t.Error("masternode should be gone after Deregister")
	}
}

// TestActiveSet_LivenessWindow implements the liveness-window property from
// the testable properties: active set total weight at slot s equals the sum
// of tier weights of masternodes with last_seen >= s*600 - 7200.
func TestActiveSet_LivenessWindow(t *testing.T) {
	r, store := testRegistry(t)

	idActive := testID(0x10)
	idStale := testID(0x20)
	opActive := types.Outpoint{TxID: types.Hash{0x10}, Index: 0}
	opStale := types.Outpoint{TxID: types.Hash{0x20}, Index: 0}
	store.Put(&utxo.Coin{Outpoint: opActive, Value: config.TierCollateral(config.TierGold), State: types.Locked, MasternodeID: idActive})
	store.Put(&utxo.Coin{Outpoint: opStale, Value: config.TierCollateral(config.TierGold), State: types.Locked, MasternodeID: idStale})

	r.Register(idActive, config.TierGold, &opActive, types.Address{}, 0)
	r.Register(idStale, config.TierGold, &opStale, types.Address{}, 0)

	slot := uint64(100) // boundary = 100*600 = 60000; cutoff = 60000-7200 = 52800
	r.Heartbeat(idActive, 55000) // within window
	r.Heartbeat(idStale, 10000)  // long expired

	active := r.ActiveSet(slot)
	if len(active) != 1 {
		t.Fatalf("active set size = %d, want 1", len(active))
	}
	if string(active[0].ID) != string(idActive) {
		t.Error("wrong masternode in active set")
	}

	total := r.TotalWeight(slot)
	if total != 1000 {
		t.Errorf("total weight = %d, want 1000", total)
	}
}

func TestActiveSet_SortedByID(t *testing.T) {
	r, _ := testRegistry(t)
	idHigh := testID(0xff)
	idLow := testID(0x01)

	r.Register(idHigh, config.TierFree, nil, types.Address{}, 1000)
	r.Register(idLow, config.TierFree, nil, types.Address{}, 1000)
	r.Heartbeat(idHigh, 1000)
	r.Heartbeat(idLow, 1000)

	active := r.ActiveSet(0)
	if len(active) != 2 {
		t.Fatalf("active set size = %d, want 2", len(active))
	}
	if string(active[0].ID) != string(idLow) {
		t.Error("active set should be sorted by ID ascending")
	}
}

func TestActiveSet_SlotZero_NoUnderflow(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x30)
	r.Register(id, config.TierFree, nil, types.Address{}, 0)

	// slot 0: boundary 0, liveness_seconds 7200 -> cutoff must clamp to 0,
	// not wrap around as an unsigned underflow.
	active := r.ActiveSet(0)
	if len(active) != 1 {
		t.Fatalf("active set size = %d, want 1 (no underflow)", len(active))
	}
}

func TestSetVRFKey_CarriesThroughActiveSet(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x50)
	r.Register(id, config.TierFree, nil, types.Address{}, 0)
	r.Heartbeat(id, 100000)

	vrfPub := []byte{0x02, 0x03, 0x04}
	if err := r.SetVRFKey(id, vrfPub); err != nil {
		t.Fatalf("SetVRFKey: %v", err)
	}

	active := r.ActiveSet(100)
	if len(active) != 1 {
		t.Fatalf("active set size = %d, want 1", len(active))
	}
	if string(active[0].VRFPublicKey) != string(vrfPub) {
		t.Errorf("VRFPublicKey = %x, want %x", active[0].VRFPublicKey, vrfPub)
	}
}

func TestSetVRFKey_Unregistered(t *testing.T) {
	r, _ := testRegistry(t)
	if err := r.SetVRFKey(testID(0x51), []byte{0x01}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestIsActive(t *testing.T) {
	r, _ := testRegistry(t)
	id := testID(0x40)
	r.Register(id, config.TierFree, nil, types.Address{}, 0)
	r.Heartbeat(id, 100000)

	if !r.IsActive(id, 100) {
		t.Error("should be active")
	}
	if r.IsActive(testID(0x41), 100) {
		t.Error("unregistered ID should not be active")
	}
}
