package timevote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/timelock-chain/tlcd/internal/clockutil"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// fakeRegistry is a minimal RegistryView: a fixed active set with weights.
type fakeRegistry struct {
	weights map[string]uint64
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{weights: make(map[string]uint64)} }

func (f *fakeRegistry) add(id []byte, weight uint64) { f.weights[string(id)] = weight }

func (f *fakeRegistry) IsActive(id []byte, slot uint64) bool {
	_, ok := f.weights[string(id)]
	return ok
}

func (f *fakeRegistry) TotalWeight(slot uint64) uint64 {
	var total uint64
	for _, w := range f.weights {
		total += w
	}
	return total
}

// fakeLedger records calls instead of touching a real coin store.
type fakeLedger struct {
	beginErr, abortErr, finalizeErr error
	begun, aborted, finalized       [][]types.Outpoint
}

func (f *fakeLedger) BeginSpend(ops []types.Outpoint) error {
	f.begun = append(f.begun, ops)
	return f.beginErr
}
func (f *fakeLedger) AbortSpend(ops []types.Outpoint) error {
	f.aborted = append(f.aborted, ops)
	return f.abortErr
}
func (f *fakeLedger) FinalizeSpend(ops []types.Outpoint) error {
	f.finalized = append(f.finalized, ops)
	return f.finalizeErr
}

// acceptValidator always accepts; rejectValidator always rejects.
type acceptValidator struct{}

func (acceptValidator) Validate(t *tx.Transaction) (uint64, error) { return 0, nil }

type rejectValidator struct{ err error }

func (r rejectValidator) Validate(t *tx.Transaction) (uint64, error) { return 0, r.err }

// fakeSink records finalized transactions.
type fakeSink struct {
	added []TimeProof
}

func (f *fakeSink) AddFinalized(t *tx.Transaction, proof TimeProof) error {
	f.added = append(f.added, proof)
	return nil
}

// fakeBroadcaster records every broadcast call.
type fakeBroadcaster struct {
	requests  []*tx.Transaction
	votes     []Vote
	proofs    []TimeProof
	failVotes bool
}

func (f *fakeBroadcaster) BroadcastVoteRequest(t *tx.Transaction) error {
	f.requests = append(f.requests, t)
	return nil
}
func (f *fakeBroadcaster) BroadcastVote(v Vote) error {
	if f.failVotes {
		return errors.New("broadcast down")
	}
	f.votes = append(f.votes, v)
	return nil
}
func (f *fakeBroadcaster) BroadcastTimeProof(tp TimeProof) error {
	f.proofs = append(f.proofs, tp)
	return nil
}

func testClock(t *testing.T) *clockutil.SlotClock {
	t.Helper()
	sc, _ := testClockWithMock(t)
	return sc
}

func testClockWithMock(t *testing.T) (*clockutil.SlotClock, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return clockutil.NewSlotClock(mock, mock.Now(), 600*time.Second), mock
}

func emptyTx() *tx.Transaction {
	return &tx.Transaction{Version: 1}
}

func testVoter(t *testing.T) (*crypto.PrivateKey, []byte) {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pk, pk.PublicKey()
}

func signedVote(t *testing.T, pk *crypto.PrivateKey, id []byte, commitment types.Hash, slot, weight uint64, d Decision) Vote {
	t.Helper()
	v := Vote{TxCommitment: commitment, SlotIndex: slot, VoterID: id, VoterWeight: weight, Decision: d}
	sig, err := pk.Sign(v.SigningBytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v.Sig = sig
	return v
}

func TestNew_RequiresBroadcaster(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	_, err := New(reg, ledger, acceptValidator{}, &fakeSink{}, nil, testClock(t))
	if !errors.Is(err, ErrNoBroadcaster) {
		t.Fatalf("expected ErrNoBroadcaster, got %v", err)
	}
}

func TestSubmitLocal_RejectsInvalidTx(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	e, err := New(reg, ledger, rejectValidator{err: errors.New("bad tx")}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.SubmitLocal(emptyTx()); err == nil {
		t.Fatal("expected validation error")
	}
	if len(ledger.begun) != 0 {
		t.Error("BeginSpend must not be called for an invalid tx")
	}
}

func TestSubmitLocal_BroadcastsRequest(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	bc := &fakeBroadcaster{}
	e, err := New(reg, ledger, acceptValidator{}, &fakeSink{}, bc, testClock(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn := emptyTx()
	if err := e.SubmitLocal(txn); err != nil {
		t.Fatalf("SubmitLocal: %v", err)
	}
	if len(bc.requests) != 1 {
		t.Fatalf("requests broadcast = %d, want 1", len(bc.requests))
	}
	if len(ledger.begun) != 1 {
		t.Fatalf("BeginSpend calls = %d, want 1", len(ledger.begun))
	}
}

func TestOnVote_FinalizesAtThreshold(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	voterB, idB := testVoter(t)
	reg.add(idA, 60)
	reg.add(idB, 40)

	ledger := &fakeLedger{}
	sink := &fakeSink{}
	bc := &fakeBroadcaster{}
	e, err := New(reg, ledger, acceptValidator{}, sink, bc, testClock(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	txn := emptyTx()
	if err := e.SubmitLocal(txn); err != nil {
		t.Fatalf("SubmitLocal: %v", err)
	}
	commitment := txn.Hash()

	// 60/100 crosses the 51% threshold on its own.
	v := signedVote(t, voterA, idA, commitment, 0, 60, Accept)
	if err := e.OnVote(context.Background(), v); err != nil {
		t.Fatalf("OnVote: %v", err)
	}
	if len(sink.added) != 1 {
		t.Fatalf("finalized sink got %d proofs, want 1", len(sink.added))
	}
	if sink.added[0].AccumulatedWeight != 60 {
		t.Errorf("accumulated weight = %d, want 60", sink.added[0].AccumulatedWeight)
	}
	if len(bc.proofs) != 1 {
		t.Fatalf("TimeProof broadcasts = %d, want 1", len(bc.proofs))
	}
	if len(ledger.finalized) != 1 {
		t.Errorf("FinalizeSpend calls = %d, want 1", len(ledger.finalized))
	}

	// A second vote for the now-gone accumulator is simply unknown.
	v2 := signedVote(t, voterB, idB, commitment, 0, 40, Accept)
	if err := e.OnVote(context.Background(), v2); !errors.Is(err, ErrUnknownTx) {
		t.Fatalf("expected ErrUnknownTx for vote on finalized tx, got %v", err)
	}
}

func TestOnVote_RejectsBelowThresholdDoesNotFinalize(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	reg.add(idA, 40)
	reg.add([]byte("other-voter-padding-to-32-bytes"), 60)

	ledger := &fakeLedger{}
	sink := &fakeSink{}
	e, err := New(reg, ledger, acceptValidator{}, sink, &fakeBroadcaster{}, testClock(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn := emptyTx()
	e.SubmitLocal(txn)
	commitment := txn.Hash()

	v := signedVote(t, voterA, idA, commitment, 0, 40, Accept)
	if err := e.OnVote(context.Background(), v); err != nil {
		t.Fatalf("OnVote: %v", err)
	}
	if len(sink.added) != 0 {
		t.Fatal("should not finalize below threshold")
	}
}

func TestOnVote_RejectWeightExceedsHalf_RevertsInputs(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	reg.add(idA, 60)
	reg.add([]byte("other-voter-padding-to-32-bytes"), 40)

	ledger := &fakeLedger{}
	e, err := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn := &tx.Transaction{Version: 1, Inputs: []tx.Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}, Index: 0}}}}
	e.SubmitLocal(txn)
	commitment := txn.Hash()

	v := signedVote(t, voterA, idA, commitment, 0, 60, Reject)
	if err := e.OnVote(context.Background(), v); err != nil {
		t.Fatalf("OnVote: %v", err)
	}
	if len(ledger.aborted) != 1 {
		t.Fatalf("AbortSpend calls = %d, want 1 (reject weight %d > half of 100)", len(ledger.aborted), 60)
	}
}

func TestOnVote_RejectsBadSignature(t *testing.T) {
	reg := newFakeRegistry()
	_, idA := testVoter(t)
	reg.add(idA, 100)
	ledger := &fakeLedger{}
	e, _ := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	txn := emptyTx()
	e.SubmitLocal(txn)

	v := Vote{TxCommitment: txn.Hash(), SlotIndex: 0, VoterID: idA, VoterWeight: 100, Decision: Accept, Sig: []byte("not a signature")}
	if err := e.OnVote(context.Background(), v); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestOnVote_RejectsInactiveVoter(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	// idA deliberately not added to the registry's active set.
	ledger := &fakeLedger{}
	e, _ := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	txn := emptyTx()
	e.SubmitLocal(txn)

	v := signedVote(t, voterA, idA, txn.Hash(), 0, 100, Accept)
	if err := e.OnVote(context.Background(), v); !errors.Is(err, ErrVoterNotActive) {
		t.Fatalf("expected ErrVoterNotActive, got %v", err)
	}
}

func TestOnVote_RejectsDoubleCountedVoter(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	voterB, idB := testVoter(t)
	reg.add(idA, 30)
	reg.add(idB, 30)
	ledger := &fakeLedger{}
	e, _ := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	txn := emptyTx()
	e.SubmitLocal(txn)
	commitment := txn.Hash()

	v1 := signedVote(t, voterA, idA, commitment, 0, 30, Accept)
	if err := e.OnVote(context.Background(), v1); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	v1again := signedVote(t, voterA, idA, commitment, 0, 30, Accept)
	if err := e.OnVote(context.Background(), v1again); !errors.Is(err, ErrVoterCounted) {
		t.Fatalf("expected ErrVoterCounted, got %v", err)
	}
	_ = voterB
}

func TestOnVote_RejectsSlotTooFarFromAccumulator(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	reg.add(idA, 100)
	ledger := &fakeLedger{}
	e, _ := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	txn := emptyTx()
	e.SubmitLocal(txn)

	v := signedVote(t, voterA, idA, txn.Hash(), 5, 100, Accept)
	if err := e.OnVote(context.Background(), v); !errors.Is(err, ErrBadSlot) {
		t.Fatalf("expected ErrBadSlot, got %v", err)
	}
}

func TestOnRequest_AcceptsValidCreatesAccumulator(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	selfKey, selfID := testVoter(t)
	reg.add(selfID, 100)
	bc := &fakeBroadcaster{}
	e, err := New(reg, ledger, acceptValidator{}, &fakeSink{}, bc, testClock(t), WithSelf(&Self{ID: selfID, Signer: selfKey, Weight: 100}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn := emptyTx()
	if err := e.OnRequest(txn); err != nil {
		t.Fatalf("OnRequest: %v", err)
	}
	if len(bc.votes) != 1 {
		t.Fatalf("self votes broadcast = %d, want 1", len(bc.votes))
	}
	if bc.votes[0].Decision != Accept {
		t.Errorf("self vote decision = %v, want Accept", bc.votes[0].Decision)
	}
}

func TestOnRequest_InvalidTxCastsReject(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	selfKey, selfID := testVoter(t)
	reg.add(selfID, 100)
	bc := &fakeBroadcaster{}
	e, _ := New(reg, ledger, rejectValidator{err: errors.New("bad")}, &fakeSink{}, bc, testClock(t), WithSelf(&Self{ID: selfID, Signer: selfKey, Weight: 100}))
	txn := emptyTx()
	if err := e.OnRequest(txn); err != nil {
		t.Fatalf("OnRequest: %v", err)
	}
	if len(ledger.begun) != 0 {
		t.Error("BeginSpend must not run for an invalid tx")
	}
	if len(bc.votes) != 1 || bc.votes[0].Decision != Reject {
		t.Fatalf("expected a single Reject vote, got %+v", bc.votes)
	}
}

func TestOnTimeProof_FinalizesTrackedTx(t *testing.T) {
	reg := newFakeRegistry()
	voterA, idA := testVoter(t)
	reg.add(idA, 100)
	ledger := &fakeLedger{}
	sink := &fakeSink{}
	e, err := New(reg, ledger, acceptValidator{}, sink, &fakeBroadcaster{}, testClock(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn := emptyTx()
	e.SubmitLocal(txn)
	commitment := txn.Hash()

	v := signedVote(t, voterA, idA, commitment, 0, 100, Accept)
	tp := TimeProof{TxCommitment: commitment, SlotIndex: 0, Votes: []Vote{v}, AccumulatedWeight: 100}
	if err := e.OnTimeProof(tp); err != nil {
		t.Fatalf("OnTimeProof: %v", err)
	}
	if len(sink.added) != 1 {
		t.Fatalf("finalized sink got %d, want 1", len(sink.added))
	}
}

func TestOnTimeProof_RejectsMalformedProof(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	e, _ := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, testClock(t))
	tp := TimeProof{TxCommitment: types.Hash{0x01}, SlotIndex: 0, AccumulatedWeight: 100} // no votes, weight mismatch
	if err := e.OnTimeProof(tp); err == nil {
		t.Fatal("expected verification error for weight/vote mismatch")
	}
}

func TestSweepExpired_RevertsAfterVoteWindow(t *testing.T) {
	reg := newFakeRegistry()
	ledger := &fakeLedger{}
	sc, mock := testClockWithMock(t)
	e, err := New(reg, ledger, acceptValidator{}, &fakeSink{}, &fakeBroadcaster{}, sc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn := emptyTx()
	if err := e.SubmitLocal(txn); err != nil {
		t.Fatalf("SubmitLocal: %v", err)
	}

	if err := e.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired (too early): %v", err)
	}
	if len(ledger.aborted) != 0 {
		t.Fatal("should not expire before the vote window elapses")
	}

	// VOTE_WINDOW = 2*SLOT_SECONDS = 1200s; advance well past it.
	mock.Add(1300 * time.Second)
	if err := e.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(ledger.aborted) != 1 {
		t.Fatalf("AbortSpend calls after expiry = %d, want 1", len(ledger.aborted))
	}
}
