package timevote

import (
	"encoding/json"
	"testing"

	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

func signedTestVote(t *testing.T) (Vote, *crypto.PrivateKey) {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v := Vote{
		TxCommitment: types.Hash{0x01, 0x02},
		SlotIndex:    7,
		VoterID:      pk.PublicKey(),
		VoterWeight:  100,
		Decision:     Accept,
	}
	sig, err := pk.Sign(v.SigningBytes())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	v.Sig = sig
	return v, pk
}

func TestVote_VerifyRoundTrip(t *testing.T) {
	v, _ := signedTestVote(t)
	if !v.Verify() {
		t.Fatal("valid vote failed to verify")
	}
}

func TestVote_VerifyRejectsTamperedWeight(t *testing.T) {
	v, _ := signedTestVote(t)
	v.VoterWeight = 999
	if v.Verify() {
		t.Fatal("tampered vote should not verify")
	}
}

func TestVote_JSONRoundTrip(t *testing.T) {
	v, _ := signedTestVote(t)
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Vote
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.TxCommitment != v.TxCommitment || got.SlotIndex != v.SlotIndex || got.Decision != v.Decision {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, v)
	}
	if string(got.VoterID) != string(v.VoterID) || string(got.Sig) != string(v.Sig) {
		t.Fatal("byte fields did not round trip through hex JSON")
	}
	if !got.Verify() {
		t.Fatal("round-tripped vote failed to verify")
	}
}

func TestTimeProof_VerifySumsWeights(t *testing.T) {
	v1, _ := signedTestVote(t)
	v2, pk2 := signedTestVote(t)
	v2.VoterID = pk2.PublicKey()
	sig2, _ := pk2.Sign(v2.SigningBytes())
	v2.Sig = sig2

	tp := TimeProof{
		TxCommitment:      v1.TxCommitment,
		SlotIndex:         v1.SlotIndex,
		Votes:             []Vote{v1, v2},
		AccumulatedWeight: v1.VoterWeight + v2.VoterWeight,
	}
	if err := tp.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTimeProof_VerifyRejectsWeightMismatch(t *testing.T) {
	v, _ := signedTestVote(t)
	tp := TimeProof{
		TxCommitment:      v.TxCommitment,
		SlotIndex:         v.SlotIndex,
		Votes:             []Vote{v},
		AccumulatedWeight: v.VoterWeight + 1,
	}
	if err := tp.Verify(); err == nil {
		t.Fatal("expected weight mismatch error")
	}
}

func TestTimeProof_VerifyRejectsRejectVote(t *testing.T) {
	v, _ := signedTestVote(t)
	v.Decision = Reject
	tp := TimeProof{TxCommitment: v.TxCommitment, SlotIndex: v.SlotIndex, Votes: []Vote{v}, AccumulatedWeight: v.VoterWeight}
	if err := tp.Verify(); err == nil {
		t.Fatal("a time proof containing a reject vote should not verify")
	}
}

func TestTimeProof_HashDeterministic(t *testing.T) {
	v, _ := signedTestVote(t)
	tp := TimeProof{TxCommitment: v.TxCommitment, SlotIndex: v.SlotIndex, Votes: []Vote{v}, AccumulatedWeight: v.VoterWeight}
	h1 := tp.Hash()
	h2 := tp.Hash()
	if h1 != h2 {
		t.Fatal("Hash is not deterministic")
	}
}

func TestThresholdWeight_RoundsUp(t *testing.T) {
	got := thresholdWeight(100, 51, 100)
	if got != 51 {
		t.Errorf("thresholdWeight(100, 51, 100) = %d, want 51", got)
	}
	got = thresholdWeight(3, 51, 100) // 1.53 -> ceil 2
	if got != 2 {
		t.Errorf("thresholdWeight(3, 51, 100) = %d, want 2", got)
	}
	if thresholdWeight(0, 51, 100) != 0 {
		t.Error("thresholdWeight with zero total should be 0")
	}
}
