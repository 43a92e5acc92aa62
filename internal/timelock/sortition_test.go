package timelock

import (
	"bytes"
	"testing"

	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

func TestSlotSeed_DeterministicAndSlotSensitive(t *testing.T) {
	prev := types.Hash{1, 2, 3}
	a := SlotSeed(prev, 5)
	b := SlotSeed(prev, 5)
	if a != b {
		t.Fatal("SlotSeed must be deterministic for the same inputs")
	}
	c := SlotSeed(prev, 6)
	if a == c {
		t.Fatal("SlotSeed must differ across slots")
	}
}

func TestRank_OrdersByOutputThenID(t *testing.T) {
	candidates := []Candidate{
		{ID: []byte("b"), Output: []byte{0x02}},
		{ID: []byte("a"), Output: []byte{0x01}},
		{ID: []byte("c"), Output: []byte{0x01}},
	}
	ranked := Rank(candidates)
	if string(ranked[0].ID) != "a" {
		t.Fatalf("expected a first, got %s", ranked[0].ID)
	}
	if string(ranked[1].ID) != "c" {
		t.Fatalf("expected c second (tie broken by id), got %s", ranked[1].ID)
	}
	if string(ranked[2].ID) != "b" {
		t.Fatalf("expected b last, got %s", ranked[2].ID)
	}
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	candidates := []Candidate{
		{ID: []byte("b"), Output: []byte{0x02}},
		{ID: []byte("a"), Output: []byte{0x01}},
	}
	_ = Rank(candidates)
	if string(candidates[0].ID) != "b" {
		t.Fatal("Rank must not reorder its input slice")
	}
}

func TestProveAndVerifyCandidate(t *testing.T) {
	vrfKey, err := crypto.GenerateVRFKey()
	if err != nil {
		t.Fatalf("generate vrf key: %v", err)
	}
	seed := SlotSeed(types.Hash{9}, 42)

	candidate, err := ProveCandidate([]byte("node-1"), vrfKey, seed)
	if err != nil {
		t.Fatalf("ProveCandidate: %v", err)
	}
	if len(candidate.Output) == 0 || len(candidate.Proof) == 0 {
		t.Fatal("expected non-empty output and proof")
	}

	beta, err := VerifyCandidate(vrfKey.PublicKey(), seed, candidate.Proof)
	if err != nil {
		t.Fatalf("VerifyCandidate: %v", err)
	}
	if !bytes.Equal(beta, candidate.Output) {
		t.Fatal("verified output must match the proved output")
	}
}

func TestVerifyCandidate_RejectsWrongSeed(t *testing.T) {
	vrfKey, err := crypto.GenerateVRFKey()
	if err != nil {
		t.Fatalf("generate vrf key: %v", err)
	}
	seed := SlotSeed(types.Hash{9}, 42)
	candidate, err := ProveCandidate([]byte("node-1"), vrfKey, seed)
	if err != nil {
		t.Fatalf("ProveCandidate: %v", err)
	}

	wrongSeed := SlotSeed(types.Hash{9}, 43)
	if _, err := VerifyCandidate(vrfKey.PublicKey(), wrongSeed, candidate.Proof); err == nil {
		t.Fatal("expected verification to fail against the wrong slot seed")
	}
}

func TestVerifyCandidate_RejectsWrongKey(t *testing.T) {
	vrfKey, err := crypto.GenerateVRFKey()
	if err != nil {
		t.Fatalf("generate vrf key: %v", err)
	}
	other, err := crypto.GenerateVRFKey()
	if err != nil {
		t.Fatalf("generate vrf key: %v", err)
	}
	seed := SlotSeed(types.Hash{9}, 42)
	candidate, err := ProveCandidate([]byte("node-1"), vrfKey, seed)
	if err != nil {
		t.Fatalf("ProveCandidate: %v", err)
	}

	if _, err := VerifyCandidate(other.PublicKey(), seed, candidate.Proof); err == nil {
		t.Fatal("expected verification to fail against the wrong public key")
	}
}
