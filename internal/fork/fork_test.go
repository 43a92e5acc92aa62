package fork

import (
	"testing"
	"time"

	"github.com/timelock-chain/tlcd/pkg/types"
)

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestResolve_TimeWarpRejected(t *testing.T) {
	now := time.Unix(1000, 0)
	ours := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(1), TipTimestamp: 900}
	peer := Tip{Height: 20, ChainWork: 200, TipHash: hashOf(2), TipTimestamp: 2000}

	got := Resolve(ours, peer, now)
	if got.Decision != Reject {
		t.Fatalf("expected Reject for future-timestamped tip, got %s", got.Decision)
	}
}

func TestResolve_HigherHeightAccepted(t *testing.T) {
	now := time.Unix(1000, 0)
	ours := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(1), TipTimestamp: 500}
	peer := Tip{Height: 11, ChainWork: 50, TipHash: hashOf(2), TipTimestamp: 500}

	got := Resolve(ours, peer, now)
	if got.Decision != Accept {
		t.Fatalf("expected Accept for greater height even with lower work, got %s", got.Decision)
	}
}

func TestResolve_LowerHeightRejected(t *testing.T) {
	now := time.Unix(1000, 0)
	ours := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(1), TipTimestamp: 500}
	peer := Tip{Height: 9, ChainWork: 500, TipHash: hashOf(2), TipTimestamp: 500}

	got := Resolve(ours, peer, now)
	if got.Decision != Reject {
		t.Fatalf("expected Reject for lower height even with greater work, got %s", got.Decision)
	}
}

func TestResolve_EqualHeightHigherWorkAccepted(t *testing.T) {
	now := time.Unix(1000, 0)
	ours := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(1), TipTimestamp: 500}
	peer := Tip{Height: 10, ChainWork: 150, TipHash: hashOf(2), TipTimestamp: 500}

	got := Resolve(ours, peer, now)
	if got.Decision != Accept {
		t.Fatalf("expected Accept for equal height, greater work, got %s", got.Decision)
	}
}

func TestResolve_EqualHeightLowerWorkRejected(t *testing.T) {
	now := time.Unix(1000, 0)
	ours := Tip{Height: 10, ChainWork: 150, TipHash: hashOf(1), TipTimestamp: 500}
	peer := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(2), TipTimestamp: 500}

	got := Resolve(ours, peer, now)
	if got.Decision != Reject {
		t.Fatalf("expected Reject for equal height, lower work, got %s", got.Decision)
	}
}

func TestResolve_EqualHeightAndWorkTieBreakOnHash(t *testing.T) {
	now := time.Unix(1000, 0)

	// peer hash lexicographically smaller -> accept
	ours := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(5), TipTimestamp: 500}
	peer := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(2), TipTimestamp: 500}
	got := Resolve(ours, peer, now)
	if got.Decision != Accept {
		t.Fatalf("expected Accept when peer hash is lexicographically smaller, got %s", got.Decision)
	}

	// peer hash lexicographically larger -> reject
	ours2 := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(2), TipTimestamp: 500}
	peer2 := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(5), TipTimestamp: 500}
	got2 := Resolve(ours2, peer2, now)
	if got2.Decision != Reject {
		t.Fatalf("expected Reject when peer hash is lexicographically larger, got %s", got2.Decision)
	}
}

func TestResolve_IdenticalTipsNoFork(t *testing.T) {
	now := time.Unix(1000, 0)
	tip := Tip{Height: 10, ChainWork: 100, TipHash: hashOf(7), TipTimestamp: 500}

	got := Resolve(tip, tip, now)
	if got.Decision != NoFork {
		t.Fatalf("expected NoFork for identical tips, got %s", got.Decision)
	}
}

func TestResolve_Symmetry(t *testing.T) {
	now := time.Unix(1000, 0)
	a := Tip{Height: 5, ChainWork: 100, TipHash: hashOf(1), TipTimestamp: 500}
	b := Tip{Height: 5, ChainWork: 100, TipHash: hashOf(2), TipTimestamp: 500}

	aVsB := Resolve(a, b, now)
	bVsA := Resolve(b, a, now)

	if aVsB.Decision == Accept && bVsA.Decision != Reject {
		t.Fatalf("fork resolution is not symmetric: a-vs-b=%s b-vs-a=%s", aVsB.Decision, bVsA.Decision)
	}
	if aVsB.Decision == Reject && bVsA.Decision != Accept {
		t.Fatalf("fork resolution is not symmetric: a-vs-b=%s b-vs-a=%s", aVsB.Decision, bVsA.Decision)
	}
}
