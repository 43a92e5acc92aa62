package utxo

import (
	"errors"
	"testing"

	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/pkg/types"
)

func TestCanTransition_ForwardPath(t *testing.T) {
	cases := []struct {
		from, to types.OutputState
		want     bool
	}{
		{types.Unspent, types.SpentPending, true},
		{types.SpentPending, types.Finalized, true},
		{types.Finalized, types.Archived, true},
		{types.SpentPending, types.Unspent, true},
		{types.Finalized, types.Unspent, true},
		{types.Unspent, types.Locked, true},
		{types.Locked, types.Unspent, true},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransition_IllegalEdges(t *testing.T) {
	cases := []struct {
		from, to types.OutputState
	}{
		{types.Archived, types.Unspent},
		{types.Archived, types.SpentPending},
		{types.Unspent, types.Finalized},
		{types.Unspent, types.Archived},
		{types.Locked, types.SpentPending},
		{types.SpentPending, types.Locked},
		{types.SpentPending, types.Archived},
	}
	for _, c := range cases {
		if canTransition(c.from, c.to) {
			t.Errorf("canTransition(%s, %s) should be false", c.from, c.to)
		}
	}
}

func TestCheckTransition_WrongState(t *testing.T) {
	c := &Coin{State: types.Locked}
	err := checkTransition(c, types.Unspent, types.SpentPending)

	var wrongState *ErrWrongState
	if !errors.As(err, &wrongState) {
		t.Fatalf("expected *ErrWrongState, got %v", err)
	}
	if wrongState.Expected != types.Unspent || wrongState.Found != types.Locked {
		t.Errorf("ErrWrongState = %+v", wrongState)
	}
	kind, ok := coreerr.KindOf(err)
	if !ok || kind != coreerr.ValidationError {
		t.Errorf("kind = (%v, %v), want (ValidationError, true)", kind, ok)
	}
}

func TestCheckTransition_IllegalEdge(t *testing.T) {
	c := &Coin{State: types.Archived}
	err := checkTransition(c, types.Archived, types.Unspent)
	if err == nil {
		t.Fatal("expected error for illegal edge")
	}
	kind, ok := coreerr.KindOf(err)
	if !ok || kind != coreerr.ConsensusError {
		t.Errorf("kind = (%v, %v), want (ConsensusError, true)", kind, ok)
	}
}

func TestCheckTransition_Valid(t *testing.T) {
	c := &Coin{State: types.Unspent}
	if err := checkTransition(c, types.Unspent, types.SpentPending); err != nil {
		t.Errorf("valid transition should not error: %v", err)
	}
}
