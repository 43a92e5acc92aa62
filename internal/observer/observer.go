// Package observer decouples consensus/finality event reporting from
// the logic producing them with a single injectable interface: core
// code emits events, an Observer decides what (if anything) to do with
// them. The default is a no-op, so correctness tests never depend on
// heuristic state.
package observer

import "github.com/timelock-chain/tlcd/pkg/types"

// PeerBehavior describes one observation about a peer's conduct,
// reported by internal/node when a vote or block received from that
// peer is rejected.
type PeerBehavior struct {
	Peer   string
	Kind   PeerBehaviorKind
	Detail string
}

// PeerBehaviorKind enumerates the peer-conduct events core code can emit.
type PeerBehaviorKind uint8

const (
	PeerBehaviorUnknown PeerBehaviorKind = iota
	PeerInvalidHeader
	PeerInvalidBody
	PeerSlowResponse
	PeerProtocolViolation
)

// ForkEvent describes a fork-choice decision made by internal/fork,
// reported regardless of whether it was accepted or rejected.
type ForkEvent struct {
	OurHeight   uint64
	PeerHeight  uint64
	OurTip      types.Hash
	PeerTip     types.Hash
	Accepted    bool
	Reason      string
}

// FinalityEvent describes a transaction crossing the finality threshold
// in internal/timevote, or failing to within its voting window.
type FinalityEvent struct {
	TxID     types.Hash
	Finalized bool
	Weight   uint64
}

// Observer receives consensus/finality/peer-behavior events. All
// methods must return quickly and must never block the caller on I/O;
// implementations that need to do slow work should hand events off to
// their own goroutine or channel.
type Observer interface {
	ObservePeerBehavior(PeerBehavior)
	ObserveFork(ForkEvent)
	ObserveFinality(FinalityEvent)
}

// NoOp is the default Observer: it discards every event. Core
// components are constructed with NoOp unless a caller supplies
// something else, so nothing in the consensus path depends on an
// observer being wired up.
type NoOp struct{}

func (NoOp) ObservePeerBehavior(PeerBehavior)   {}
func (NoOp) ObserveFork(ForkEvent)              {}
func (NoOp) ObserveFinality(FinalityEvent)      {}

var _ Observer = NoOp{}
