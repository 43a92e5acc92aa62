// Package fork implements the Fork Resolver: a small, pure decision
// function comparing our tip against a peer-advertised one. It holds no
// state and touches no storage — internal/chain's Reorg is the component
// that actually walks branches and rewrites the coin set; this package
// only answers "should we even try."
package fork

import (
	"time"

	"github.com/timelock-chain/tlcd/pkg/types"
)

// Decision is the Fork Resolver's verdict.
type Decision uint8

const (
	// NoFork means both tips are identical; nothing to do.
	NoFork Decision = iota
	// Reject means our tip should be kept.
	Reject
	// Accept means the peer's tip should be adopted (triggering a sync
	// and, eventually, internal/chain.Reorg).
	Accept
)

func (d Decision) String() string {
	switch d {
	case NoFork:
		return "no_fork"
	case Reject:
		return "reject"
	case Accept:
		return "accept"
	default:
		return "unknown"
	}
}

// Tip is the four-field summary the resolver compares, exactly the
// shape a PeerTipAdvert carries.
type Tip struct {
	Height       uint64
	ChainWork    uint64
	TipHash      types.Hash
	TipTimestamp uint64
}

// Result carries the decision plus an advisory confidence score. The
// score is informational only — logging and operator tooling may use
// it, but no caller may branch on it instead of Decision.
type Result struct {
	Decision   Decision
	Confidence float64
	Reason     string
}

// Resolve applies the six-step total order from a peer-advertised tip
// against our own, with now supplied by the caller so tests don't depend
// on wall-clock time.
func Resolve(ours, peer Tip, now time.Time) Result {
	// 1. Time-warp guard: an advertised tip timestamped in the future is
	// rejected unconditionally, regardless of height or work.
	if int64(peer.TipTimestamp) > now.Unix() {
		return Result{Decision: Reject, Confidence: 1.0, Reason: "peer tip timestamp is in the future"}
	}

	// 2 / 3. Height is the primary criterion.
	if peer.Height > ours.Height {
		return Result{Decision: Accept, Confidence: 1.0, Reason: "peer height greater"}
	}
	if peer.Height < ours.Height {
		return Result{Decision: Reject, Confidence: 1.0, Reason: "peer height lower"}
	}

	// 4. Equal heights: compare accumulated chain-work.
	if peer.ChainWork > ours.ChainWork {
		return Result{Decision: Accept, Confidence: 0.9, Reason: "peer chain-work greater at equal height"}
	}
	if peer.ChainWork < ours.ChainWork {
		return Result{Decision: Reject, Confidence: 0.9, Reason: "peer chain-work lower at equal height"}
	}

	// 5. Equal height and work: deterministic tie-break on tip hash.
	if peer.TipHash != ours.TipHash {
		if lexLess(peer.TipHash, ours.TipHash) {
			return Result{Decision: Accept, Confidence: 0.5, Reason: "peer tip hash lexicographically smaller"}
		}
		return Result{Decision: Reject, Confidence: 0.5, Reason: "our tip hash lexicographically smaller or equal"}
	}

	// 6. Identical tips.
	return Result{Decision: NoFork, Confidence: 1.0, Reason: "tips identical"}
}

func lexLess(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
