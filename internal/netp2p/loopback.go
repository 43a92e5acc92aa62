package netp2p

import (
	"context"
	"fmt"

	"github.com/timelock-chain/tlcd/internal/netiface"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// LoopbackNet is an in-process netiface.Net double: broadcasts delivered
// to every other peer registered on the same hub, requests served
// directly by the target peer's handler functions. No serialization, no
// goroutines — deterministic enough for table-driven tests exercising
// the Sync Engine or node wiring without a real libp2p swarm.
type LoopbackNet struct {
	id  netiface.PeerID
	hub *loopbackHub

	voteReqHandler   netiface.VoteRequestHandler
	voteHandler      netiface.VoteHandler
	proofHandler     netiface.TimeProofHandler
	finalizedHandler netiface.TxFinalizedHandler
	blockHandler     netiface.BlockHandler
	getHeadersFn     netiface.GetHeadersHandler
	getBlockFn       netiface.GetBlockHandler
	tipAdvertHandler netiface.PeerTipAdvertHandler
}

type loopbackHub struct {
	peers map[netiface.PeerID]*LoopbackNet
}

// NewLoopbackHub creates an empty set of loopback peers that can reach
// each other by ID.
func NewLoopbackHub() *loopbackHub {
	return &loopbackHub{peers: make(map[netiface.PeerID]*LoopbackNet)}
}

// Join registers a new peer on the hub and returns its Net handle.
func (h *loopbackHub) Join(id netiface.PeerID) *LoopbackNet {
	n := &LoopbackNet{id: id, hub: h}
	h.peers[id] = n
	return n
}

func (n *LoopbackNet) others() []*LoopbackNet {
	out := make([]*LoopbackNet, 0, len(n.hub.peers)-1)
	for id, p := range n.hub.peers {
		if id != n.id {
			out = append(out, p)
		}
	}
	return out
}

func (n *LoopbackNet) BroadcastVoteRequest(t *tx.Transaction) error {
	for _, p := range n.others() {
		if p.voteReqHandler != nil {
			p.voteReqHandler(n.id, t)
		}
	}
	return nil
}

func (n *LoopbackNet) BroadcastVote(v timevote.Vote) error {
	for _, p := range n.others() {
		if p.voteHandler != nil {
			p.voteHandler(n.id, v)
		}
	}
	return nil
}

func (n *LoopbackNet) BroadcastTimeProof(tp timevote.TimeProof) error {
	for _, p := range n.others() {
		if p.proofHandler != nil {
			p.proofHandler(n.id, tp)
		}
	}
	return nil
}

func (n *LoopbackNet) BroadcastTxFinalized(f netiface.TxFinalized) error {
	for _, p := range n.others() {
		if p.finalizedHandler != nil {
			p.finalizedHandler(n.id, f)
		}
	}
	return nil
}

func (n *LoopbackNet) BroadcastBlock(b *block.Block) error {
	for _, p := range n.others() {
		if p.blockHandler != nil {
			p.blockHandler(n.id, b)
		}
	}
	return nil
}

func (n *LoopbackNet) AdvertiseTip(advert netiface.PeerTipAdvert) error {
	for _, p := range n.others() {
		if p.tipAdvertHandler != nil {
			p.tipAdvertHandler(n.id, advert)
		}
	}
	return nil
}

func (n *LoopbackNet) GetHeaders(_ context.Context, peer netiface.PeerID, locator netiface.BlockLocator) (netiface.Headers, error) {
	target, ok := n.hub.peers[peer]
	if !ok || target.getHeadersFn == nil {
		return netiface.Headers{}, fmt.Errorf("loopback: peer %s has no GetHeaders handler", peer)
	}
	return target.getHeadersFn(n.id, locator)
}

func (n *LoopbackNet) GetBlock(_ context.Context, peer netiface.PeerID, hash types.Hash) (*block.Block, error) {
	target, ok := n.hub.peers[peer]
	if !ok || target.getBlockFn == nil {
		return nil, fmt.Errorf("loopback: peer %s has no GetBlock handler", peer)
	}
	return target.getBlockFn(n.id, hash)
}

func (n *LoopbackNet) SetVoteRequestHandler(h netiface.VoteRequestHandler) { n.voteReqHandler = h }
func (n *LoopbackNet) SetVoteHandler(h netiface.VoteHandler)               { n.voteHandler = h }
func (n *LoopbackNet) SetTimeProofHandler(h netiface.TimeProofHandler)     { n.proofHandler = h }
func (n *LoopbackNet) SetTxFinalizedHandler(h netiface.TxFinalizedHandler) { n.finalizedHandler = h }
func (n *LoopbackNet) SetBlockHandler(h netiface.BlockHandler)             { n.blockHandler = h }
func (n *LoopbackNet) SetGetHeadersHandler(h netiface.GetHeadersHandler)   { n.getHeadersFn = h }
func (n *LoopbackNet) SetGetBlockHandler(h netiface.GetBlockHandler)       { n.getBlockFn = h }
func (n *LoopbackNet) SetPeerTipAdvertHandler(h netiface.PeerTipAdvertHandler) {
	n.tipAdvertHandler = h
}

func (n *LoopbackNet) Peers() []netiface.PeerID {
	out := make([]netiface.PeerID, 0, len(n.hub.peers)-1)
	for _, p := range n.others() {
		out = append(out, p.id)
	}
	return out
}

var _ netiface.Net = (*LoopbackNet)(nil)
