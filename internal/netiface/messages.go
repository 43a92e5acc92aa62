// Package netiface defines the abstract network contract the consensus
// core depends on. Core packages (timevote, timelock, chain, syncengine)
// import only this package, never a concrete transport, so they can be
// tested against an in-process double instead of a real libp2p swarm.
package netiface

import (
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// PeerID identifies a remote peer without committing core code to a
// specific transport's identity type (libp2p's peer.ID, for instance).
type PeerID string

// TxFinalized announces a transaction's TimeProof without resending the
// transaction body, for peers that already hold it from its original
// TimeVoteRequest broadcast.
type TxFinalized struct {
	TxID  types.Hash       `json:"txid"`
	Proof timevote.TimeProof `json:"proof"`
}

// PeerTipAdvert is the unicast announcement a peer sends after connecting
// or on tip change, feeding the Fork Resolver and Sync Engine's trigger
// condition.
type PeerTipAdvert struct {
	Height        uint64     `json:"height"`
	TipHash       types.Hash `json:"tip_hash"`
	ChainWork     uint64     `json:"chain_work"`
	TipTimestamp  uint64     `json:"tip_timestamp"`
}

// BlockLocator is a sparse, geometrically-spaced set of block hashes (most
// recent first) a peer uses to find the common ancestor with our chain.
type BlockLocator struct {
	Hashes   []types.Hash `json:"hashes"`
	StopHash types.Hash   `json:"stop_hash"`
}

// Headers is the response to GetHeaders: a contiguous run of headers
// starting just after the locator's divergence point, capped at 500.
type Headers struct {
	Headers []*block.Header `json:"headers"`
}

// VoteRequestHandler, VoteHandler, etc. are the shapes core code registers
// to receive inbound messages; Net implementations invoke them on receipt.
type (
	VoteRequestHandler    func(from PeerID, t *tx.Transaction)
	VoteHandler           func(from PeerID, v timevote.Vote)
	TimeProofHandler      func(from PeerID, tp timevote.TimeProof)
	TxFinalizedHandler    func(from PeerID, f TxFinalized)
	BlockHandler          func(from PeerID, b *block.Block)
	GetHeadersHandler     func(from PeerID, locator BlockLocator) (Headers, error)
	GetBlockHandler       func(from PeerID, hash types.Hash) (*block.Block, error)
	PeerTipAdvertHandler  func(from PeerID, advert PeerTipAdvert)
)
