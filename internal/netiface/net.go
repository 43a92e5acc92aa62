package netiface

import (
	"context"

	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Net is the single capability the consensus core depends on for
// everything network-shaped: the nine message types of the wire protocol,
// broadcast for the gossiped ones, request/response for the unicast ones,
// and handler registration for both directions. internal/netp2p is the
// only production implementation; internal/netp2p also ships a
// LoopbackNet double for tests that need two peers talking without a
// real libp2p swarm.
type Net interface {
	// Broadcast side — gossiped to every subscribed peer.
	BroadcastVoteRequest(t *tx.Transaction) error
	BroadcastVote(v timevote.Vote) error
	BroadcastTimeProof(tp timevote.TimeProof) error
	BroadcastTxFinalized(f TxFinalized) error
	BroadcastBlock(b *block.Block) error
	AdvertiseTip(advert PeerTipAdvert) error

	// Unicast side — request/response against a specific peer, used by
	// the sync engine.
	GetHeaders(ctx context.Context, peer PeerID, locator BlockLocator) (Headers, error)
	GetBlock(ctx context.Context, peer PeerID, hash types.Hash) (*block.Block, error)

	// Inbound handler registration. Each Set* call replaces any
	// previously registered handler; nil disables delivery.
	SetVoteRequestHandler(VoteRequestHandler)
	SetVoteHandler(VoteHandler)
	SetTimeProofHandler(TimeProofHandler)
	SetTxFinalizedHandler(TxFinalizedHandler)
	SetBlockHandler(BlockHandler)
	SetGetHeadersHandler(GetHeadersHandler)
	SetGetBlockHandler(GetBlockHandler)
	SetPeerTipAdvertHandler(PeerTipAdvertHandler)

	// Peers returns the currently connected peer set, used by the sync
	// engine to fan a body pull out across up to PARALLEL_SYNC peers.
	Peers() []PeerID
}
