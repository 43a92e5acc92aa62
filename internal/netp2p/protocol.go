package netp2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names, one per broadcast message type in the wire
// protocol table: TimeVoteRequest, TimeVote, TimeProof,
// TransactionFinalized, Block.
const (
	TopicVoteRequest  = "/tlc/timevote-request/1.0.0"
	TopicVote         = "/tlc/timevote/1.0.0"
	TopicTimeProof    = "/tlc/timeproof/1.0.0"
	TopicTxFinalized  = "/tlc/tx-finalized/1.0.0"
	TopicBlock        = "/tlc/block/1.0.0"
	TopicHeartbeat    = "/tlc/heartbeat/1.0.0"
)

// Unicast stream protocol IDs for the remaining message types:
// GetHeaders/Headers, GetBlock, and the PeerTipAdvert push.
const (
	HandshakeProtocol  = protocol.ID("/tlc/handshake/1.0.0")
	GetHeadersProtocol = protocol.ID("/tlc/getheaders/1.0.0")
	GetBlockProtocol   = protocol.ID("/tlc/getblock/1.0.0")
	TipAdvertProtocol  = protocol.ID("/tlc/tipadvert/1.0.0")

	// ProtocolVersion is the protocol version advertised during handshake.
	ProtocolVersion uint32 = 1
	// MinProtocolVersion is the minimum version accepted from a peer.
	MinProtocolVersion uint32 = 1
)
