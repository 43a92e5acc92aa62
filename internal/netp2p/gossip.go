package netp2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/timelock-chain/tlcd/internal/netiface"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func (n *Node) publish(topic string, v interface{}) error {
	t, ok := n.topics[topic]
	if !ok {
		return fmt.Errorf("topic %s not joined", topic)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return t.Publish(n.ctx, data)
}

func (n *Node) BroadcastVoteRequest(t *tx.Transaction) error { return n.publish(TopicVoteRequest, t) }
func (n *Node) BroadcastVote(v timevote.Vote) error          { return n.publish(TopicVote, v) }
func (n *Node) BroadcastTimeProof(tp timevote.TimeProof) error {
	return n.publish(TopicTimeProof, tp)
}
func (n *Node) BroadcastTxFinalized(f netiface.TxFinalized) error {
	return n.publish(TopicTxFinalized, f)
}
func (n *Node) BroadcastBlock(b *block.Block) error { return n.publish(TopicBlock, b) }

// AdvertiseTip pushes a tip announcement over a direct stream to every
// currently connected peer, matching the wire protocol's unicast
// direction for PeerTipAdvert rather than gossiping it.
func (n *Node) AdvertiseTip(advert netiface.PeerTipAdvert) error {
	n.mu.RLock()
	ids := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := n.sendTipAdvert(id, advert); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (n *Node) sendTipAdvert(id peer.ID, advert netiface.PeerTipAdvert) error {
	ctx, cancel := context.WithTimeout(n.ctx, streamReadTimeout)
	defer cancel()
	stream, err := n.host.NewStream(ctx, id, TipAdvertProtocol)
	if err != nil {
		return fmt.Errorf("open tip-advert stream: %w", err)
	}
	defer stream.Close()
	return json.NewEncoder(stream).Encode(&advert)
}

// SetVoteRequestHandler, etc. satisfy netiface.Net's handler registration.
func (n *Node) SetVoteRequestHandler(h netiface.VoteRequestHandler) { n.voteReqHandler = h }
func (n *Node) SetVoteHandler(h netiface.VoteHandler)               { n.voteHandler = h }
func (n *Node) SetTimeProofHandler(h netiface.TimeProofHandler)     { n.proofHandler = h }
func (n *Node) SetTxFinalizedHandler(h netiface.TxFinalizedHandler) { n.finalizedHandler = h }
func (n *Node) SetBlockHandler(h netiface.BlockHandler)             { n.blockHandler = h }
func (n *Node) SetGetHeadersHandler(h netiface.GetHeadersHandler)   { n.getHeadersFn = h }
func (n *Node) SetGetBlockHandler(h netiface.GetBlockHandler)       { n.getBlockFn = h }
func (n *Node) SetPeerTipAdvertHandler(h netiface.PeerTipAdvertHandler) {
	n.tipAdvertHandler = h
}

// registerStreamHandlers wires GetHeaders/GetBlock/TipAdvert onto the host,
// called once from Start after the host exists.
func (n *Node) registerStreamHandlers() {
	n.host.SetStreamHandler(GetHeadersProtocol, n.handleGetHeaders)
	n.host.SetStreamHandler(GetBlockProtocol, n.handleGetBlock)
	n.host.SetStreamHandler(TipAdvertProtocol, n.handleTipAdvert)
}

func (n *Node) handleGetHeaders(stream network.Stream) {
	defer stream.Close()
	if n.getHeadersFn == nil {
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(streamReadTimeout))
	var locator netiface.BlockLocator
	if err := json.NewDecoder(io.LimitReader(stream, maxStreamBytes)).Decode(&locator); err != nil {
		return
	}
	remote := netiface.PeerID(stream.Conn().RemotePeer().String())
	headers, err := n.getHeadersFn(remote, locator)
	if err != nil {
		return
	}
	json.NewEncoder(stream).Encode(&headers)
}

func (n *Node) handleGetBlock(stream network.Stream) {
	defer stream.Close()
	if n.getBlockFn == nil {
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(streamReadTimeout))
	var hash types.Hash
	if err := json.NewDecoder(io.LimitReader(stream, maxStreamBytes)).Decode(&hash); err != nil {
		return
	}
	remote := netiface.PeerID(stream.Conn().RemotePeer().String())
	blk, err := n.getBlockFn(remote, hash)
	if err != nil || blk == nil {
		return
	}
	json.NewEncoder(stream).Encode(blk)
}

func (n *Node) handleTipAdvert(stream network.Stream) {
	defer stream.Close()
	if n.tipAdvertHandler == nil {
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(streamReadTimeout))
	var advert netiface.PeerTipAdvert
	if err := json.NewDecoder(io.LimitReader(stream, maxStreamBytes)).Decode(&advert); err != nil {
		return
	}
	remote := netiface.PeerID(stream.Conn().RemotePeer().String())
	n.tipAdvertHandler(remote, advert)
}

// GetHeaders asks a specific peer for the header run following our
// locator's divergence point.
func (n *Node) GetHeaders(ctx context.Context, p netiface.PeerID, locator netiface.BlockLocator) (netiface.Headers, error) {
	id, err := peer.Decode(string(p))
	if err != nil {
		return netiface.Headers{}, fmt.Errorf("bad peer id: %w", err)
	}
	stream, err := n.host.NewStream(ctx, id, GetHeadersProtocol)
	if err != nil {
		return netiface.Headers{}, fmt.Errorf("open getheaders stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(&locator); err != nil {
		return netiface.Headers{}, fmt.Errorf("send locator: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	var headers netiface.Headers
	if err := json.NewDecoder(io.LimitReader(stream, maxStreamBytes)).Decode(&headers); err != nil {
		return netiface.Headers{}, fmt.Errorf("read headers: %w", err)
	}
	return headers, nil
}

// GetBlock asks a specific peer for a single block body by hash.
func (n *Node) GetBlock(ctx context.Context, p netiface.PeerID, hash types.Hash) (*block.Block, error) {
	id, err := peer.Decode(string(p))
	if err != nil {
		return nil, fmt.Errorf("bad peer id: %w", err)
	}
	stream, err := n.host.NewStream(ctx, id, GetBlockProtocol)
	if err != nil {
		return nil, fmt.Errorf("open getblock stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(&hash); err != nil {
		return nil, fmt.Errorf("send hash: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	var blk block.Block
	if err := json.NewDecoder(io.LimitReader(stream, maxStreamBytes)).Decode(&blk); err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	return &blk, nil
}

var _ netiface.Net = (*Node)(nil)
