package syncengine

import (
	"context"
	"fmt"
	"testing"

	"github.com/timelock-chain/tlcd/internal/netiface"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// fakeNet is a minimal netiface.Net backed by an in-memory peer's
// headers/blocks, enough to drive the engine without a real transport.
type fakeNet struct {
	headersByPeer map[netiface.PeerID][]*block.Header
	blocksByHash  map[types.Hash]*block.Block
	peers         []netiface.PeerID
}

func (f *fakeNet) BroadcastVoteRequest(*tx.Transaction) error         { return nil }
func (f *fakeNet) BroadcastVote(timevote.Vote) error                  { return nil }
func (f *fakeNet) BroadcastTimeProof(timevote.TimeProof) error        { return nil }
func (f *fakeNet) BroadcastTxFinalized(netiface.TxFinalized) error    { return nil }
func (f *fakeNet) BroadcastBlock(*block.Block) error                  { return nil }
func (f *fakeNet) AdvertiseTip(netiface.PeerTipAdvert) error          { return nil }
func (f *fakeNet) SetVoteRequestHandler(netiface.VoteRequestHandler)  {}
func (f *fakeNet) SetVoteHandler(netiface.VoteHandler)                {}
func (f *fakeNet) SetTimeProofHandler(netiface.TimeProofHandler)      {}
func (f *fakeNet) SetTxFinalizedHandler(netiface.TxFinalizedHandler)  {}
func (f *fakeNet) SetBlockHandler(netiface.BlockHandler)              {}
func (f *fakeNet) SetGetHeadersHandler(netiface.GetHeadersHandler)    {}
func (f *fakeNet) SetGetBlockHandler(netiface.GetBlockHandler)        {}
func (f *fakeNet) SetPeerTipAdvertHandler(netiface.PeerTipAdvertHandler) {}

func (f *fakeNet) Peers() []netiface.PeerID { return f.peers }

func (f *fakeNet) GetHeaders(_ context.Context, peer netiface.PeerID, locator netiface.BlockLocator) (netiface.Headers, error) {
	all := f.headersByPeer[peer]
	// Find the first header whose hash isn't already in our locator set.
	known := make(map[types.Hash]bool, len(locator.Hashes))
	for _, h := range locator.Hashes {
		known[h] = true
	}
	start := 0
	for i, h := range all {
		if !known[h.Hash()] {
			start = i
			break
		}
		start = i + 1
	}
	end := start + HeaderBatchSize
	if end > len(all) {
		end = len(all)
	}
	if start >= end {
		return netiface.Headers{}, nil
	}
	return netiface.Headers{Headers: all[start:end]}, nil
}

func (f *fakeNet) GetBlock(_ context.Context, _ netiface.PeerID, hash types.Hash) (*block.Block, error) {
	blk, ok := f.blocksByHash[hash]
	if !ok {
		return nil, fmt.Errorf("no such block")
	}
	return blk, nil
}

// fakeChain is a minimal ChainView storing committed blocks in order.
type fakeChain struct {
	blocks []*block.Block
}

func (c *fakeChain) Height() uint64 {
	if len(c.blocks) == 0 {
		return 0
	}
	return uint64(len(c.blocks) - 1)
}

func (c *fakeChain) TipHash() types.Hash {
	if len(c.blocks) == 0 {
		return types.Hash{}
	}
	return c.blocks[len(c.blocks)-1].Header.Hash()
}

func (c *fakeChain) GetBlockByHeight(height uint64) (*block.Block, error) {
	if int(height) >= len(c.blocks) {
		return nil, fmt.Errorf("not found")
	}
	return c.blocks[height], nil
}

func (c *fakeChain) ProcessBlock(blk *block.Block) error {
	if blk.Header.PrevHash != c.TipHash() {
		return fmt.Errorf("prev hash mismatch")
	}
	c.blocks = append(c.blocks, blk)
	return nil
}

func buildChain(n int) []*block.Block {
	blocks := make([]*block.Block, 0, n)
	var prev types.Hash
	for i := 0; i < n; i++ {
		h := &block.Header{PrevHash: prev, Height: uint64(i)}
		blk := block.NewBlock(h, nil)
		blocks = append(blocks, blk)
		prev = h.Hash()
	}
	return blocks
}

func TestEngine_SyncAgainst_CatchesUpFromGenesis(t *testing.T) {
	full := buildChain(10)

	peerHeaders := make([]*block.Header, len(full))
	blocksByHash := make(map[types.Hash]*block.Block, len(full))
	for i, blk := range full {
		peerHeaders[i] = blk.Header
		blocksByHash[blk.Header.Hash()] = blk
	}

	net := &fakeNet{
		headersByPeer: map[netiface.PeerID][]*block.Header{"peer1": peerHeaders},
		blocksByHash:  blocksByHash,
		peers:         []netiface.PeerID{"peer1"},
	}
	chain := &fakeChain{blocks: []*block.Block{full[0]}}

	engine := New(net, chain)
	if err := engine.SyncAgainst(context.Background(), "peer1"); err != nil {
		t.Fatalf("SyncAgainst failed: %v", err)
	}

	if chain.Height() != uint64(len(full)-1) {
		t.Fatalf("expected height %d, got %d", len(full)-1, chain.Height())
	}
	if chain.TipHash() != full[len(full)-1].Header.Hash() {
		t.Fatalf("tip hash mismatch after sync")
	}
}

func TestEngine_SyncAgainst_NoOpWhenAlreadyCaughtUp(t *testing.T) {
	full := buildChain(3)
	peerHeaders := make([]*block.Header, len(full))
	blocksByHash := make(map[types.Hash]*block.Block, len(full))
	for i, blk := range full {
		peerHeaders[i] = blk.Header
		blocksByHash[blk.Header.Hash()] = blk
	}

	net := &fakeNet{
		headersByPeer: map[netiface.PeerID][]*block.Header{"peer1": peerHeaders},
		blocksByHash:  blocksByHash,
		peers:         []netiface.PeerID{"peer1"},
	}
	chain := &fakeChain{blocks: full}

	engine := New(net, chain)
	if err := engine.SyncAgainst(context.Background(), "peer1"); err != nil {
		t.Fatalf("SyncAgainst failed: %v", err)
	}
	if chain.Height() != uint64(len(full)-1) {
		t.Fatalf("chain height changed unexpectedly: %d", chain.Height())
	}
}

func TestEngine_SyncAgainst_RejectsBrokenHeaderChain(t *testing.T) {
	full := buildChain(3)
	peerHeaders := []*block.Header{full[0].Header, full[2].Header} // gap, breaks linkage
	blocksByHash := map[types.Hash]*block.Block{
		full[0].Header.Hash(): full[0],
		full[2].Header.Hash(): full[2],
	}

	net := &fakeNet{
		headersByPeer: map[netiface.PeerID][]*block.Header{"peer1": peerHeaders},
		blocksByHash:  blocksByHash,
		peers:         []netiface.PeerID{"peer1"},
	}
	chain := &fakeChain{blocks: []*block.Block{full[0]}}

	engine := New(net, chain)
	if err := engine.SyncAgainst(context.Background(), "peer1"); err == nil {
		t.Fatalf("expected error for a peer sending a non-linking header batch")
	}
}
