// Package chain implements the block processor: it accepts candidate
// blocks, validates them against TimeVote/TimeLock consensus rules and the
// five-state coin ledger, connects them to the active chain, and resolves
// competing branches by accumulated chain-work.
package chain

import (
	"fmt"
	"sync"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/clockutil"
	"github.com/timelock-chain/tlcd/internal/masternode"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/internal/timelock"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// registryAdapter bridges masternode.Registry's ActiveEntry view to the
// narrower shape internal/timelock needs for VRF sortition lookups. The
// two packages define structurally identical but distinct named types so
// neither has to import the other.
type registryAdapter struct {
	r *masternode.Registry
}

func (a registryAdapter) ActiveSet(slot uint64) []timelock.ActiveMasternode {
	entries := a.r.ActiveSet(slot)
	out := make([]timelock.ActiveMasternode, len(entries))
	for i, e := range entries {
		out[i] = timelock.ActiveMasternode{
			ID:           e.ID,
			Weight:       e.Weight,
			VRFPublicKey: e.VRFPublicKey,
		}
	}
	return out
}

// RevertedTxHandler is called after a reorg with transactions from
// reverted blocks that are not present in the new branch, so the mempool
// can re-evaluate them for re-submission.
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain is the block processor: it owns the canonical sequence of
// connected blocks and drives the coin ledger and masternode registry
// through them.
type Chain struct {
	mu sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).

	ID     types.ChainID
	state  *State
	blocks *BlockStore

	ledger   *utxo.Ledger
	registry *masternode.Registry
	verifier *timelock.Verifier

	rules       config.ConsensusRules
	genesisHash types.Hash

	revertedTxHandler RevertedTxHandler
}

// New creates a chain over the given database, coin ledger, and masternode
// registry. slots drives the TimeLock verifier's slot/boundary arithmetic.
func New(id types.ChainID, db storage.DB, ledger *utxo.Ledger, registry *masternode.Registry, slots *clockutil.SlotClock) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("coin ledger is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("masternode registry is nil")
	}

	blocks := NewBlockStore(db)

	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	chainWork := blocks.GetChainWork()

	var genesisHash types.Hash
	if genBlk, err := blocks.GetBlockByHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}

	c := &Chain{
		ID:          id,
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, ChainWork: chainWork},
		blocks:      blocks,
		ledger:      ledger,
		registry:    registry,
		verifier:    timelock.NewVerifier(registryAdapter{r: registry}, slots),
		genesisHash: genesisHash,
	}

	// If the node crashed mid-reorg, the coin set may be left in an
	// inconsistent partial state. Rebuild it from the stored block history.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := c.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return c, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses TimeVote/TimeLock validation entirely: its single
	// coinbase output set is seeded directly as Unspent coins.
	coinbase := blk.Transactions[0]
	if err := c.ledger.ArchiveSpend(coinbase.Hash(), nil, coinbase.Outputs, 0); err != nil {
		return fmt.Errorf("seed genesis allocations: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.ChainWork = 0
	c.state.TipTimestamp = blk.Header.Timestamp
	c.genesisHash = hash

	c.rules = gen.Protocol.Consensus

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	if err := c.blocks.SetChainWork(0); err != nil {
		return fmt.Errorf("set genesis chain work: %w", err)
	}

	return nil
}

// SetConsensusRules configures the consensus-critical protocol parameters
// (fallback limits, deep-fork threshold, reward schedule) this chain
// validates new blocks against. Call on startup for both fresh and
// resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.rules = r
}

// SetRevertedTxHandler sets the callback for transactions reverted during
// a reorg. These transactions should be re-evaluated by the mempool.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// TipTimestamp returns the current tip block's timestamp, satisfying
// timelock.ChainTip so a Producer can build directly off this chain.
func (c *Chain) TipTimestamp() uint64 {
	return c.state.TipTimestamp
}

// deepForkThreshold returns the configured deep-fork guard, falling back
// to the protocol default if no consensus rules have been installed yet
// (e.g. a chain queried before InitFromGenesis/SetConsensusRules).
func (c *Chain) deepForkThreshold() uint64 {
	if c.rules.DeepForkThreshold > 0 {
		return c.rules.DeepForkThreshold
	}
	return config.DeepForkThreshold
}

// RebuildUTXOs clears the coin set and replays every block from genesis to
// the current tip, reconstructing ledger state. Used to recover from a
// crash during reorg where the coin set may be left inconsistent.
func (c *Chain) RebuildUTXOs() error {
	if err := c.ledger.Store().ClearAll(); err != nil {
		return fmt.Errorf("clear coin set: %w", err)
	}

	var supply uint64
	var chainWork uint64
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		if h == 0 {
			coinbase := blk.Transactions[0]
			if err := c.ledger.ArchiveSpend(coinbase.Hash(), nil, coinbase.Outputs, 0); err != nil {
				return fmt.Errorf("replay genesis: %w", err)
			}
			for _, out := range coinbase.Outputs {
				supply += out.Value
			}
			continue
		}

		_, reward, err := c.connectBlock(blk)
		if err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
		supply += reward
		chainWork += blk.Header.ChainWork()
	}

	c.state.Supply = supply
	c.state.ChainWork = chainWork

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetChainWork(chainWork); err != nil {
		return fmt.Errorf("set chain work after rebuild: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
