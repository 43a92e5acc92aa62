package chain

import (
	"encoding/json"
	"fmt"

	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// SpentInputRecord captures one input's actual ledger state immediately
// before a block spent it, so disconnect can restore exactly that state
// rather than assuming Unspent. A block connected from this node's own
// FinalizedPool spends Finalized coins directly; a block replayed from a
// peer (or from genesis) spends coins that were still Unspent here.
type SpentInputRecord struct {
	Outpoint   types.Outpoint    `json:"outpoint"`
	PriorState types.OutputState `json:"prior_state"`
}

// UndoRecord stores everything needed to reverse one block's ledger
// effects: each input's prior state (for Ledger.Restore) and the
// transaction hashes whose outputs must be deleted (for Store.Delete) and
// whose tx index entries must be dropped.
type UndoRecord struct {
	SpentInputs []SpentInputRecord `json:"spent_inputs"`
	TxHashes    []types.Hash       `json:"tx_hashes"`
	BlockReward uint64             `json:"block_reward"`
}

// ErrForkDetected indicates a valid block whose parent is known but is not the
// current tip. The caller should decide whether to reorg.
var ErrForkDetected = fmt.Errorf("fork detected")

// ErrReorgTooDeep is returned when a reorg exceeds the configured
// deep-fork threshold.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// connectBlock applies a block's transactions to the coin ledger and
// returns an UndoRecord describing how to reverse it. Unlike a simple
// Unspent-only apply, it accepts inputs in either Unspent state (replay
// from genesis, or a block whose TimeProof finality this node never
// locally voted on) or Finalized state (a block this node produced
// itself, having already driven those coins through BeginSpend/
// FinalizeSpend via its own TimeVote engine) and drives each to Archived
// via Ledger.ArchiveSpend.
func (c *Chain) connectBlock(blk *block.Block) (*UndoRecord, uint64, error) {
	store := c.ledger.Store()
	undo := &UndoRecord{}

	var coinbaseTotal, totalFees uint64
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		undo.TxHashes = append(undo.TxHashes, txHash)
		isCoinbase := txIdx == 0

		var inputOutpoints, pendingOutpoints []types.Outpoint
		var inputTotal uint64
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			coin, err := store.Get(in.PrevOut)
			if err != nil {
				return nil, 0, fmt.Errorf("tx %s input %s: %w", txHash, in.PrevOut, err)
			}
			undo.SpentInputs = append(undo.SpentInputs, SpentInputRecord{
				Outpoint:   in.PrevOut,
				PriorState: coin.State,
			})
			inputOutpoints = append(inputOutpoints, in.PrevOut)
			inputTotal += coin.Value

			switch coin.State {
			case types.Unspent:
				pendingOutpoints = append(pendingOutpoints, in.PrevOut)
			case types.Finalized:
				// Already finalized by this node's own TimeVote engine;
				// ArchiveSpend below moves it straight to Archived.
			default:
				return nil, 0, fmt.Errorf("tx %s input %s: %w", txHash, in.PrevOut, ErrInputNotFinalized)
			}
		}

		if len(pendingOutpoints) > 0 {
			if err := c.ledger.BeginSpend(pendingOutpoints); err != nil {
				return nil, 0, fmt.Errorf("tx %s: begin spend: %w", txHash, err)
			}
			if err := c.ledger.FinalizeSpend(pendingOutpoints); err != nil {
				return nil, 0, fmt.Errorf("tx %s: finalize spend: %w", txHash, err)
			}
		}

		if err := c.ledger.ArchiveSpend(txHash, inputOutpoints, transaction.Outputs, blk.Header.Height); err != nil {
			return nil, 0, fmt.Errorf("tx %s: archive: %w", txHash, err)
		}

		outTotal, err := transaction.TotalOutputValue()
		if err != nil {
			return nil, 0, fmt.Errorf("tx %s output total: %w", txHash, err)
		}
		if isCoinbase {
			coinbaseTotal = outTotal
		} else if inputTotal > outTotal {
			totalFees += inputTotal - outTotal
		}
	}

	var reward uint64
	if coinbaseTotal > totalFees {
		reward = coinbaseTotal - totalFees
	}

	undo.BlockReward = reward
	return undo, reward, nil
}

// disconnectBlock reverses connectBlock: deletes every coin the block
// created and restores each spent input to its recorded prior state,
// grouped by distinct PriorState values since Ledger.Restore sets all
// outpoints in one call to the same target state.
func (c *Chain) disconnectBlock(blk *block.Block, undo *UndoRecord) error {
	store := c.ledger.Store()

	for _, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		for i := range transaction.Outputs {
			if err := store.Delete(types.Outpoint{TxID: txHash, Index: uint32(i)}); err != nil {
				return fmt.Errorf("delete output %s:%d: %w", txHash, i, err)
			}
		}
	}

	byState := make(map[types.OutputState][]types.Outpoint)
	for _, rec := range undo.SpentInputs {
		byState[rec.PriorState] = append(byState[rec.PriorState], rec.Outpoint)
	}
	for state, outpoints := range byState {
		if err := c.ledger.Restore(outpoints, state); err != nil {
			return fmt.Errorf("restore %d inputs to state %s: %w", len(outpoints), state, err)
		}
	}

	return nil
}

// Reorg switches the active chain to the branch ending at newTipHash, if
// its accumulated chain-work now exceeds the active chain's. Blocks back
// to the fork point are disconnected using their stored undo data; if any
// is missing or corrupt (e.g. predates undo tracking, or a crash left it
// partially written), the whole coin set is rebuilt from genesis instead.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	newBranch, forkHeight, err := c.collectBranch(newTipHash)
	if err != nil {
		return err
	}

	var newWork uint64
	for _, blk := range newBranch {
		newWork += blk.Header.ChainWork()
	}
	ancestorWork, err := c.chainWorkThrough(forkHeight)
	if err != nil {
		return fmt.Errorf("ancestor chain work: %w", err)
	}
	if ancestorWork+newWork <= c.state.ChainWork {
		// Known but not heavier than the active chain — keep it stored,
		// don't switch to it.
		return nil
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	var reverted []*tx.Transaction
	for h := c.state.Height; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return c.rebuildReorg(newBranch)
		}
		undoBytes, err := c.blocks.GetUndo(blk.Hash())
		if err != nil {
			return c.rebuildReorg(newBranch)
		}
		var undo UndoRecord
		if err := json.Unmarshal(undoBytes, &undo); err != nil {
			return c.rebuildReorg(newBranch)
		}
		if err := c.disconnectBlock(blk, &undo); err != nil {
			return fmt.Errorf("disconnect block at height %d: %w", h, err)
		}
		if err := c.blocks.DeleteUndo(blk.Hash()); err != nil {
			return fmt.Errorf("delete undo at height %d: %w", h, err)
		}
		for _, t := range blk.Transactions {
			c.blocks.DeleteTxIndex(t.Hash())
		}
		reverted = append(reverted, blk.Transactions...)
		c.state.ChainWork -= blk.Header.ChainWork()
		if c.state.Supply >= undo.BlockReward {
			c.state.Supply -= undo.BlockReward
		}
	}

	ancestor, err := c.blocks.GetBlockByHeight(forkHeight)
	if err != nil {
		return fmt.Errorf("load fork ancestor: %w", err)
	}
	c.state.Height = forkHeight
	c.state.TipHash = ancestor.Hash()
	c.state.TipTimestamp = ancestor.Header.Timestamp

	for _, blk := range newBranch {
		undo, reward, err := c.connectBlock(blk)
		if err != nil {
			return fmt.Errorf("connect new branch block %d: %w", blk.Header.Height, err)
		}
		if c.rules.MaxSupply > 0 && c.state.Supply+reward > c.rules.MaxSupply {
			reward = c.rules.MaxSupply - c.state.Supply
		}
		undo.BlockReward = reward

		undoBytes, err := json.Marshal(undo)
		if err != nil {
			return fmt.Errorf("marshal undo: %w", err)
		}

		c.state.Supply += reward
		c.state.ChainWork += blk.Header.ChainWork()
		c.state.Height = blk.Header.Height
		c.state.TipHash = blk.Hash()
		c.state.TipTimestamp = blk.Header.Timestamp

		if err := c.blocks.CommitBlock(blk, undoBytes, c.state.Supply, c.state.ChainWork); err != nil {
			return fmt.Errorf("commit new branch block %d: %w", blk.Header.Height, err)
		}
	}

	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	if c.revertedTxHandler != nil && len(reverted) > 0 {
		newBranchTxs := make(map[types.Hash]bool)
		for _, blk := range newBranch {
			for _, t := range blk.Transactions {
				newBranchTxs[t.Hash()] = true
			}
		}
		var toReturn []*tx.Transaction
		for _, t := range reverted {
			if !newBranchTxs[t.Hash()] {
				toReturn = append(toReturn, t)
			}
		}
		if len(toReturn) > 0 {
			c.revertedTxHandler(toReturn)
		}
	}

	return nil
}

// rebuildReorg is the fallback path used when undo data for an old-branch
// block is missing or corrupt: rather than surgically disconnecting each
// old block, it indexes the new branch by height and replays the entire
// coin ledger from genesis through the new tip via RebuildUTXOs. Safe to
// crash mid-way through: the reorg checkpoint written by Reorg before
// this runs causes the next startup to retry the same replay.
func (c *Chain) rebuildReorg(newBranch []*block.Block) error {
	for _, blk := range newBranch {
		if err := c.blocks.PutBlock(blk); err != nil {
			return fmt.Errorf("rebuild reorg: index block %d: %w", blk.Header.Height, err)
		}
	}

	newTip := newBranch[len(newBranch)-1]
	c.state.Height = newTip.Header.Height
	c.state.TipHash = newTip.Hash()
	c.state.TipTimestamp = newTip.Header.Timestamp

	return c.RebuildUTXOs()
}

// collectBranch walks back from tipHash to the fork point (the height
// where it diverges from the current active chain), returning the
// branch's blocks in ascending height order and the fork height.
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, uint64, error) {
	var branch []*block.Block
	hash := tipHash
	limit := c.deepForkThreshold()

	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, 0, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if uint64(len(branch)) > limit {
			return nil, 0, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, limit)
		}

		if blk.Header.Height == 0 {
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, 0, ErrGenesisReorg
			}
			// Genesis is shared by every branch; it's the fork point only
			// in the degenerate case of two competing first blocks.
			for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
				branch[i], branch[j] = branch[j], branch[i]
			}
			return branch, 0, nil
		}

		mainBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err == nil && mainBlk.Hash() == blk.Header.PrevHash {
			for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
				branch[i], branch[j] = branch[j], branch[i]
			}
			return branch, blk.Header.Height - 1, nil
		}

		hash = blk.Header.PrevHash
	}
}

// chainWorkThrough returns the cumulative chain-work of the active chain
// through and including height (used as the ancestor baseline when
// comparing a candidate branch's total work against the active chain's).
func (c *Chain) chainWorkThrough(height uint64) (uint64, error) {
	if height == c.state.Height {
		return c.state.ChainWork, nil
	}
	var work uint64
	for h := uint64(1); h <= height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return 0, fmt.Errorf("load block at height %d: %w", h, err)
		}
		work += blk.Header.ChainWork()
	}
	return work, nil
}
