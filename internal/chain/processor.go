package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyCoins             = errors.New("failed to apply coin ledger changes")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent  = errors.New("block timestamp before parent")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
	ErrMissingTimeProof       = errors.New("transaction has no matching TimeProof in block header")
	ErrInvalidTimeProof       = errors.New("TimeProof failed verification")
	ErrInputNotFinalized      = errors.New("input coin is not in a spendable prior state")
)

// ProcessBlock validates a candidate block — structure, signatures,
// TimeProof coverage, TimeLock producer eligibility — then connects it to
// the chain via the coin ledger. A block whose PrevHash doesn't match the
// current tip but does match a known block is treated as a fork candidate:
// it is stored but only applied if Reorg decides its branch now outweighs
// the active one.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	maxTime := uint64(time.Now().Add(2 * time.Minute).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}
	if blk.Header.Height > 0 {
		if parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash); err == nil &&
			blk.Header.Timestamp < parentBlk.Header.Timestamp {
			return fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
				ErrTimestampBeforeParent, blk.Header.Timestamp, parentBlk.Header.Timestamp)
		}
	}

	// TimeLock sortition: verifies the producer was active, VRF-eligible
	// for this slot's fallback level, and signed the header. Genesis has no
	// producer and bypasses this entirely (see InitFromGenesis).
	if blk.Header.Height > 0 {
		if err := c.verifier.VerifyHeader(blk.Header, time.Now()); err != nil {
			return fmt.Errorf("verify header: %w", err)
		}
	}

	if err := c.validateBlockStructure(blk); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	if errors.Is(parentErr, ErrForkDetected) {
		// Store the block data only; it isn't applied to the coin ledger
		// until Reorg decides this branch now outweighs the active one.
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}
		if blk.Header.Height >= c.state.Height {
			if err := c.Reorg(hash); err != nil {
				return fmt.Errorf("reorg: %w", err)
			}
		}
		return nil
	}

	// Fast path: block extends the current tip directly.
	undo, reward, err := c.connectBlock(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyCoins, err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}
	if err := c.blocks.PutUndo(hash, undoBytes); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}

	if c.rules.MaxSupply > 0 && c.state.Supply+reward > c.rules.MaxSupply {
		reward = c.rules.MaxSupply - c.state.Supply
	}

	c.state.Supply += reward
	c.state.ChainWork += blk.Header.ChainWork()
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	if err := c.blocks.SetTip(hash, blk.Header.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.blocks.SetChainWork(c.state.ChainWork); err != nil {
		return fmt.Errorf("set chain work: %w", err)
	}

	return nil
}

// validateBlockStructure performs every read-only check on a candidate
// block that doesn't require mutating the coin ledger: coinbase shape,
// per-transaction structure/ownership/signature validation, TimeProof
// coverage for every non-coinbase transaction, and the coinbase mint cap.
func (c *Chain) validateBlockStructure(blk *block.Block) error {
	if len(blk.Transactions) == 0 {
		return fmt.Errorf("%w: block has no transactions", ErrBadCoinbaseTx)
	}
	coinbaseTx := blk.Transactions[0]
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsZero() {
		return ErrBadCoinbaseTx
	}

	store := c.ledger.Store()

	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue
		}
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i)
			}
		}
		fee, err := validateBlockTx(transaction, store)
		if err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d: fee overflow", i)
		}
		totalFees += fee
	}

	if err := c.checkTimeProofCoverage(blk); err != nil {
		return err
	}

	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.rules.BlockReward
	if c.rules.MaxSupply > 0 {
		if c.state.Supply >= c.rules.MaxSupply {
			allowedMint = 0
		} else if remaining := c.rules.MaxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	return nil
}

// checkTimeProofCoverage verifies that every non-coinbase transaction in
// the block has a corresponding TimeProof in the header (matched by
// tx_commitment) and that the proof itself is internally well-formed.
func (c *Chain) checkTimeProofCoverage(blk *block.Block) error {
	proofs := make(map[types.Hash]*timevote.TimeProof, len(blk.Header.TimeProofs))
	for i := range blk.Header.TimeProofs {
		p := &blk.Header.TimeProofs[i]
		proofs[p.TxCommitment] = p
	}
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue
		}
		txHash := transaction.Hash()
		proof, ok := proofs[txHash]
		if !ok {
			return fmt.Errorf("%w: tx %s", ErrMissingTimeProof, txHash)
		}
		if err := proof.Verify(); err != nil {
			return fmt.Errorf("%w: tx %s: %v", ErrInvalidTimeProof, txHash, err)
		}
	}
	return nil
}

// validateBlockTx checks one non-coinbase transaction's structure,
// signatures, and input ownership against the coin store. Unlike
// pkg/tx.ValidateWithUTXOs (used for mempool submission, which requires
// every input to be Unspent), this accepts inputs in either Unspent state
// (a block built entirely from TimeProof coverage, never locally tracked
// through this node's own TimeVote accumulator) or Finalized state (a
// block this node produced itself from its own FinalizedPool). Returns
// the transaction's fee.
func validateBlockTx(transaction *tx.Transaction, store *utxo.Store) (uint64, error) {
	if err := transaction.ValidateStructure(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		coin, err := store.Get(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, tx.ErrInputNotFound)
		}
		if coin.State != types.Unspent && coin.State != types.Finalized {
			return 0, fmt.Errorf("input %d (%s): %w: state is %s", i, in.PrevOut, ErrInputNotFinalized, coin.State)
		}
		if err := verifyInputOwnership(in, coin.Script); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if totalInput > math.MaxUint64-coin.Value {
			return 0, fmt.Errorf("input %d: %w", i, tx.ErrInputOverflow)
		}
		totalInput += coin.Value
	}

	if err := transaction.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, err := transaction.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("output overflow: %w", err)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", tx.ErrInsufficientFee, totalInput, totalOutput)
	}
	return totalInput - totalOutput, nil
}

// verifyInputOwnership checks that an input's claimed pubkey matches the
// coin it spends: the P2PKH address derivation for ordinary outputs, or
// the exact stake pubkey for masternode collateral outputs.
func verifyInputOwnership(in tx.Input, script types.Script) error {
	switch script.Type {
	case types.ScriptTypeP2PKH:
		if len(script.Data) != types.AddressSize {
			return fmt.Errorf("%w: script data length %d", tx.ErrScriptMismatch, len(script.Data))
		}
		if len(in.PubKey) == 0 {
			return tx.ErrMissingPubKey
		}
		hash := crypto.Hash(in.PubKey)
		var expected, derived types.Address
		copy(expected[:], script.Data)
		copy(derived[:], hash[:types.AddressSize])
		if expected != derived {
			return fmt.Errorf("%w: expected %s, got %s", tx.ErrScriptMismatch, expected, derived)
		}
	case types.ScriptTypeStake:
		if len(script.Data) != 32 {
			return fmt.Errorf("%w: stake script data length %d, want 32", tx.ErrScriptMismatch, len(script.Data))
		}
		if !bytes.Equal(in.PubKey, script.Data) {
			return fmt.Errorf("%w: pubkey does not match stake", tx.ErrScriptMismatch)
		}
	}
	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are
// consistent with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}
