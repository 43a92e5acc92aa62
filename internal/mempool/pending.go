// Package mempool holds transactions at two stages of their lifetime: the
// PendingPool holds transactions that have been locally validated and
// submitted for voting but have not yet finalized, and the FinalizedPool
// holds transactions that carry a valid TimeProof and are waiting for block
// inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// PendingPool errors.
var (
	ErrAlreadyExists = errors.New("transaction already pending")
	ErrConflict      = errors.New("transaction conflicts with an existing pending entry")
	ErrPoolFull      = errors.New("pending pool is full")
	ErrValidation    = errors.New("transaction failed validation")
	ErrFeeTooLow     = errors.New("transaction fee below minimum rate")
)

// pendingEntry wraps a transaction with its precomputed fee and fee rate.
type pendingEntry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	feeRate float64 // fee per byte of SigningBytes.
}

// PendingPool holds transactions awaiting TimeVote finality. Token/stake/
// coinbase checks are not duplicated here; those live in pkg/tx validation
// and internal/utxo.
type PendingPool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*pendingEntry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash conflict index
	maxSize    int
	minFeeRate uint64
	utxos      tx.UTXOProvider
	policy     *Policy
}

// NewPendingPool creates a pending pool bounded to maxSize entries (<=0
// defaults to 5000), enforcing DefaultPolicy.
func NewPendingPool(utxos tx.UTXOProvider, maxSize int) *PendingPool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &PendingPool{
		txs:     make(map[types.Hash]*pendingEntry),
		spends:  make(map[types.Outpoint]types.Hash),
		maxSize: maxSize,
		utxos:   utxos,
		policy:  DefaultPolicy(),
	}
}

// SetPolicy replaces the acceptance policy (size and shape limits) enforced
// on Add.
func (p *PendingPool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for acceptance.
func (p *PendingPool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate.
func (p *PendingPool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// Add validates and adds a transaction to the pending pool. Returns the
// computed fee. Rejects duplicates and double-spend conflicts against other
// pending entries.
func (p *PendingPool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	if p.policy != nil {
		if err := p.policy.Check(transaction); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(sigBytes)
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes x %d rate)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &pendingEntry{tx: transaction, txHash: txHash, fee: fee, feeRate: feeRate}
	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	return fee, nil
}

// Remove removes a transaction from the pending pool by hash, e.g. once it
// finalizes and moves to the FinalizedPool, or expires and reverts.
func (p *PendingPool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *PendingPool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
}

// Has reports whether a transaction is pending.
func (p *PendingPool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a pending transaction by hash, or nil if absent.
func (p *PendingPool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// Count returns the number of pending transactions.
func (p *PendingPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

func (p *PendingPool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit. Unused directly by TimeLock block production
// (which drains the FinalizedPool instead) but kept for diagnostics and
// any direct-inclusion fallback.
func (p *PendingPool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*pendingEntry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].feeRate > entries[j].feeRate })
	if limit > len(entries) {
		limit = len(entries)
	}
	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
