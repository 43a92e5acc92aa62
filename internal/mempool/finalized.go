package mempool

import (
	"sort"
	"sync"

	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// finalizedEntry pairs a finalized transaction with the proof that
// finalized it, so a producer can attach the proof to the block it builds.
type finalizedEntry struct {
	tx      *tx.Transaction
	proof   timevote.TimeProof
	addedAt uint64 // slot at which the proof finalized, for FIFO ordering.
}

// FinalizedPool holds TimeProof-backed transactions awaiting block
// inclusion. Unlike PendingPool it is unbounded in principle: a transaction
// only leaves once the block that includes it is confirmed, via
// RemoveConfirmed clearing exactly that block's txid set, never the whole
// pool.
//
// FinalizedPool implements timevote.FinalizedSink.
type FinalizedPool struct {
	mu  sync.RWMutex
	txs map[types.Hash]*finalizedEntry
}

// NewFinalizedPool creates an empty finalized pool.
func NewFinalizedPool() *FinalizedPool {
	return &FinalizedPool{txs: make(map[types.Hash]*finalizedEntry)}
}

// AddFinalized records a transaction that has just received its TimeProof.
// Satisfies timevote.FinalizedSink.
func (p *FinalizedPool) AddFinalized(t *tx.Transaction, proof timevote.TimeProof) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := t.Hash()
	p.txs[h] = &finalizedEntry{tx: t, proof: proof, addedAt: proof.SlotIndex}
	return nil
}

// Has reports whether a transaction is in the finalized pool.
func (p *FinalizedPool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[txHash]
	return ok
}

// Get retrieves a finalized transaction and its proof by hash.
func (p *FinalizedPool) Get(txHash types.Hash) (*tx.Transaction, timevote.TimeProof, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[txHash]
	if !ok {
		return nil, timevote.TimeProof{}, false
	}
	return e.tx, e.proof, true
}

// Count returns the number of finalized transactions awaiting inclusion.
func (p *FinalizedPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// RemoveConfirmed removes exactly the given transactions' hashes, e.g. once
// a block that includes them is connected. It never clears the pool
// wholesale: transactions not in the block remain eligible for the next one.
func (p *FinalizedPool) RemoveConfirmed(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.txs, h)
	}
}

// SelectForBlock returns up to limit finalized transactions in FIFO order
// (oldest proof slot first), along with their proofs so the producer can
// attach them to the block it assembles.
func (p *FinalizedPool) SelectForBlock(limit int) []TimeProvenTx {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*finalizedEntry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].addedAt < entries[j].addedAt })

	if limit > len(entries) || limit <= 0 {
		limit = len(entries)
	}
	out := make([]TimeProvenTx, limit)
	for i := 0; i < limit; i++ {
		out[i] = TimeProvenTx{Tx: entries[i].tx, Proof: entries[i].proof}
	}
	return out
}

// TimeProvenTx pairs a finalized transaction with the TimeProof that
// finalized it, the unit the TimeLock producer pulls from FinalizedPool.
type TimeProvenTx struct {
	Tx    *tx.Transaction
	Proof timevote.TimeProof
}
