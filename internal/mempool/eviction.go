package mempool

import "sort"

// Evict removes the lowest fee-rate transactions until the pool is at or
// below maxSize. Add() already evicts opportunistically on insert; Evict is
// for a periodic sweep after config changes lower maxSize at runtime.
func (p *PendingPool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txs) <= p.maxSize {
		return 0
	}

	entries := make([]*pendingEntry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate < entries[j].feeRate
	})

	evicted := 0
	for len(p.txs) > p.maxSize && evicted < len(entries) {
		p.removeLocked(entries[evicted].txHash)
		evicted++
	}
	return evicted
}
