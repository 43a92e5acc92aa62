package timevote

import (
	"sync"

	"github.com/timelock-chain/tlcd/pkg/types"
)

// dedupSet bounds at-most-once TimeProof broadcast: each tx_commitment is
// recorded once a proof for it has been broadcast, and entries older than
// a TTL are swept so the set doesn't grow without bound.
type dedupSet struct {
	mu  sync.Mutex
	ttl uint64
	at  map[types.Hash]uint64 // tx_commitment -> unix seconds when last broadcast.
}

func newDedupSet(ttlSeconds uint64) *dedupSet {
	return &dedupSet{ttl: ttlSeconds, at: make(map[types.Hash]uint64)}
}

// shouldBroadcast reports whether a proof for h has not already been
// broadcast within the TTL window, and if so records it as broadcast at
// now so a concurrent caller sees the record immediately.
func (d *dedupSet) shouldBroadcast(h types.Hash, now uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.at[h]; ok && now < last+d.ttl {
		return false
	}
	d.at[h] = now
	return true
}

// prune removes entries older than the TTL as of now.
func (d *dedupSet) prune(now uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, last := range d.at {
		if now >= last+d.ttl {
			delete(d.at, h)
		}
	}
}
