package timevote

import (
	"sync"

	"github.com/timelock-chain/tlcd/pkg/types"
)

// shardCount is the number of independently-locked accumulator maps. A
// single global mutex around one map[types.Hash]*accumulator would
// serialize every vote across every in-flight transaction; splitting by
// commitment byte spreads the lock contention the same way a sharded
// cache does.
const shardCount = 32

type shard struct {
	mu    sync.Mutex
	accum map[types.Hash]*accumulator
}

// shardedAccumulators is a fixed set of independently-locked accumulator
// maps keyed by tx_commitment. No lock is ever held across a suspension
// point: callers take the shard's lock, mutate the accumulator, and
// release before doing any I/O (broadcast, signature verification).
type shardedAccumulators struct {
	shards [shardCount]*shard
}

func newShardedAccumulators() *shardedAccumulators {
	s := &shardedAccumulators{}
	for i := range s.shards {
		s.shards[i] = &shard{accum: make(map[types.Hash]*accumulator)}
	}
	return s
}

func (s *shardedAccumulators) shardFor(h types.Hash) *shard {
	return s.shards[h[0]%shardCount]
}

// getOrCreate returns the existing accumulator for h, or creates one via
// create if none exists. create is called with the shard locked, so it
// must not block.
func (s *shardedAccumulators) getOrCreate(h types.Hash, create func() *accumulator) (*accumulator, bool) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if a, ok := sh.accum[h]; ok {
		return a, false
	}
	a := create()
	sh.accum[h] = a
	return a, true
}

// get returns the accumulator for h, if any.
func (s *shardedAccumulators) get(h types.Hash) (*accumulator, bool) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	a, ok := sh.accum[h]
	return a, ok
}

// withLocked runs fn with the accumulator for h locked via its shard, if
// it exists. Returns false if no accumulator is registered for h.
func (s *shardedAccumulators) withLocked(h types.Hash, fn func(*accumulator)) bool {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	a, ok := sh.accum[h]
	if !ok {
		return false
	}
	fn(a)
	return true
}

// delete removes the accumulator for h.
func (s *shardedAccumulators) delete(h types.Hash) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.accum, h)
}

// sweepExpired marks every accumulator still Collecting whose deadline is
// <= now as Expired and removes it from its shard under that shard's lock,
// then calls fn for each of them after all shard locks are released, so fn
// may do follow-up I/O (reverting ledger inputs).
func (s *shardedAccumulators) sweepExpired(now uint64, fn func(*accumulator)) {
	var expired []*accumulator
	for _, sh := range s.shards {
		sh.mu.Lock()
		for h, a := range sh.accum {
			if a.state == Collecting && a.deadline <= now {
				a.state = Expired
				expired = append(expired, a)
				delete(sh.accum, h)
			}
		}
		sh.mu.Unlock()
	}
	for _, a := range expired {
		fn(a)
	}
}
