// Package syncengine drives catch-up sync against the abstract Net
// interface instead of a concrete transport, so the fork resolver and
// block processor can both be tested against a loopback Net.
package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timelock-chain/tlcd/internal/netiface"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/types"
)

const (
	// HeaderBatchSize is the maximum number of headers pulled per
	// GetHeaders round-trip.
	HeaderBatchSize = 500
	// ParallelBodyFetch is the maximum number of peers bodies are
	// pulled from concurrently.
	ParallelBodyFetch = 4
	// PeerTimeout bounds a single request to a peer; a request that runs
	// past it fails and ends the current sync attempt with an error.
	PeerTimeout = 30 * time.Second
	// bodyQueueDepth bounds how far ahead of the processor the body
	// fetchers are allowed to run.
	bodyQueueDepth = ParallelBodyFetch * 2
)

// ChainView is the subset of internal/chain.Chain the engine needs:
// read the current tip to build a locator, and hand it finished blocks
// in height order.
type ChainView interface {
	Height() uint64
	TipHash() types.Hash
	GetBlockByHeight(height uint64) (*block.Block, error)
	ProcessBlock(blk *block.Block) error
}

// Engine pulls headers and bodies from peers via Net and feeds them to
// a ChainView strictly in height order.
type Engine struct {
	net   netiface.Net
	chain ChainView

	mu      sync.Mutex
	syncing bool
}

// New builds a Sync Engine over the given Net and chain view.
func New(net netiface.Net, chain ChainView) *Engine {
	return &Engine{net: net, chain: chain}
}

// Syncing reports whether a sync round is currently in flight.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// SyncAgainst pulls headers then bodies from the given peer until our
// chain reaches (at least) the peer's advertised tip, or ctx is
// cancelled. Safe to call repeatedly; a call that arrives while another
// is already running returns immediately.
func (e *Engine) SyncAgainst(ctx context.Context, peer netiface.PeerID) error {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	for {
		locator := e.buildLocator()

		reqCtx, cancel := context.WithTimeout(ctx, PeerTimeout)
		resp, err := e.net.GetHeaders(reqCtx, peer, locator)
		cancel()
		if err != nil {
			return fmt.Errorf("getheaders from %s: %w", peer, err)
		}
		if len(resp.Headers) == 0 {
			return nil
		}
		if err := validateHeaderChain(resp.Headers); err != nil {
			return fmt.Errorf("peer %s sent invalid header chain: %w", peer, err)
		}

		if err := e.fetchAndProcess(ctx, peer, resp.Headers); err != nil {
			return err
		}

		if len(resp.Headers) < HeaderBatchSize {
			// Short batch: peer has nothing further.
			return nil
		}
	}
}

// buildLocator produces a geometrically spaced set of our own block
// hashes (most recent dense, older sparse) so the peer can find our
// divergence point in O(log n) round trips.
func (e *Engine) buildLocator() netiface.BlockLocator {
	height := e.chain.Height()
	hashes := make([]types.Hash, 0, 32)

	step := uint64(1)
	h := height
	for {
		blk, err := e.chain.GetBlockByHeight(h)
		if err == nil && blk != nil {
			hashes = append(hashes, blk.Header.Hash())
		}
		if h == 0 {
			break
		}
		if h < step {
			h = 0
			continue
		}
		h -= step
		if len(hashes) >= 10 {
			step *= 2
		}
	}

	return netiface.BlockLocator{Hashes: hashes, StopHash: e.chain.TipHash()}
}

// validateHeaderChain checks that a batch of headers links together via
// PrevHash with no gaps, before a single body is fetched.
func validateHeaderChain(headers []*block.Header) error {
	for i := 1; i < len(headers); i++ {
		if headers[i].PrevHash != headers[i-1].Hash() {
			return fmt.Errorf("header %d does not link to header %d", i, i-1)
		}
	}
	return nil
}

// fetchAndProcess pulls bodies for the given headers from up to
// ParallelBodyFetch peers concurrently, then commits them to the chain
// strictly in height order. Backpressure: the next window of fetches is
// only started after the previous window's blocks have been committed.
func (e *Engine) fetchAndProcess(ctx context.Context, primary netiface.PeerID, headers []*block.Header) error {
	peers := e.net.Peers()
	pool := dedupePeers(append([]netiface.PeerID{primary}, peers...))
	if len(pool) > ParallelBodyFetch {
		pool = pool[:ParallelBodyFetch]
	}

	for start := 0; start < len(headers); start += bodyQueueDepth {
		end := start + bodyQueueDepth
		if end > len(headers) {
			end = len(headers)
		}
		window := headers[start:end]

		blocks, err := e.fetchWindow(ctx, pool, window)
		if err != nil {
			return err
		}
		for _, blk := range blocks {
			if blk == nil {
				return fmt.Errorf("sync: missing block body in window")
			}
			if err := e.chain.ProcessBlock(blk); err != nil {
				return fmt.Errorf("process synced block at height: %w", err)
			}
		}
	}
	return nil
}

// fetchWindow pulls the bodies for a batch of headers across the peer
// pool concurrently, returning blocks in the same order as headers.
func (e *Engine) fetchWindow(ctx context.Context, pool []netiface.PeerID, headers []*block.Header) ([]*block.Block, error) {
	results := make([]*block.Block, len(headers))
	jobs := make(chan int, len(headers))
	for i := range headers {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	errCh := make(chan error, len(pool))

	workers := len(pool)
	if workers == 0 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		peer := pool[w%len(pool)]
		if len(pool) == 0 {
			peer = ""
		}
		wg.Add(1)
		go func(peer netiface.PeerID) {
			defer wg.Done()
			for idx := range jobs {
				h := headers[idx]
				reqCtx, cancel := context.WithTimeout(ctx, PeerTimeout)
				blk, err := e.net.GetBlock(reqCtx, peer, h.Hash())
				cancel()
				if err != nil {
					errCh <- fmt.Errorf("getblock from %s: %w", peer, err)
					return
				}
				results[idx] = blk
			}
		}(peer)
	}
	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return nil, err
	}
	return results, nil
}

func dedupePeers(peers []netiface.PeerID) []netiface.PeerID {
	seen := make(map[netiface.PeerID]bool, len(peers))
	out := make([]netiface.PeerID, 0, len(peers))
	for _, p := range peers {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
