// Package node wires every consensus component (coin ledger, masternode
// registry, TimeVote engine, TimeLock producer, block processor, fork
// resolver, sync engine, and the P2P transport) into a single runnable
// process. It performs construction but leaves lifecycle (background
// goroutines) to Start/Shutdown.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/chain"
	"github.com/timelock-chain/tlcd/internal/clockutil"
	"github.com/timelock-chain/tlcd/internal/fork"
	klog "github.com/timelock-chain/tlcd/internal/log"
	"github.com/timelock-chain/tlcd/internal/masternode"
	"github.com/timelock-chain/tlcd/internal/mempool"
	"github.com/timelock-chain/tlcd/internal/netiface"
	"github.com/timelock-chain/tlcd/internal/netp2p"
	"github.com/timelock-chain/tlcd/internal/observer"
	"github.com/timelock-chain/tlcd/internal/rpc"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/internal/syncengine"
	"github.com/timelock-chain/tlcd/internal/timelock"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/internal/wallet"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
	"github.com/rs/zerolog"
)

// utxoValidator adapts *utxo.Store's structural validation to
// timevote.Validator, so the engine can check a transaction against the
// live coin set before locking its inputs.
type utxoValidator struct {
	store *utxo.Store
}

func (v utxoValidator) Validate(t *tx.Transaction) (uint64, error) {
	return t.ValidateWithUTXOs(v.store)
}

// timelockRegistryAdapter bridges masternode.Registry's ActiveEntry view
// to the narrower shape internal/timelock needs, mirroring the adapter
// internal/chain keeps for its own verifier — each caller of
// timelock.RegistryView gets its own copy since neither package imports
// the other.
type timelockRegistryAdapter struct {
	r *masternode.Registry
}

func (a timelockRegistryAdapter) ActiveSet(slot uint64) []timelock.ActiveMasternode {
	entries := a.r.ActiveSet(slot)
	out := make([]timelock.ActiveMasternode, len(entries))
	for i, e := range entries {
		out[i] = timelock.ActiveMasternode{ID: e.ID, Weight: e.Weight, VRFPublicKey: e.VRFPublicKey}
	}
	return out
}

// Node is a fully-wired TimeVote/TimeLock node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db       storage.DB
	utxoStore *utxo.Store
	ledger   *utxo.Ledger
	registry *masternode.Registry
	slots    *clockutil.SlotClock

	pending   *mempool.PendingPool
	finalized *mempool.FinalizedPool

	votes    *timevote.Engine
	producer *timelock.Producer // nil if this node does not produce blocks.
	ch       *chain.Chain
	sync     *syncengine.Engine

	net netiface.Net

	rpcServer *rpc.Server
	keystore  *wallet.Keystore

	observer observer.Observer

	signingKey *crypto.PrivateKey
	vrfKey     *crypto.VRFKey
	coinbase   types.Address

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New builds a Node: storage -> ledger -> registry -> signing/VRF keys ->
// P2P transport -> mempool -> TimeVote engine -> chain -> TimeLock
// producer -> sync engine -> RPC server, in that order, so every later
// stage can depend on an already-validated earlier one.
func New(cfg *config.Config) (*Node, error) {
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/tlcd.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	genesis := config.GenesisFor(cfg.Network)
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("consensus", genesis.Protocol.Consensus.Type).
		Uint64("slot_seconds", genesis.Protocol.Consensus.SlotSeconds).
		Msg("Starting TimeLock Chain node")

	// ── storage ──────────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── coin ledger ──────────────────────────────────────────────────
	utxoStore := utxo.NewStore(db)
	ledger := utxo.NewLedger(db, utxoStore)

	// ── masternode registry ─────────────────────────────────────────
	rules := genesis.Protocol.Consensus
	registry := masternode.NewRegistry(utxoStore, rules.SlotSeconds, rules.LivenessSeconds)
	for _, pkHex := range rules.InitialMasternodes {
		id, err := hex.DecodeString(pkHex)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("decode initial masternode %q: %w", pkHex, err)
		}
		// Genesis masternodes carry no collateral outpoint: their stake is
		// declared by the genesis file itself, not by a Locked coin.
		if err := registry.Register(id, config.TierFree, nil, types.Address{}, genesis.Timestamp); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed initial masternode %q: %w", pkHex, err)
		}
	}

	slots := clockutil.NewSlotClock(clockutil.Real(), time.Unix(int64(genesis.Timestamp), 0), time.Duration(rules.SlotSeconds)*time.Second)

	// ── signing / VRF keys (only needed if this node votes/produces) ───
	var signingKey *crypto.PrivateKey
	var vrfKey *crypto.VRFKey
	if cfg.Masternode.SigningKey != "" {
		signingKey, err = loadSigningKey(cfg.Masternode.SigningKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load masternode signing key: %w", err)
		}
	}
	if cfg.Mining.ValidatorKey != "" {
		vrfKey, err = loadVRFKey(cfg.Mining.ValidatorKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load VRF key: %w", err)
		}
	}

	coinbase, err := resolveCoinbase(cfg.Mining.Coinbase, signingKey)
	if err != nil && cfg.Mining.Enabled {
		db.Close()
		return nil, err
	}

	// ── networking (constructed before the engines that broadcast
	//    through it, since both TimeVote and TimeLock hard-require a
	//    non-nil broadcaster) ────────────────────────────────────────
	p2pNode := netp2p.New(netp2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         db,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  genesis.ChainID,
		DataDir:    cfg.ChainDataDir(),
	})

	// ── mempool ──────────────────────────────────────────────────────
	pending := mempool.NewPendingPool(utxoStore, 0)
	pending.SetMinFeeRate(rules.MinFeeRate)
	finalizedPool := mempool.NewFinalizedPool()

	// ── TimeVote engine ──────────────────────────────────────────────
	var voteOpts []timevote.Option
	var self *timevote.Self
	if signingKey != nil {
		id := signingKey.PublicKey()
		weight := config.TierWeight(config.MasternodeTier(cfg.Masternode.Tier))
		if weight == 0 {
			weight = config.TierWeight(config.TierFree)
		}
		self = &timevote.Self{ID: id, Signer: signingKey, Weight: weight}
		voteOpts = append(voteOpts, timevote.WithSelf(self))
	}
	votes, err := timevote.New(registry, ledger, utxoValidator{store: utxoStore}, finalizedPool, p2pNode, slots, voteOpts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create timevote engine: %w", err)
	}

	// ── chain / block processor ─────────────────────────────────────
	chainID := types.ChainID(crypto.Hash([]byte(genesis.ChainID)))
	ch, err := chain.New(chainID, db, ledger, registry, slots)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init genesis: %w", err)
		}
		logger.Info().Str("hash", ch.TipHash().String()).Msg("Genesis block created")
	}
	ch.SetConsensusRules(rules)
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		for _, t := range txs {
			if _, err := pending.Add(t); err != nil {
				logger.Debug().Err(err).Str("tx", t.Hash().String()).Msg("Reverted tx did not re-enter mempool")
			}
		}
	})

	// ── TimeLock producer (only if this node both votes and mines) ───
	var producer *timelock.Producer
	if signingKey != nil && vrfKey != nil {
		producerSelf := timelock.Self{ID: signingKey.PublicKey(), Signer: signingKey, VRF: vrfKey, Reward: coinbase}
		producer, err = timelock.New(
			timelockRegistryAdapter{r: registry},
			ch,
			finalizedPool,
			slots,
			producerSelf,
			rules.BlockReward,
			timelock.WithSupplyCap(rules.MaxSupply, ch.Supply),
		)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create timelock producer: %w", err)
		}
	}

	// ── fork resolver + sync engine ──────────────────────────────────
	syncEngine := syncengine.New(p2pNode, ch)

	// ── RPC server ────────────────────────────────────────────────────
	rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
	rpcServer := rpc.New(rpcAddr, ch, utxoStore, pending, finalizedPool, p2pNode, syncEngine, genesis, registry, rules.SlotSeconds, cfg.RPC)

	var keystore *wallet.Keystore
	if cfg.Wallet.Enabled {
		keystore, err = wallet.NewKeystore(cfg.KeystoreDir())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		rpcServer.SetKeystore(keystore)
		rpcServer.SetWalletTxIndex(rpc.NewWalletTxIndex(db))
	}

	n := &Node{
		cfg:        cfg,
		genesis:    genesis,
		logger:     logger,
		db:         db,
		utxoStore:  utxoStore,
		ledger:     ledger,
		registry:   registry,
		slots:      slots,
		pending:    pending,
		finalized:  finalizedPool,
		votes:      votes,
		producer:   producer,
		ch:         ch,
		sync:       syncEngine,
		net:        p2pNode,
		rpcServer:  rpcServer,
		keystore:   keystore,
		observer:   observer.NoOp{},
		signingKey: signingKey,
		vrfKey:     vrfKey,
		coinbase:   coinbase,
	}
	n.wireHandlers()
	return n, nil
}

// SetObserver installs a hook for peer-behavior, fork, and finality
// events. Never required: the default is observer.NoOp.
func (n *Node) SetObserver(o observer.Observer) {
	if o == nil {
		o = observer.NoOp{}
	}
	n.observer = o
}

// wireHandlers registers this node's inbound message handlers on its Net,
// bridging wire events to the TimeVote engine, the block processor, and
// the sync engine.
func (n *Node) wireHandlers() {
	p2pNode, ok := n.net.(*netp2p.Node)
	if !ok {
		return
	}
	p2pNode.SetGenesisHash(n.ch.TipHash())
	p2pNode.SetHeightFn(n.ch.Height)

	p2pNode.SetVoteRequestHandler(func(from netiface.PeerID, t *tx.Transaction) {
		if err := n.votes.OnRequest(t); err != nil {
			n.logger.Debug().Err(err).Str("peer", string(from)).Msg("vote request rejected")
		}
	})
	p2pNode.SetVoteHandler(func(from netiface.PeerID, v timevote.Vote) {
		if err := n.votes.OnVote(n.ctx, v); err != nil {
			n.observer.ObservePeerBehavior(observer.PeerBehavior{Peer: string(from), Kind: observer.PeerProtocolViolation, Detail: err.Error()})
		}
	})
	p2pNode.SetTimeProofHandler(func(from netiface.PeerID, tp timevote.TimeProof) {
		if err := n.votes.OnTimeProof(tp); err != nil {
			n.logger.Debug().Err(err).Str("peer", string(from)).Msg("time proof rejected")
		}
	})
	p2pNode.SetBlockHandler(func(from netiface.PeerID, b *block.Block) {
		if err := n.ch.ProcessBlock(b); err != nil {
			n.observer.ObservePeerBehavior(observer.PeerBehavior{Peer: string(from), Kind: observer.PeerInvalidBody, Detail: err.Error()})
			return
		}
		n.finalized.RemoveConfirmed(txHashes(b))
	})
	p2pNode.SetGetHeadersHandler(func(from netiface.PeerID, locator netiface.BlockLocator) (netiface.Headers, error) {
		return n.serveHeaders(locator)
	})
	p2pNode.SetGetBlockHandler(func(from netiface.PeerID, hash types.Hash) (*block.Block, error) {
		return n.ch.GetBlock(hash)
	})
	p2pNode.SetPeerTipAdvertHandler(func(from netiface.PeerID, advert netiface.PeerTipAdvert) {
		n.handleTipAdvert(from, advert)
	})
}

func txHashes(b *block.Block) []types.Hash {
	out := make([]types.Hash, 0, len(b.Transactions))
	for i, t := range b.Transactions {
		if i == 0 {
			continue // coinbase never sits in the finalized pool.
		}
		out = append(out, t.Hash())
	}
	return out
}

// serveHeaders answers a peer's locator request by walking our own chain
// from the first locator hash we recognize.
func (n *Node) serveHeaders(locator netiface.BlockLocator) (netiface.Headers, error) {
	start := uint64(0)
	for _, h := range locator.Hashes {
		if blk, err := n.ch.GetBlock(h); err == nil {
			start = blk.Header.Height + 1
			break
		}
	}
	var headers []*block.Header
	for height := start; height < start+syncengine.HeaderBatchSize; height++ {
		blk, err := n.ch.GetBlockByHeight(height)
		if err != nil {
			break
		}
		headers = append(headers, blk.Header)
	}
	return netiface.Headers{Headers: headers}, nil
}

// handleTipAdvert runs the fork resolver against a peer's advertised tip
// and kicks off a sync if it decides the peer's branch should win.
func (n *Node) handleTipAdvert(from netiface.PeerID, advert netiface.PeerTipAdvert) {
	ours := fork.Tip{
		Height:       n.ch.Height(),
		ChainWork:    n.chainWork(),
		TipHash:      n.ch.TipHash(),
		TipTimestamp: n.ch.State().TipTimestamp,
	}
	peerTip := fork.Tip{
		Height:       advert.Height,
		ChainWork:    advert.ChainWork,
		TipHash:      advert.TipHash,
		TipTimestamp: advert.TipTimestamp,
	}
	result := fork.Resolve(ours, peerTip, time.Now())
	n.observer.ObserveFork(observer.ForkEvent{
		OurHeight: ours.Height, PeerHeight: peerTip.Height,
		OurTip: ours.TipHash, PeerTip: peerTip.TipHash,
		Accepted: result.Decision == fork.Accept, Reason: result.Reason,
	})
	if result.Decision != fork.Accept {
		return
	}
	if n.sync.Syncing() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Minute)
		defer cancel()
		if err := n.sync.SyncAgainst(ctx, from); err != nil {
			n.logger.Warn().Err(err).Str("peer", string(from)).Msg("sync against peer failed")
		}
	}()
}

func (n *Node) chainWork() uint64 {
	// Chain.State() reports ChainWork directly; exposed here so the fork
	// resolver never needs the Chain type itself.
	return n.ch.State().ChainWork
}

// Start launches background goroutines: the P2P transport, periodic
// accumulator sweeps, and (if configured) block production.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()

	if p2pNode, ok := n.net.(*netp2p.Node); ok {
		if err := p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
	}

	if n.cfg.RPC.Enabled {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
		n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server listening")
	}

	n.wg.Add(1)
	go n.sweepLoop()

	if n.producer != nil {
		n.wg.Add(1)
		go n.produceLoop()
	}

	n.logger.Info().Msg("Node started")
	return nil
}

// sweepLoop periodically discards expired TimeVote accumulators.
func (n *Node) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.genesis.Protocol.Consensus.SlotSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.votes.SweepExpired(n.ctx); err != nil {
				n.logger.Warn().Err(err).Msg("sweep expired votes")
			}
		}
	}
}

// produceLoop checks TimeLock eligibility every five seconds and, when elected,
// produces, connects, and broadcasts a block.
func (n *Node) produceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tryProduce()
		}
	}
}

func (n *Node) tryProduce() {
	slot := n.slots.CurrentSlot()
	prevHash := n.ch.TipHash()
	level, eligible, err := n.producer.Elect(slot, prevHash, time.Now())
	if err != nil || !eligible {
		return
	}
	blk, err := n.producer.Produce(slot, level, uint64(time.Now().Unix()))
	if err != nil {
		n.logger.Warn().Err(err).Msg("produce block")
		return
	}
	if err := n.ch.ProcessBlock(blk); err != nil {
		n.logger.Warn().Err(err).Msg("connect own block")
		return
	}
	n.finalized.RemoveConfirmed(txHashes(blk))
	if err := n.net.BroadcastBlock(blk); err != nil {
		n.logger.Warn().Err(err).Msg("broadcast block")
	}
}

// SubmitTransaction validates and submits a transaction into the
// TimeVote pipeline, adding it to the pending pool and casting the
// node's own vote request.
func (n *Node) SubmitTransaction(t *tx.Transaction) error {
	if _, err := n.pending.Add(t); err != nil {
		return fmt.Errorf("add to mempool: %w", err)
	}
	if err := n.votes.SubmitLocal(t); err != nil {
		n.pending.Remove(t.Hash())
		return fmt.Errorf("submit to timevote: %w", err)
	}
	return nil
}

// Height returns the current chain height.
func (n *Node) Height() uint64 { return n.ch.Height() }

// TipHash returns the current chain tip hash.
func (n *Node) TipHash() types.Hash { return n.ch.TipHash() }

// RPCAddr returns the RPC server's listen address, resolved to the actual
// bound port once Start has run (useful when the configured port is 0).
func (n *Node) RPCAddr() string {
	return n.rpcServer.Addr()
}

// Shutdown stops background work, flushes the ledger's pending writes
// (there are none buffered beyond the atomic per-call batches, so this
// reduces to persisting the tip and closing the store), and closes the
// database.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.mu.Unlock()

	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if n.cfg.RPC.Enabled {
		if err := n.rpcServer.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("stop rpc")
		}
	}

	if p2pNode, ok := n.net.(*netp2p.Node); ok {
		if err := p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("stop p2p")
		}
	}

	return n.db.Close()
}

// Stop is a convenience wrapper for Shutdown with a bounded default
// timeout, for callers (tests, simple CLIs) that don't need to pass
// their own context.
func (n *Node) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("shutdown")
	}
}

