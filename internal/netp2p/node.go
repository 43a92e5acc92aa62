// Package netp2p is the concrete libp2p-backed implementation of
// internal/netiface.Net: GossipSub for the five broadcast message types,
// request/response streams for the three unicast ones, plus the
// peer-management machinery (ban list, discovery, persistence) the core
// doesn't need to know about.
package netp2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/timelock-chain/tlcd/config"
	klog "github.com/timelock-chain/tlcd/internal/log"
	"github.com/timelock-chain/tlcd/internal/netiface"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	dhtRendezvousFallback = "tlc-chain"
	dhtDiscoveryInterval  = 30 * time.Second
	peerConnectTimeout    = 5 * time.Second
	streamReadTimeout     = 10 * time.Second
	maxStreamBytes        = 10 * 1024 * 1024
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Peer persistence (nil = disabled, for tests)
	DHTServer  bool
	NetworkID  string
	DataDir    string
}

// Node is a libp2p-backed netiface.Net.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	voteReqHandler   netiface.VoteRequestHandler
	voteHandler      netiface.VoteHandler
	proofHandler     netiface.TimeProofHandler
	finalizedHandler netiface.TxFinalizedHandler
	blockHandler     netiface.BlockHandler
	getHeadersFn     netiface.GetHeadersHandler
	getBlockFn       netiface.GetBlockHandler
	tipAdvertHandler netiface.PeerTipAdvertHandler

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager      *BanManager
	peerStore       *PeerStore
	dht             *dht.IpfsDHT
	connNotify      *connNotifier
	onPeerConnected func()

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "tlc/" + n.config.NetworkID
	}
	return dhtRendezvousFallback
}

// SetGenesisHash enables the handshake protocol, rejecting peers whose
// genesis hash doesn't match ours.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (types.Hash{})
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// SetPeerConnectedHandler registers a callback invoked when a new peer connects.
func (n *Node) SetPeerConnectedHandler(fn func()) {
	n.onPeerConnected = fn
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	if n.config.DB != nil {
		banStore := NewBanStore(n.config.DB)
		n.BanManager = NewBanManager(banStore, n)
		n.BanManager.LoadBans()
	} else {
		n.BanManager = NewBanManager(nil, n)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}

	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(config.MaxBlockSize+64*1024),
	)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}
	n.registerStreamHandlers()

	go n.readLoop(TopicVoteRequest, n.dispatchVoteRequest)
	go n.readLoop(TopicVote, n.dispatchVote)
	go n.readLoop(TopicTimeProof, n.dispatchTimeProof)
	go n.readLoop(TopicTxFinalized, n.dispatchTxFinalized)
	go n.readLoop(TopicBlock, n.dispatchBlock)

	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		klog.WithComponent("netp2p").Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}

	if n.peerStore != nil {
		go n.runPersistLoop()
	}

	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.persistPeers()
	n.cancel()
	for _, sub := range n.subs {
		sub.Cancel()
	}
	for _, t := range n.topics {
		t.Close()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

func (n *Node) Host() host.Host { return n.host }

func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers satisfies netiface.Net.
func (n *Node) Peers() []netiface.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]netiface.PeerID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, netiface.PeerID(id.String()))
	}
	return out
}

func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *Node) joinTopics() error {
	for _, name := range []string{TopicVoteRequest, TopicVote, TopicTimeProof, TopicTxFinalized, TopicBlock} {
		t, err := n.pubsub.Join(name)
		if err != nil {
			return fmt.Errorf("join topic %s: %w", name, err)
		}
		sub, err := t.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe topic %s: %w", name, err)
		}
		n.topics[name] = t
		n.subs[name] = sub
	}
	return nil
}

func (n *Node) readLoop(topic string, dispatch func(netiface.PeerID, []byte)) {
	sub := n.subs[topic]
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.addPeer(msg.ReceivedFrom)
		func() {
			defer func() { recover() }()
			dispatch(netiface.PeerID(msg.ReceivedFrom.String()), msg.Data)
		}()
	}
}

func (n *Node) dispatchVoteRequest(from netiface.PeerID, data []byte) {
	if n.voteReqHandler == nil {
		return
	}
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		n.penalize(from, PenaltyInvalidTx, "bad vote request: "+err.Error())
		return
	}
	n.voteReqHandler(from, &t)
}

func (n *Node) dispatchVote(from netiface.PeerID, data []byte) {
	if n.voteHandler == nil {
		return
	}
	var v timevote.Vote
	if err := json.Unmarshal(data, &v); err != nil {
		n.penalize(from, PenaltyInvalidTx, "bad vote: "+err.Error())
		return
	}
	n.voteHandler(from, v)
}

func (n *Node) dispatchTimeProof(from netiface.PeerID, data []byte) {
	if n.proofHandler == nil {
		return
	}
	var tp timevote.TimeProof
	if err := json.Unmarshal(data, &tp); err != nil {
		n.penalize(from, PenaltyInvalidTx, "bad timeproof: "+err.Error())
		return
	}
	n.proofHandler(from, tp)
}

func (n *Node) dispatchTxFinalized(from netiface.PeerID, data []byte) {
	if n.finalizedHandler == nil {
		return
	}
	var f netiface.TxFinalized
	if err := json.Unmarshal(data, &f); err != nil {
		n.penalize(from, PenaltyInvalidTx, "bad tx-finalized: "+err.Error())
		return
	}
	n.finalizedHandler(from, f)
}

func (n *Node) dispatchBlock(from netiface.PeerID, data []byte) {
	if n.blockHandler == nil {
		return
	}
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		n.penalize(from, PenaltyInvalidBlock, "bad block: "+err.Error())
		return
	}
	n.blockHandler(from, &b)
}

func (n *Node) penalize(from netiface.PeerID, penalty int, reason string) {
	if n.BanManager == nil {
		return
	}
	id, err := peer.Decode(string(from))
	if err != nil {
		return
	}
	n.BanManager.RecordOffense(id, penalty, reason)
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	_ = svc.Start()
}

func (n *Node) connectSeedsOnce() bool {
	logger := klog.WithComponent("netp2p")
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logger.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			logger.Warn().Str("peer", info.ID.String()[:16]).Err(err).Msg("Seed connect failed")
		} else {
			n.addPeer(info.ID)
			connected = true
		}
	}
	return connected
}

func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(10 * time.Second):
			if n.PeerCount() == 0 {
				n.connectSeedsOnce()
			}
		}
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Node) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
			return
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(connectCtx, p); err == nil {
			n.mu.Lock()
			if existing, ok := n.peers[p.ID]; ok && existing.Source == "" {
				existing.Source = "dht"
			}
			n.mu.Unlock()
		}
		connectCancel()
	}
}

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	n.mu.RLock()
	snapshot := make([]peer.ID, 0, len(n.peers))
	sources := make(map[peer.ID]string)
	for id, p := range n.peers {
		snapshot = append(snapshot, id)
		sources[id] = p.Source
	}
	n.mu.RUnlock()

	now := time.Now().Unix()
	for _, id := range snapshot {
		addrs := n.host.Peerstore().Addrs(id)
		addrStrs := make([]string, len(addrs))
		for i, a := range addrs {
			addrStrs[i] = a.String()
		}
		rec := PeerRecord{ID: id.String(), Addrs: addrStrs, LastSeen: now, Source: sources[id]}
		n.peerStore.Save(rec)
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	n.peerStore.PruneStale(staleThreshold)
	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			ma, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", addr, rec.ID))
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ma.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		n.host.Connect(ctx, info)
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}

func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

var _ network.Notifiee = (*connNotifier)(nil)
