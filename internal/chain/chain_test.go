package chain

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/clockutil"
	"github.com/timelock-chain/tlcd/internal/masternode"
	"github.com/timelock-chain/tlcd/internal/mempool"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/internal/timelock"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// testSlotSeconds keeps slot boundaries one second apart instead of
// config.SlotSeconds' real 600, so a test can walk a dozen slots without its
// block timestamps drifting outside ProcessBlock's wall-clock tolerances
// (the max-future check and TimeLock's fallback-eligibility window both
// compare a block's timestamp against real time.Now(), not the mock clock).
const testSlotSeconds = 1

// testNode bundles the dependencies a Chain needs so tests can build
// producers that share the exact same registry/slot clock the chain
// validates against.
type testNode struct {
	chain    *Chain
	ledger   *utxo.Ledger
	registry *masternode.Registry
	slots    *clockutil.SlotClock
	mock     *clock.Mock
	gen      *config.Genesis
}

func newTestNode(t *testing.T) (*testNode, crypto.PrivateKey, types.Address) {
	t.Helper()

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.AddressFromPubKey(signer.PublicKey())

	db := storage.NewMemory()
	store := utxo.NewStore(db)
	ledger := utxo.NewLedger(db, store)
	registry := masternode.NewRegistry(store, testSlotSeconds, config.LivenessSeconds)

	// Anchor the slot clock at the real current time (rather than the Unix
	// epoch) so blocks minted at a mock-advanced slot still fall within
	// ProcessBlock's real-wall-clock freshness checks.
	genesisTime := time.Now()
	mock := clock.NewMock()
	mock.Set(genesisTime)
	slots := clockutil.NewSlotClock(mock, genesisTime, testSlotSeconds*time.Second)

	gen := &config.Genesis{
		ChainID:   "test-chain",
		ChainName: "Test Chain",
		Timestamp: 0,
		Alloc: map[string]uint64{
			addr.String(): 100_000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Type:              config.ConsensusTimeVoteTimeLock,
				SlotSeconds:       testSlotSeconds,
				LivenessSeconds:   config.LivenessSeconds,
				DeepForkThreshold: 3,
				BlockReward:       1000,
				MaxSupply:         1_000_000,
			},
		},
	}

	ch, err := New(types.ChainID{}, db, ledger, registry, slots)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	return &testNode{chain: ch, ledger: ledger, registry: registry, slots: slots, mock: mock, gen: gen}, *signer, addr
}

// registerSelf registers a sole masternode, always the eligible primary
// producer for every slot, and returns its identity for building Producers.
// The registry requires id to be the node's Ed25519 public key, the same
// convention timelock.Self documents for ID/Signer.
func registerSelf(t *testing.T, n *testNode, reward types.Address) timelock.Self {
	t.Helper()

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate producer signer: %v", err)
	}
	vrfKey, err := crypto.GenerateVRFKey()
	if err != nil {
		t.Fatalf("generate vrf key: %v", err)
	}
	id := append([]byte(nil), signer.PublicKey()...)

	if err := n.registry.Register(id, config.TierFree, nil, reward, 0); err != nil {
		t.Fatalf("register masternode: %v", err)
	}
	if err := n.registry.SetVRFKey(id, vrfKey.PublicKey()); err != nil {
		t.Fatalf("set vrf key: %v", err)
	}
	if err := n.registry.Heartbeat(id, uint64(n.mock.Now().Unix())+config.LivenessSeconds); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	return timelock.Self{ID: id, Signer: signer, VRF: vrfKey, Reward: reward}
}

// producerFor builds a Producer for self against an arbitrary chain tip,
// letting a test drive two independently-extending chains (the active one
// and a sibling standing in for a peer's branch) with the same masternode
// identity.
func producerFor(t *testing.T, n *testNode, self timelock.Self, tip timelock.ChainTip, finalized timelock.FinalizedSource) *timelock.Producer {
	t.Helper()
	p, err := timelock.New(registryAdapter{r: n.registry}, tip, finalized, n.slots, self, n.gen.Protocol.Consensus.BlockReward,
		timelock.WithSupplyCap(n.gen.Protocol.Consensus.MaxSupply, n.chain.Supply))
	if err != nil {
		t.Fatalf("timelock.New: %v", err)
	}
	return p
}

// siblingChain builds an independent Chain over its own store, initialized
// from the same genesis config and sharing the node's registry and slot
// clock, so a masternode registered once can produce on both chains and the
// two share a byte-identical genesis block.
func siblingChain(t *testing.T, n *testNode) *Chain {
	t.Helper()
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	ledger := utxo.NewLedger(db, store)
	ch, err := New(types.ChainID{}, db, ledger, n.registry, n.slots)
	if err != nil {
		t.Fatalf("New sibling chain: %v", err)
	}
	if err := ch.InitFromGenesis(n.gen); err != nil {
		t.Fatalf("InitFromGenesis sibling: %v", err)
	}
	return ch
}

func mustProcess(t *testing.T, ch *Chain, blk *block.Block) {
	t.Helper()
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
}

// buildFinalizedTransfer signs a transfer spending the genesis allocation
// coin and a matching TimeProof (a single Accept vote from voter), the way
// a node's own TimeVote accumulator would hand a producer a finalized
// transaction to include in its next block.
func buildFinalizedTransfer(t *testing.T, n *testNode, signer crypto.PrivateKey, addr types.Address, voter timelock.Self, slot uint64) (*tx.Transaction, timevote.TimeProof) {
	t.Helper()

	genesisBlk, err := n.chain.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("load genesis: %v", err)
	}
	outpoint := types.Outpoint{TxID: genesisBlk.Transactions[0].Hash(), Index: 0}

	transfer := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: outpoint, PubKey: append([]byte(nil), signer.PublicKey()...)}},
		Outputs: []tx.Output{{Value: 99_000, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()}}},
	}
	txHash := transfer.Hash()
	sig, err := signer.Sign(txHash[:])
	if err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	transfer.Inputs[0].Signature = sig

	vote := timevote.Vote{
		TxCommitment: transfer.Hash(),
		SlotIndex:    slot,
		VoterID:      voter.ID,
		VoterWeight:  config.TierWeight(config.TierFree),
		Decision:     timevote.Accept,
	}
	voteSig, err := voter.Signer.Sign(vote.SigningBytes())
	if err != nil {
		t.Fatalf("sign vote: %v", err)
	}
	vote.Sig = voteSig

	proof := timevote.TimeProof{
		TxCommitment:      transfer.Hash(),
		SlotIndex:         slot,
		Votes:             []timevote.Vote{vote},
		AccumulatedWeight: vote.VoterWeight,
	}
	return transfer, proof
}

func TestInitFromGenesis_SeedsAllocationsAsUnspent(t *testing.T) {
	n, _, addr := newTestNode(t)

	if n.chain.Height() != 0 {
		t.Fatalf("expected height 0, got %d", n.chain.Height())
	}
	if n.chain.Supply() != 100_000 {
		t.Fatalf("expected supply 100000, got %d", n.chain.Supply())
	}

	coins, err := n.ledger.Store().GetByAddress(addr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if len(coins) != 1 || coins[0].State != types.Unspent {
		t.Fatalf("expected one Unspent genesis coin, got %+v", coins)
	}
}

func TestProcessBlock_ConnectsCoinbaseOnlyBlockAtTip(t *testing.T) {
	n, _, _ := newTestNode(t)
	self := registerSelf(t, n, types.Address{9})
	producer := producerFor(t, n, self, n.chain, mempool.NewFinalizedPool())

	n.mock.Set(n.slots.SlotStart(1))
	blk, err := producer.Produce(1, 0, uint64(n.mock.Now().Unix()))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	mustProcess(t, n.chain, blk)

	if n.chain.Height() != 1 {
		t.Fatalf("expected height 1, got %d", n.chain.Height())
	}
	if n.chain.Supply() != 100_000+1000 {
		t.Fatalf("expected supply to grow by block reward, got %d", n.chain.Supply())
	}
	if n.chain.TipHash() != blk.Hash() {
		t.Fatal("tip hash did not advance to the new block")
	}
}

func TestProcessBlock_RejectsUnsignedHeader(t *testing.T) {
	n, _, _ := newTestNode(t)
	self := registerSelf(t, n, types.Address{9})
	producer := producerFor(t, n, self, n.chain, mempool.NewFinalizedPool())

	n.mock.Set(n.slots.SlotStart(1))
	blk, err := producer.Produce(1, 0, uint64(n.mock.Now().Unix()))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	blk.Header.ProducerSig = nil

	if err := n.chain.ProcessBlock(blk); err == nil {
		t.Fatal("expected an unsigned header to be rejected")
	}
}

func TestProcessBlock_RejectsProducerNotInActiveSet(t *testing.T) {
	n, _, _ := newTestNode(t)
	self := registerSelf(t, n, types.Address{9})
	producer := producerFor(t, n, self, n.chain, mempool.NewFinalizedPool())

	n.mock.Set(n.slots.SlotStart(1))
	blk, err := producer.Produce(1, 0, uint64(n.mock.Now().Unix()))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	// Deregister the producer after the block was built but before it's
	// submitted, simulating a block from a masternode that's since dropped
	// out of the active set.
	if err := n.registry.Deregister(self.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	if err := n.chain.ProcessBlock(blk); err == nil {
		t.Fatal("expected rejection once the producer left the active set")
	}
}

func TestReorg_SwitchesToHeavierBranch(t *testing.T) {
	n, signer, addr := newTestNode(t)
	self := registerSelf(t, n, types.Address{9})
	producerA := producerFor(t, n, self, n.chain, mempool.NewFinalizedPool())

	n.mock.Set(n.slots.SlotStart(1))
	blkA1, err := producerA.Produce(1, 0, uint64(n.mock.Now().Unix()))
	if err != nil {
		t.Fatalf("Produce A1: %v", err)
	}
	mustProcess(t, n.chain, blkA1)

	n.mock.Set(n.slots.SlotStart(2))
	blkA2, err := producerA.Produce(2, 0, uint64(n.mock.Now().Unix()))
	if err != nil {
		t.Fatalf("Produce A2: %v", err)
	}
	mustProcess(t, n.chain, blkA2)

	if n.chain.Height() != 2 {
		t.Fatalf("expected height 2 on branch A, got %d", n.chain.Height())
	}

	// A sibling chain shares genesis and branch A's first block, then
	// diverges: its next block carries a TimeProof-backed transfer, so it
	// accumulates real TimeVote weight that branch A's coinbase-only blocks
	// never do. Chain-work, not block count, decides the winner.
	sib := siblingChain(t, n)
	mustProcess(t, sib, blkA1)

	transferTx, proof := buildFinalizedTransfer(t, n, signer, addr, self, 3)
	pool := mempool.NewFinalizedPool()
	if err := pool.AddFinalized(transferTx, proof); err != nil {
		t.Fatalf("AddFinalized: %v", err)
	}
	producerB := producerFor(t, n, self, sib, pool)

	n.mock.Set(n.slots.SlotStart(3))
	blkB2, err := producerB.Produce(3, 0, uint64(n.mock.Now().Unix()))
	if err != nil {
		t.Fatalf("Produce B2: %v", err)
	}

	if err := n.chain.ProcessBlock(blkB2); err != nil {
		t.Fatalf("ProcessBlock B2 (fork candidate): %v", err)
	}

	if n.chain.Height() != 2 {
		t.Fatalf("expected the winning fork to still be height 2, got %d", n.chain.Height())
	}
	if n.chain.TipHash() != blkB2.Hash() {
		t.Fatal("expected the heavier (TimeVote-backed) fork to become the new tip")
	}
}

func TestCollectBranch_RejectsReorgBeyondDeepForkThreshold(t *testing.T) {
	n, _, _ := newTestNode(t)
	self := registerSelf(t, n, types.Address{9})
	producerA := producerFor(t, n, self, n.chain, mempool.NewFinalizedPool())

	for slot := uint64(1); slot <= 5; slot++ {
		n.mock.Set(n.slots.SlotStart(slot))
		blk, err := producerA.Produce(slot, 0, uint64(n.mock.Now().Unix()))
		if err != nil {
			t.Fatalf("Produce slot %d: %v", slot, err)
		}
		mustProcess(t, n.chain, blk)
	}
	if n.chain.Height() != 5 {
		t.Fatalf("expected height 5, got %d", n.chain.Height())
	}

	// An independent branch, 5 blocks deep from genesis -- deeper than the
	// configured threshold of 3 -- must be refused outright rather than
	// silently rebuilt.
	sib := siblingChain(t, n)
	producerB := producerFor(t, n, self, sib, mempool.NewFinalizedPool())

	var altBlocks []*block.Block
	for slot := uint64(11); slot <= 15; slot++ {
		n.mock.Set(n.slots.SlotStart(slot))
		blk, err := producerB.Produce(slot, 0, uint64(n.mock.Now().Unix()))
		if err != nil {
			t.Fatalf("Produce alt slot %d: %v", slot, err)
		}
		mustProcess(t, sib, blk)
		altBlocks = append(altBlocks, blk)
	}

	var lastErr error
	for i, blk := range altBlocks {
		err := n.chain.ProcessBlock(blk)
		if i < len(altBlocks)-1 {
			if err != nil {
				t.Fatalf("alt block %d should be stored as a shallow fork candidate, got error: %v", i, err)
			}
			continue
		}
		lastErr = err
	}

	if lastErr == nil {
		t.Fatal("expected the deep fork to be rejected")
	}
	if !errors.Is(lastErr, ErrReorgTooDeep) {
		t.Fatalf("expected ErrReorgTooDeep, got %v", lastErr)
	}
	if n.chain.Height() != 5 {
		t.Fatalf("main chain height must be unchanged after a refused deep reorg, got %d", n.chain.Height())
	}
}
