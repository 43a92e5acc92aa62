package timelock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/clockutil"
	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/internal/mempool"
	"github.com/timelock-chain/tlcd/internal/timevote"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Producer errors.
var (
	ErrNoSigner      = errors.New("producer has no Ed25519 signing key configured")
	ErrNoVRFKey      = errors.New("producer has no VRF key configured")
	ErrSlotExhausted = errors.New("slot's fallback schedule is exhausted")
)

// RegistryView is the subset of masternode.Registry the producer needs:
// the active set and its VRF keys for a given slot.
type RegistryView interface {
	ActiveSet(slot uint64) []ActiveMasternode
}

// ActiveMasternode mirrors masternode.ActiveEntry, narrowed so this
// package doesn't need to import internal/masternode directly.
type ActiveMasternode struct {
	ID           []byte
	Weight       uint64
	VRFPublicKey []byte
}

// ChainTip provides the chain state a new block extends.
type ChainTip interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
}

// FinalizedSource selects TimeProof-backed transactions for inclusion,
// satisfied by *mempool.FinalizedPool.
type FinalizedSource interface {
	SelectForBlock(limit int) []mempool.TimeProvenTx
}

// Self holds the local masternode's identity for production: its Ed25519
// signing key (for ProducerSig), its VRF key (for sortition), and its
// registry ID (its Ed25519 public key, by convention the same bytes as
// Signer.PublicKey()).
type Self struct {
	ID     []byte
	Signer *crypto.PrivateKey
	VRF    *crypto.VRFKey
	Reward types.Address
}

// Producer builds and seals TimeLock blocks when the local masternode is
// elected for a slot, at the primary level or a TimeGuard fallback level.
type Producer struct {
	registry    RegistryView
	chain       ChainTip
	finalized   FinalizedSource
	slots       *clockutil.SlotClock
	self        Self
	blockReward uint64
	maxSupply   uint64 // 0 = unlimited
	supplyFn    func() uint64
}

// Option configures optional Producer behavior.
type Option func(*Producer)

// WithSupplyCap caps the coinbase reward so cumulative supply never
// exceeds maxSupply. supplyFn reports current total supply; maxSupply of 0
// disables the cap.
func WithSupplyCap(maxSupply uint64, supplyFn func() uint64) Option {
	return func(p *Producer) {
		p.maxSupply = maxSupply
		p.supplyFn = supplyFn
	}
}

// New builds a Producer. self.Signer and self.VRF are both required: the
// engine refuses to assemble blocks it cannot sortition for or sign.
func New(registry RegistryView, chain ChainTip, finalized FinalizedSource, slots *clockutil.SlotClock, self Self, blockReward uint64, opts ...Option) (*Producer, error) {
	if registry == nil {
		return nil, coreerr.New(coreerr.ConfigError, errors.New("timelock: registry is nil"))
	}
	if chain == nil {
		return nil, coreerr.New(coreerr.ConfigError, errors.New("timelock: chain tip is nil"))
	}
	if finalized == nil {
		return nil, coreerr.New(coreerr.ConfigError, errors.New("timelock: finalized source is nil"))
	}
	if slots == nil {
		return nil, coreerr.New(coreerr.ConfigError, errors.New("timelock: slot clock is nil"))
	}
	if self.Signer == nil {
		return nil, coreerr.New(coreerr.ConfigError, ErrNoSigner)
	}
	if self.VRF == nil {
		return nil, coreerr.New(coreerr.ConfigError, ErrNoVRFKey)
	}
	p := &Producer{
		registry:    registry,
		chain:       chain,
		finalized:   finalized,
		slots:       slots,
		self:        self,
		blockReward: blockReward,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Elect computes the active set's VRF ranking for slot s and reports
// whether the local masternode is eligible to produce at the given
// fallback level (elapsed time since the slot boundary determines which
// levels are currently open, per EligibleFallbackLevel).
func (p *Producer) Elect(slot uint64, prevHash types.Hash, now time.Time) (level uint8, eligible bool, err error) {
	elapsed := now.Sub(p.slots.SlotStart(slot))
	maxLevel, ok := EligibleFallbackLevel(elapsed)
	if !ok {
		return 0, false, coreerr.New(coreerr.ConsensusError, ErrSlotExhausted)
	}

	ranked, err := p.selfRanked(slot, prevHash)
	if err != nil {
		return 0, false, err
	}

	for lvl := uint8(0); lvl <= maxLevel; lvl++ {
		candidate, ok := ProducerForLevel(ranked, lvl)
		if !ok {
			continue
		}
		if string(candidate.ID) == string(p.self.ID) {
			return lvl, true, nil
		}
	}
	return 0, false, nil
}

// selfRanked ranks the active set, substituting our own freshly computed
// VRF output for our entry. Peers' outputs are learned from gossip
// candidacy messages or accepted blocks, not recomputed here; a node only
// needs to know its OWN rank to decide whether to produce, so every other
// active masternode is ranked with a placeholder output that sorts after
// every real one until we observe theirs.
func (p *Producer) selfRanked(slot uint64, prevHash types.Hash) ([]Candidate, error) {
	active := p.registry.ActiveSet(slot)
	seed := SlotSeed(prevHash, slot)

	// All 0xff and one byte longer than any real VRF output, so
	// bytes.Compare places it after all of them.
	unseen := make([]byte, crypto.VRFOutputSize+1)
	for i := range unseen {
		unseen[i] = 0xff
	}

	candidates := make([]Candidate, 0, len(active))
	for _, mn := range active {
		if string(mn.ID) == string(p.self.ID) {
			beta, pi, err := p.self.VRF.Prove(seed[:])
			if err != nil {
				return nil, coreerr.New(coreerr.ConsensusError, fmt.Errorf("vrf prove: %w", err))
			}
			candidates = append(candidates, Candidate{ID: mn.ID, Output: beta, Proof: pi})
			continue
		}
		candidates = append(candidates, Candidate{ID: mn.ID, Output: unseen})
	}
	return Rank(candidates), nil
}

// Produce builds and seals a block for slot at fallbackLevel, assuming
// Elect already confirmed local eligibility. timestamp must be >= the
// chain tip's timestamp + 1 (monotonicity).
func (p *Producer) Produce(slot uint64, fallbackLevel uint8, timestamp uint64) (*block.Block, error) {
	if timestamp <= p.chain.TipTimestamp() {
		timestamp = p.chain.TipTimestamp() + 1
	}

	prevHash := p.chain.TipHash()
	seed := SlotSeed(prevHash, slot)
	_, pi, err := p.self.VRF.Prove(seed[:])
	if err != nil {
		return nil, coreerr.New(coreerr.ConsensusError, fmt.Errorf("vrf prove: %w", err))
	}

	height := p.chain.Height() + 1

	selected := p.finalized.SelectForBlock(config.MaxBlockTxs - 1)
	txs := make([]*tx.Transaction, 0, len(selected))
	timeProofs := make([]timevote.TimeProof, 0, len(selected))
	for _, s := range selected {
		txs = append(txs, s.Tx)
		timeProofs = append(timeProofs, s.Proof)
	}

	reward := p.blockReward
	if p.maxSupply > 0 && p.supplyFn != nil {
		current := p.supplyFn()
		switch {
		case current >= p.maxSupply:
			reward = 0
		case current+reward > p.maxSupply:
			reward = p.maxSupply - current
		}
	}

	coinbase := BuildCoinbase(p.self.Reward, reward, height)
	allTxs := append([]*tx.Transaction{coinbase}, txs...)

	txHashes := make([]types.Hash, len(allTxs))
	for i, t := range allTxs {
		txHashes[i] = t.Hash()
	}
	merkleRoot := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:       block.CurrentVersion,
		PrevHash:      prevHash,
		MerkleRoot:    merkleRoot,
		Timestamp:     timestamp,
		Height:        height,
		ProducerID:    p.self.ID,
		VRFProof:      pi,
		TimeProofs:    timeProofs,
		FallbackLevel: fallbackLevel,
	}

	hash := header.Hash()
	sig, err := p.self.Signer.Sign(hash[:])
	if err != nil {
		return nil, coreerr.New(coreerr.ConsensusError, fmt.Errorf("seal block: %w", err))
	}
	header.ProducerSig = sig

	return block.NewBlock(header, allTxs), nil
}

// BuildCoinbase creates a coinbase transaction paying reward to addr at
// height. The height is encoded into the input's signature field, BIP34-
// style, so that otherwise-identical coinbases across blocks still hash
// uniquely.
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value:  reward,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
		}},
	}
}
