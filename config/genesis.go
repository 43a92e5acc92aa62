package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Consensus type constants. TimeVoteTimeLock is the only consensus this
// chain runs; the field is kept (rather than hardcoded) so a future fork
// schedule can introduce an alternative without reshaping Genesis.
const (
	ConsensusTimeVoteTimeLock = "timevote-timelock"
)

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// UnstakeCooldown is the number of blocks that unstake return outputs
// are locked before they can be spent. Prevents stake-and-withdraw attacks.
const UnstakeCooldown uint64 = 20

// TokenCreationFee is the minimum transaction fee (in base units) required
// for any transaction that mints new tokens.
const TokenCreationFee = 50 * Coin

// =============================================================================
// TimeVote / TimeLock consensus timing (protocol rules, consensus-critical).
// =============================================================================

// SlotSeconds is the fixed slot length both TimeVote (for vote slot_index)
// and TimeLock (for block production timing) are keyed to.
const SlotSeconds uint64 = 600

// VoteWindowSeconds is how long a TimeVote accumulator may stay open before
// it is discarded for lack of threshold weight. Inputs revert Unspent.
const VoteWindowSeconds uint64 = 2 * SlotSeconds

// LivenessSeconds is the lookback window for the masternode active set:
// a masternode is active at slot s iff last_seen >= s*SlotSeconds - LivenessSeconds.
const LivenessSeconds uint64 = 7200

// FallbackDelaySeconds is how long TimeLock waits after a slot boundary
// before the next-lowest-VRF producer becomes eligible (TimeGuard).
const FallbackDelaySeconds uint64 = 180

// MaxFallbackLevel caps the number of additional TimeGuard producers
// tried for a single slot before it is skipped entirely.
const MaxFallbackLevel uint8 = 3

// FinalityThresholdNumerator/Denominator express the 51% accept-weight
// threshold as an integer fraction: ceil(51 * total / 100).
const (
	FinalityThresholdNumerator   = 51
	FinalityThresholdDenominator = 100
)

// DeepForkThreshold is the maximum height difference between our tip and an
// announced competing tip before reorganization is refused outright and
// surfaced for operator attention rather than silently applied.
const DeepForkThreshold uint64 = 100

// VoteDedupTTLSeconds bounds the at-most-once TimeProof broadcast dedup set
// (keyed by tx_commitment).
const VoteDedupTTLSeconds uint64 = 3600

// MasternodeTier identifies a masternode's stake tier.
type MasternodeTier string

const (
	TierFree   MasternodeTier = "free"
	TierBronze MasternodeTier = "bronze"
	TierSilver MasternodeTier = "silver"
	TierGold   MasternodeTier = "gold"
)

// TierWeight returns the TimeVote stake weight for a masternode tier.
// Zero means the tier is unrecognized.
func TierWeight(t MasternodeTier) uint64 {
	switch t {
	case TierFree:
		return 1
	case TierBronze:
		return 10
	case TierSilver:
		return 100
	case TierGold:
		return 1000
	default:
		return 0
	}
}

// TierCollateral returns the exact collateral amount (base units) a
// non-Free tier must lock to register at that tier. Free requires none.
func TierCollateral(t MasternodeTier) uint64 {
	switch t {
	case TierBronze:
		return 1_000 * Coin
	case TierSilver:
		return 10_000 * Coin
	case TierGold:
		return 100_000 * Coin
	default:
		return 0
	}
}

// MaxTokenAmount is the maximum allowed amount for a single token output.
// Set to MaxUint64/1000 so that up to ~1000 UTXOs can be safely summed
// without overflowing uint64.
const MaxTokenAmount = math.MaxUint64 / 1000

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "KGX")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// ConsensusRules defines how votes are finalized and blocks are produced.
type ConsensusRules struct {
	// Type: always "timevote-timelock" today; see ConsensusTimeVoteTimeLock.
	Type string `json:"type"`

	// TimeVote / TimeLock timing parameters.
	SlotSeconds        uint64 `json:"slot_seconds"`
	VoteWindowSeconds  uint64 `json:"vote_window_seconds"`
	FallbackDelay      uint64 `json:"fallback_delay_seconds"`
	MaxFallbackLevel   uint8  `json:"max_fallback_level"`
	LivenessSeconds    uint64 `json:"liveness_seconds"`
	DeepForkThreshold  uint64 `json:"deep_fork_threshold"`

	// Genesis-declared initial masternodes (pubkey hex). Additional
	// masternodes register on-chain after genesis via collateral lock.
	InitialMasternodes []string `json:"initial_masternodes,omitempty"`

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for the testnet genesis masternode.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetMasternodePubKey is the Ed25519 public key (hex) derived from TestnetMnemonic.
	TestnetMasternodePubKey = "0bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetMasternodePrivKey is the Ed25519 private key seed (hex) derived from TestnetMnemonic.
	TestnetMasternodePrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is the address (bech32, tkgx) derived from TestnetMnemonic.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "tlc-mainnet-1",
		ChainName: "TimeLock Mainnet",
		Symbol:    "TLC",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "TimeLock Genesis",
		Alloc: map[string]uint64{
			"tlc1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin, // Genesis allocation
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Type:              ConsensusTimeVoteTimeLock,
				SlotSeconds:       SlotSeconds,
				VoteWindowSeconds: VoteWindowSeconds,
				FallbackDelay:     FallbackDelaySeconds,
				MaxFallbackLevel:  MaxFallbackLevel,
				LivenessSeconds:   LivenessSeconds,
				DeepForkThreshold: DeepForkThreshold,
				InitialMasternodes: []string{
					"cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad04871",
				},
				BlockReward:     20 * MilliCoin,   // 0.02 coins per block
				MaxSupply:       2_000_000 * Coin, // 2,000,000 TLC total
				HalvingInterval: 0,                // No halving (configurable)
				MinFeeRate:      10_000,           // 10,000 base units per byte (~0.0000012 TLC for simple tx)
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "tlc-testnet-1"
	g.ChainName = "TimeLock Testnet"
	g.ExtraData = "TimeLock Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.MinFeeRate = 10 // 10 base units per byte (very low for testing)

	// Testnet allocation: 200,000 TLC to the well-known testnet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	// Testnet genesis masternode: derived from the well-known mnemonic.
	g.Protocol.Consensus.InitialMasternodes = []string{TestnetMasternodePubKey}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	// Validate consensus
	c := g.Protocol.Consensus
	if c.Type != ConsensusTimeVoteTimeLock {
		return fmt.Errorf("unknown consensus type: %s", c.Type)
	}
	if c.SlotSeconds == 0 {
		return fmt.Errorf("slot_seconds must be positive")
	}
	if c.VoteWindowSeconds < c.SlotSeconds {
		return fmt.Errorf("vote_window_seconds must be at least slot_seconds")
	}
	if c.FallbackDelay == 0 {
		return fmt.Errorf("fallback_delay_seconds must be positive")
	}
	if c.MaxFallbackLevel == 0 {
		return fmt.Errorf("max_fallback_level must be positive")
	}
	if c.LivenessSeconds == 0 {
		return fmt.Errorf("liveness_seconds must be positive")
	}
	if c.DeepForkThreshold == 0 {
		return fmt.Errorf("deep_fork_threshold must be positive")
	}

	if c.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	for _, pk := range c.InitialMasternodes {
		b, err := hex.DecodeString(pk)
		if err != nil || len(b) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid initial masternode pubkey %q: must be %d-byte hex", pk, ed25519.PublicKeySize)
		}
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if c.MaxSupply > 0 && totalAlloc > c.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, c.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
