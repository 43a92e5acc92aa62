// Package masternode tracks the registered masternode set: who has locked
// collateral at which tier, when each was last seen, and which subset is
// active (eligible to vote or produce) at a given TimeVote/TimeLock slot.
package masternode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Registry errors.
var (
	ErrAlreadyRegistered  = errors.New("masternode already registered")
	ErrNotRegistered      = errors.New("masternode not registered")
	ErrCollateralRequired = errors.New("non-free tier requires a collateral outpoint")
	ErrCollateralNotLocked = errors.New("collateral outpoint is not a Locked coin owned by this masternode")
	ErrCollateralWrongValue = errors.New("collateral value does not match tier requirement")
	ErrUnknownTier        = errors.New("unknown masternode tier")
)

// Masternode is one registered entry in the active-set-eligible pool.
type Masternode struct {
	ID                 []byte               // Ed25519 public key, 32 bytes.
	Tier               config.MasternodeTier
	Weight             uint64
	CollateralOutpoint *types.Outpoint // nil for Free tier.
	RewardAddress      types.Address
	LastSeen           uint64 // Unix seconds of the last signed message received.
	VRFPublicKey       []byte // compressed secp256k1 key for TimeLock sortition, set separately via SetVRFKey.
}

// ActiveEntry is one member of an active-set snapshot.
type ActiveEntry struct {
	ID           []byte
	Weight       uint64
	VRFPublicKey []byte
}

// Registry is the in-memory masternode bookkeeping layer sitting on top of
// the coin ledger. Registration looks the collateral outpoint up with
// coins.Get and checks it against one of four fixed tier amounts rather
// than a single minStake threshold.
type Registry struct {
	mu sync.RWMutex

	coins utxo.Set

	slotSeconds     uint64
	livenessSeconds uint64

	nodes map[string]*Masternode
}

// NewRegistry creates a masternode registry backed by coins for collateral
// verification. slotSeconds/livenessSeconds are passed explicitly (rather
// than read from config globals) so tests can exercise the liveness
// boundary without waiting on wall-clock slots.
func NewRegistry(coins utxo.Set, slotSeconds, livenessSeconds uint64) *Registry {
	return &Registry{
		coins:           coins,
		slotSeconds:     slotSeconds,
		livenessSeconds: livenessSeconds,
		nodes:           make(map[string]*Masternode),
	}
}

// Register adds a new masternode at the given tier. Non-Free tiers must
// supply a collateral outpoint that is currently a Locked coin, tagged
// with this masternode's ID, and worth exactly the tier's collateral
// amount, verified here rather than trusted from the caller.
func (r *Registry) Register(id []byte, tier config.MasternodeTier, collateral *types.Outpoint, reward types.Address, now uint64) error {
	weight := config.TierWeight(tier)
	if weight == 0 {
		return coreerr.New(coreerr.ValidationError, fmt.Errorf("%w: %s", ErrUnknownTier, tier))
	}

	if tier != config.TierFree {
		if collateral == nil {
			return coreerr.New(coreerr.ValidationError, ErrCollateralRequired)
		}
		coin, err := r.coins.Get(*collateral)
		if err != nil {
			return coreerr.New(coreerr.ValidationError, fmt.Errorf("%w: %s", ErrCollateralNotLocked, err))
		}
		if coin.State != types.Locked || !bytes.Equal(coin.MasternodeID, id) {
			return coreerr.New(coreerr.ValidationError, ErrCollateralNotLocked)
		}
		if coin.Value != config.TierCollateral(tier) {
			return coreerr.New(coreerr.ValidationError, ErrCollateralWrongValue)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(id)
	if _, ok := r.nodes[key]; ok {
		return coreerr.New(coreerr.ValidationError, ErrAlreadyRegistered)
	}
	r.nodes[key] = &Masternode{
		ID:                 append([]byte(nil), id...),
		Tier:               tier,
		Weight:             weight,
		CollateralOutpoint: collateral,
		RewardAddress:      reward,
		LastSeen:           now,
	}
	return nil
}

// Heartbeat bumps last_seen for id to now. Called on any signed message
// received from that masternode (a vote, a produced block, a gossip ping).
func (r *Registry) Heartbeat(id []byte, now uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.nodes[string(id)]
	if !ok {
		return coreerr.New(coreerr.ValidationError, ErrNotRegistered)
	}
	if now > mn.LastSeen {
		mn.LastSeen = now
	}
	return nil
}

// SetVRFKey attaches id's VRF public key (compressed secp256k1, distinct
// from its Ed25519 identity key) for TimeLock sortition. Separate from
// Register because a masternode may rotate its VRF key without
// re-registering its collateral.
func (r *Registry) SetVRFKey(id, vrfPub []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.nodes[string(id)]
	if !ok {
		return coreerr.New(coreerr.ValidationError, ErrNotRegistered)
	}
	mn.VRFPublicKey = append([]byte(nil), vrfPub...)
	return nil
}

// Deregister removes id from the registry. Collateral unlock, explicit
// operator request, and liveness expiry for reward purposes all route
// here; votes already cast by a deregistered masternode still count
// towards whatever accumulator they were added to (the accumulator copies
// voter_weight at vote time, it does not look the voter back up).
func (r *Registry) Deregister(id []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(id)
	if _, ok := r.nodes[key]; !ok {
		return coreerr.New(coreerr.ValidationError, ErrNotRegistered)
	}
	delete(r.nodes, key)
	return nil
}

// Get returns the registered masternode for id, if any.
func (r *Registry) Get(id []byte) (*Masternode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mn, ok := r.nodes[string(id)]
	if !ok {
		return nil, false
	}
	cp := *mn
	return &cp, true
}

// livenessCutoff returns the last_seen floor a masternode must meet to be
// active at slot s: last_seen >= s*slot_seconds - liveness_seconds.
func (r *Registry) livenessCutoff(slot uint64) uint64 {
	boundary := slot * r.slotSeconds
	if boundary < r.livenessSeconds {
		return 0
	}
	return boundary - r.livenessSeconds
}

// ActiveSet returns every masternode whose last_seen falls within the
// liveness window at the given slot, sorted by ID for canonical ordering:
// every node must agree on the same ordering regardless of registration
// order.
func (r *Registry) ActiveSet(slot uint64) []ActiveEntry {
	cutoff := r.livenessCutoff(slot)

	r.mu.RLock()
	entries := make([]ActiveEntry, 0, len(r.nodes))
	for _, mn := range r.nodes {
		if mn.LastSeen >= cutoff {
			entries = append(entries, ActiveEntry{
				ID:           append([]byte(nil), mn.ID...),
				Weight:       mn.Weight,
				VRFPublicKey: append([]byte(nil), mn.VRFPublicKey...),
			})
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].ID, entries[j].ID) < 0
	})
	return entries
}

// TotalWeight returns the sum of stake weight across the active set at slot.
func (r *Registry) TotalWeight(slot uint64) uint64 {
	cutoff := r.livenessCutoff(slot)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, mn := range r.nodes {
		if mn.LastSeen >= cutoff {
			total += mn.Weight
		}
	}
	return total
}

// IsActive reports whether id is in the active set at slot.
func (r *Registry) IsActive(id []byte, slot uint64) bool {
	cutoff := r.livenessCutoff(slot)
	r.mu.RLock()
	defer r.mu.RUnlock()
	mn, ok := r.nodes[string(id)]
	if !ok {
		return false
	}
	return mn.LastSeen >= cutoff
}

// Count returns the number of currently registered masternodes
// (irrespective of liveness).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
