package timevote

import (
	"context"
	"errors"
	"fmt"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/clockutil"
	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Engine errors.
var (
	ErrNoBroadcaster  = errors.New("timevote: broadcast callback is required")
	ErrUnknownTx      = errors.New("timevote: no pending accumulator for this tx_commitment")
	ErrBadSlot        = errors.New("timevote: vote slot_index too far from accumulator's")
	ErrVoterNotActive = errors.New("timevote: voter is not in the active set at this slot")
	ErrVoterCounted   = errors.New("timevote: voter already counted for this tx")
	ErrBadSignature   = errors.New("timevote: vote signature does not verify")
	ErrNotCollecting  = errors.New("timevote: accumulator is not accepting votes")
)

// RegistryView is the slice of masternode.Registry the engine depends on.
// Narrowed to an interface so tests can supply a fake active set without
// constructing a real registry.
type RegistryView interface {
	IsActive(id []byte, slot uint64) bool
	TotalWeight(slot uint64) uint64
}

// LedgerView is the slice of utxo.Ledger the engine drives directly.
type LedgerView interface {
	BeginSpend(outpoints []types.Outpoint) error
	AbortSpend(outpoints []types.Outpoint) error
	FinalizeSpend(outpoints []types.Outpoint) error
}

// Validator checks a transaction's structure and signatures against the
// current UTXO view before its inputs are ever locked, ordinarily
// pkg/tx.Transaction.ValidateWithUTXOs bound to the live coin store.
type Validator interface {
	Validate(t *tx.Transaction) (fee uint64, err error)
}

// FinalizedSink receives transactions once their TimeProof is emitted or
// accepted from a peer, moving them from the pending pool to the
// finalized pool the block producer drains from.
type FinalizedSink interface {
	AddFinalized(t *tx.Transaction, proof TimeProof) error
}

// Broadcaster is the engine's sole channel to the network. A nil
// Broadcaster is a hard initialization error; there is no silent no-op
// fallback.
type Broadcaster interface {
	BroadcastVoteRequest(t *tx.Transaction) error
	BroadcastVote(v Vote) error
	BroadcastTimeProof(tp TimeProof) error
}

// Self identifies this node as a masternode that casts its own votes. Nil
// if this node does not vote (observer-only). Weight is this masternode's
// tier weight, fixed at registration time, independent of liveness, so
// it is safe to carry here rather than re-derive per vote.
type Self struct {
	ID     []byte
	Signer *crypto.PrivateKey
	Weight uint64
}

// Engine is the TimeVote finality engine: one sharded accumulator map,
// one CPU-bound worker pool for signature verification, and the
// submit_local/on_vote/on_request/on_timeproof operations.
type Engine struct {
	registry    RegistryView
	ledger      LedgerView
	validator   Validator
	finalized   FinalizedSink
	broadcaster Broadcaster
	slots       *clockutil.SlotClock
	self        *Self

	accum *shardedAccumulators
	dedup *dedupSet
	pool  *workPool

	voteWindowSeconds uint64
	finalityNum       uint64
	finalityDen       uint64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSelf enables local vote casting as the given masternode identity.
func WithSelf(self *Self) Option {
	return func(e *Engine) { e.self = self }
}

// WithVerifyWorkers sets the signature-verification worker pool size.
// Default is 4 if unset.
func WithVerifyWorkers(n int) Option {
	return func(e *Engine) { e.pool = newWorkPool(n) }
}

// New constructs a TimeVote engine. broadcaster must not be nil: the
// engine refuses to accept local submissions without a way to announce
// them, rather than silently degrading to a local-only mode.
func New(registry RegistryView, ledger LedgerView, validator Validator, finalized FinalizedSink, broadcaster Broadcaster, slots *clockutil.SlotClock, opts ...Option) (*Engine, error) {
	if broadcaster == nil {
		return nil, coreerr.New(coreerr.ConfigError, ErrNoBroadcaster)
	}
	if registry == nil || ledger == nil || validator == nil || finalized == nil || slots == nil {
		return nil, coreerr.New(coreerr.ConfigError, fmt.Errorf("timevote: registry, ledger, validator, finalized sink, and slot clock are all required"))
	}
	e := &Engine{
		registry:          registry,
		ledger:            ledger,
		validator:         validator,
		finalized:         finalized,
		broadcaster:       broadcaster,
		slots:             slots,
		accum:             newShardedAccumulators(),
		dedup:             newDedupSet(config.VoteDedupTTLSeconds),
		voteWindowSeconds: config.VoteWindowSeconds,
		finalityNum:       config.FinalityThresholdNumerator,
		finalityDen:       config.FinalityThresholdDenominator,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = newWorkPool(4)
	}
	return e, nil
}

func (e *Engine) now() uint64 {
	return uint64(e.slots.Now().Unix())
}

func (e *Engine) inputOutpoints(t *tx.Transaction) []types.Outpoint {
	ops := make([]types.Outpoint, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		if !in.PrevOut.IsZero() {
			ops = append(ops, in.PrevOut)
		}
	}
	return ops
}

// SubmitLocal validates a locally-originated transaction, locks its
// inputs (Unspent -> SpentPending), creates its accumulator, broadcasts a
// TimeVoteRequest, and if this node is itself a masternode, casts and
// broadcasts its own Accept vote.
func (e *Engine) SubmitLocal(t *tx.Transaction) error {
	if _, err := e.validator.Validate(t); err != nil {
		return coreerr.New(coreerr.ValidationError, err)
	}

	commitment := t.Hash()
	slot := e.slots.CurrentSlot()

	ops := e.inputOutpoints(t)
	if err := e.ledger.BeginSpend(ops); err != nil {
		return err
	}

	totalWeight := e.registry.TotalWeight(slot)
	deadline := e.now() + e.voteWindowSeconds
	_, created := e.accum.getOrCreate(commitment, func() *accumulator {
		acc := newAccumulator(commitment, slot, deadline, totalWeight)
		acc.transaction = t
		acc.state = Collecting
		return acc
	})
	if !created {
		e.ledger.AbortSpend(ops)
		return coreerr.New(coreerr.ValidationError, fmt.Errorf("timevote: tx %s already submitted", commitment))
	}

	if err := e.broadcaster.BroadcastVoteRequest(t); err != nil {
		return coreerr.New(coreerr.NetworkError, err)
	}

	if e.self != nil {
		return e.castSelfVote(commitment, slot, Accept)
	}
	return nil
}

// castSelfVote signs and both locally applies and broadcasts our own vote.
func (e *Engine) castSelfVote(commitment types.Hash, slot uint64, d Decision) error {
	v := Vote{
		TxCommitment: commitment,
		SlotIndex:    slot,
		VoterID:      e.self.ID,
		VoterWeight:  e.self.Weight,
		Decision:     d,
	}
	sig, err := e.self.Signer.Sign(v.SigningBytes())
	if err != nil {
		return coreerr.New(coreerr.ConsensusError, fmt.Errorf("sign vote: %w", err))
	}
	v.Sig = sig

	if err := e.OnVote(context.Background(), v); err != nil && !errors.Is(err, ErrVoterCounted) {
		return err
	}
	if err := e.broadcaster.BroadcastVote(v); err != nil {
		return coreerr.New(coreerr.NetworkError, err)
	}
	return nil
}

// OnRequest handles a TimeVoteRequest from a peer: if the TX hasn't been
// seen, validates it against our own UTXO view; if its inputs cleanly
// transition to SpentPending, casts and returns our Accept vote, else
// Reject.
func (e *Engine) OnRequest(t *tx.Transaction) error {
	commitment := t.Hash()
	if _, ok := e.accum.get(commitment); ok {
		return nil // already seen, on_vote path handles further votes.
	}

	slot := e.slots.CurrentSlot()
	ops := e.inputOutpoints(t)

	decision := Accept
	if _, err := e.validator.Validate(t); err != nil {
		decision = Reject
	} else if err := e.ledger.BeginSpend(ops); err != nil {
		decision = Reject
	}

	totalWeight := e.registry.TotalWeight(slot)
	deadline := e.now() + e.voteWindowSeconds
	e.accum.getOrCreate(commitment, func() *accumulator {
		acc := newAccumulator(commitment, slot, deadline, totalWeight)
		acc.transaction = t
		acc.state = Collecting
		return acc
	})

	if e.self == nil {
		return nil
	}
	return e.castSelfVote(commitment, slot, decision)
}

// OnVote processes an incoming vote: verifies its signature, rejects
// stale/future slots, non-active voters, and double-counted voters, adds
// its weight, and finalizes (emits a TimeProof) or rejects (reverts
// inputs) once a threshold is crossed. Dispatches signature verification
// to the bounded worker pool so a network-handling goroutine never blocks
// on crypto.
func (e *Engine) OnVote(ctx context.Context, v Vote) error {
	verifyErr := <-e.pool.submit(ctx, func() error {
		if !v.Verify() {
			return ErrBadSignature
		}
		return nil
	})
	if verifyErr != nil {
		return coreerr.New(coreerr.ProtocolViolation, verifyErr)
	}

	var result error
	var toFinalize *accumulator
	var toReject *accumulator

	found := e.accum.withLocked(v.TxCommitment, func(a *accumulator) {
		if a.state != Collecting {
			result = coreerr.New(coreerr.ValidationError, ErrNotCollecting)
			return
		}
		if diff := absDiff(v.SlotIndex, a.slotIndex); diff > 1 {
			result = coreerr.New(coreerr.ProtocolViolation, ErrBadSlot)
			return
		}
		if !e.registry.IsActive(v.VoterID, a.slotIndex) {
			result = coreerr.New(coreerr.ProtocolViolation, ErrVoterNotActive)
			return
		}
		key := string(v.VoterID)
		if _, counted := a.counted[key]; counted {
			result = coreerr.New(coreerr.ValidationError, ErrVoterCounted)
			return
		}
		a.counted[key] = struct{}{}

		switch v.Decision {
		case Accept:
			a.acceptWeight += v.VoterWeight
			a.acceptVotes = append(a.acceptVotes, v)
		case Reject:
			a.rejectWeight += v.VoterWeight
		}

		threshold := thresholdWeight(a.totalWeight, e.finalityNum, e.finalityDen)

		switch {
		case a.acceptWeight >= threshold && threshold > 0:
			a.state = Finalized
			a.proof = &TimeProof{
				TxCommitment:      a.txCommitment,
				SlotIndex:         a.slotIndex,
				Votes:             append([]Vote(nil), a.acceptVotes...),
				AccumulatedWeight: a.acceptWeight,
			}
			toFinalize = a
		case a.rejectWeight*2 > a.totalWeight && a.totalWeight > 0:
			// Reject votes exceeding 50% first: mark Rejected, inputs revert.
			a.state = Rejected
			toReject = a
		}
	})
	if !found {
		return coreerr.New(coreerr.ValidationError, ErrUnknownTx)
	}
	if result != nil {
		return result
	}

	if toReject != nil {
		e.accum.delete(toReject.txCommitment)
		return e.ledger.AbortSpend(e.inputOutpoints(toReject.transaction))
	}
	if toFinalize != nil {
		return e.emit(toFinalize)
	}
	return nil
}

// absDiff returns the absolute difference between two slot indices without
// wrapping, since both are unsigned.
func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// emit finalizes inputs in the ledger, moves the TX into the finalized
// pool, and broadcasts the TimeProof exactly once per tx_commitment
// within the dedup TTL window.
func (e *Engine) emit(a *accumulator) error {
	if a.transaction != nil {
		if err := e.ledger.FinalizeSpend(e.inputOutpoints(a.transaction)); err != nil {
			return err
		}
		if err := e.finalized.AddFinalized(a.transaction, *a.proof); err != nil {
			return err
		}
	}
	a.state = Emitted
	e.accum.delete(a.txCommitment)

	if e.dedup.shouldBroadcast(a.proof.Hash(), e.now()) {
		if err := e.broadcaster.BroadcastTimeProof(*a.proof); err != nil {
			return coreerr.New(coreerr.NetworkError, err)
		}
	}
	return nil
}

// OnTimeProof handles a TimeProof received from a peer: verifies it,
// checks that its voters are distinct and active at its slot and that its
// weight reaches the finality threshold, and if we were tracking the
// transaction, finalizes it locally. If we never
// saw the transaction body, the proof cannot be applied yet; bounded
// buffering is left to the caller (sync/mempool wiring) since this engine
// holds no transaction bodies it hasn't itself requested or submitted.
func (e *Engine) OnTimeProof(tp TimeProof) error {
	if err := tp.Verify(); err != nil {
		return coreerr.New(coreerr.ProtocolViolation, fmt.Errorf("invalid time proof: %w", err))
	}
	threshold := thresholdWeight(e.registry.TotalWeight(tp.SlotIndex), e.finalityNum, e.finalityDen)
	if threshold == 0 || tp.AccumulatedWeight < threshold {
		return coreerr.New(coreerr.ProtocolViolation, fmt.Errorf("invalid time proof: weight %d below threshold %d", tp.AccumulatedWeight, threshold))
	}
	seen := make(map[string]struct{}, len(tp.Votes))
	for _, v := range tp.Votes {
		if _, dup := seen[string(v.VoterID)]; dup || !e.registry.IsActive(v.VoterID, tp.SlotIndex) {
			return coreerr.New(coreerr.ProtocolViolation, fmt.Errorf("invalid time proof: voter %x inactive or counted twice", v.VoterID))
		}
		seen[string(v.VoterID)] = struct{}{}
	}

	a, ok := e.accum.get(tp.TxCommitment)
	if !ok {
		return ErrUnknownTx
	}
	if a.transaction == nil {
		return ErrUnknownTx
	}

	var do bool
	e.accum.withLocked(tp.TxCommitment, func(acc *accumulator) {
		if acc.state == Collecting {
			acc.state = Finalized
			acc.proof = &tp
			do = true
		}
	})
	if !do {
		return nil
	}
	return e.emit(a)
}

// SweepExpired discards every Collecting accumulator whose vote window
// has elapsed and reverts its inputs to Unspent. Intended to be called
// periodically (e.g. once per slot) by node wiring.
func (e *Engine) SweepExpired(ctx context.Context) error {
	now := e.now()
	var firstErr error
	e.accum.sweepExpired(now, func(a *accumulator) {
		if a.transaction == nil {
			return
		}
		if err := e.ledger.AbortSpend(e.inputOutpoints(a.transaction)); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	e.dedup.prune(now)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return firstErr
}
