package rpc

import (
	"encoding/hex"

	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// ── Chain handlers ──────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(req *Request) (interface{}, *Error) {
	return &ChainInfoResult{
		ChainID: s.genesis.ChainID,
		Symbol:  s.genesis.Symbol,
		Height:  s.chain.Height(),
		TipHash: s.chain.TipHash().String(),
		Supply:  s.chain.Supply(),
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var p HashParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	hash, e := types.HexToHash(p.Hash)
	if e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: " + e.Error()}
	}
	blk, e := s.chain.GetBlock(hash)
	if e != nil {
		return nil, &Error{Code: CodeNotFound, Message: "block not found: " + e.Error()}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var p HeightParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	blk, e := s.chain.GetBlockByHeight(p.Height)
	if e != nil {
		return nil, &Error{Code: CodeNotFound, Message: "block not found: " + e.Error()}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetTransaction(req *Request) (interface{}, *Error) {
	var p HashParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	hash, e := types.HexToHash(p.Hash)
	if e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: " + e.Error()}
	}
	t, e := s.chain.GetTransaction(hash)
	if e != nil {
		return nil, &Error{Code: CodeNotFound, Message: "transaction not found: " + e.Error()}
	}
	return NewTxResult(t), nil
}

// ── UTXO handlers ───────────────────────────────────────────────────────

func (s *Server) handleUTXOGet(req *Request) (interface{}, *Error) {
	var p OutpointParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	txid, e := types.HexToHash(p.TxID)
	if e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid tx_id: " + e.Error()}
	}
	c, e := s.utxos.Get(types.Outpoint{TxID: txid, Index: p.Index})
	if e != nil {
		return nil, &Error{Code: CodeNotFound, Message: "coin not found: " + e.Error()}
	}
	return NewCoinResult(c), nil
}

func (s *Server) handleUTXOGetByAddress(req *Request) (interface{}, *Error) {
	var p AddressParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	addr, e := types.ParseAddress(p.Address)
	if e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid address: " + e.Error()}
	}
	coins, e := s.utxos.GetByAddress(addr)
	if e != nil {
		return nil, &Error{Code: CodeInternalError, Message: e.Error()}
	}
	results := make([]*CoinResult, len(coins))
	for i, c := range coins {
		results[i] = NewCoinResult(c)
	}
	return &CoinListResult{Address: p.Address, Coins: results}, nil
}

func (s *Server) handleUTXOGetBalance(req *Request) (interface{}, *Error) {
	var p AddressParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	addr, e := types.ParseAddress(p.Address)
	if e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid address: " + e.Error()}
	}
	coins, e := s.utxos.GetByAddress(addr)
	if e != nil {
		return nil, &Error{Code: CodeInternalError, Message: e.Error()}
	}
	bal := classifyBalance(coins)
	bal.Address = p.Address
	return &bal, nil
}

// classifyBalance buckets coins by lifecycle state into the three balances
// an address owner actually cares about: what can fund a new tx right now,
// what is already committed to one in flight, and what is locked up as
// masternode collateral.
func classifyBalance(coins []*utxo.Coin) BalanceResult {
	var bal BalanceResult
	for _, c := range coins {
		switch c.State {
		case types.Unspent:
			bal.Spendable += c.Value
		case types.SpentPending, types.Finalized:
			bal.Pending += c.Value
		case types.Locked:
			bal.Locked += c.Value
		}
	}
	return bal
}

// ── Tx handlers ─────────────────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var p TxSubmitParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction required"}
	}
	if _, e := s.pending.Add(p.Transaction); e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: e.Error()}
	}
	return &TxSubmitResult{TxHash: p.Transaction.Hash().String()}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var p TxSubmitParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction required"}
	}
	fee, e := p.Transaction.ValidateWithUTXOs(s.utxos)
	if e != nil {
		return &TxValidateResult{Valid: false, Error: e.Error()}, nil
	}
	return &TxValidateResult{Valid: true, Fee: fee}, nil
}

// ── Mempool handlers ────────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(req *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		PendingCount:   s.pending.Count(),
		FinalizedCount: s.finalized.Count(),
		MinFeeRate:     s.pending.MinFeeRate(),
	}, nil
}

func (s *Server) handleMempoolGetContent(req *Request) (interface{}, *Error) {
	pending := s.pending.SelectForBlock(s.pending.Count())
	pendingHashes := make([]string, 0, len(pending))
	for _, t := range pending {
		pendingHashes = append(pendingHashes, t.Hash().String())
	}
	finalized := s.finalized.SelectForBlock(0)
	finalizedHashes := make([]string, 0, len(finalized))
	for _, tp := range finalized {
		finalizedHashes = append(finalizedHashes, tp.Tx.Hash().String())
	}
	return &MempoolContentResult{Pending: pendingHashes, Finalized: finalizedHashes}, nil
}

// ── Net handlers ────────────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(req *Request) (interface{}, *Error) {
	peers := s.net.Peers()
	result := make([]PeerInfo, len(peers))
	for i, p := range peers {
		result[i] = PeerInfo{ID: string(p)}
	}
	return &PeerInfoResult{Count: len(result), Peers: result}, nil
}

func (s *Server) handleNetGetNodeInfo(req *Request) (interface{}, *Error) {
	var syncing bool
	if s.sync != nil {
		syncing = s.sync.Syncing()
	}
	return &NodeInfoResult{
		Height:  s.chain.Height(),
		TipHash: s.chain.TipHash().String(),
		Syncing: syncing,
	}, nil
}

// ── Masternode handlers ─────────────────────────────────────────────────

func (s *Server) handleMasternodeList(req *Request) (interface{}, *Error) {
	slot := s.chain.Height() // approximate: active set as of the current chain height.
	entries := s.registry.ActiveSet(slot)
	out := make([]MasternodeEntry, len(entries))
	for i, e := range entries {
		out[i] = MasternodeEntry{ID: hex.EncodeToString(e.ID), Weight: e.Weight}
	}
	return &MasternodeListResult{
		Slot:        slot,
		TotalWeight: s.registry.TotalWeight(slot),
		Masternodes: out,
	}, nil
}

func (s *Server) handleMasternodeGetStatus(req *Request) (interface{}, *Error) {
	var p PubKeyParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	id, e := hex.DecodeString(p.PubKey)
	if e != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid pubkey: " + e.Error()}
	}
	mn, ok := s.registry.Get(id)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: "masternode not registered"}
	}
	return &MasternodeStatusResult{
		ID:            hex.EncodeToString(mn.ID),
		Tier:          string(mn.Tier),
		Weight:        mn.Weight,
		RewardAddress: mn.RewardAddress.String(),
		LastSeen:      mn.LastSeen,
		Active:        s.registry.IsActive(mn.ID, s.chain.Height()),
	}, nil
}
