package rpc

import (
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/pkg/block"
	"github.com/timelock-chain/tlcd/pkg/tx"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// OutpointParam is used by utxo_get.
type OutpointParam struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

// AddressParam is used by utxo_getByAddress and utxo_getBalance.
type AddressParam struct {
	Address string `json:"address"`
}

// TxSubmitParam is used by tx_submit and tx_validate.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// ── Block/Tx result types ───────────────────────────────────────────────

// BlockResult wraps a block with its precomputed hash for RPC responses.
type BlockResult struct {
	Hash         string        `json:"hash"`
	Header       *block.Header `json:"header"`
	Transactions []*TxResult   `json:"transactions"`
}

// TxResult wraps a transaction with its precomputed hash for RPC responses.
type TxResult struct {
	Hash     string      `json:"hash"`
	Version  uint32      `json:"version"`
	Inputs   []tx.Input  `json:"inputs"`
	Outputs  []tx.Output `json:"outputs"`
	LockTime uint64      `json:"locktime"`
}

// NewBlockResult creates a BlockResult from a block, precomputing all hashes.
func NewBlockResult(b *block.Block) *BlockResult {
	txResults := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txResults[i] = NewTxResult(t)
	}
	return &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: txResults,
	}
}

// NewTxResult creates a TxResult from a transaction, precomputing its hash.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:     t.Hash().String(),
		Version:  t.Version,
		Inputs:   t.Inputs,
		Outputs:  t.Outputs,
		LockTime: t.LockTime,
	}
}

// ── Chain/UTXO result types ─────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID string `json:"chain_id"`
	Symbol  string `json:"symbol,omitempty"`
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
	Supply  uint64 `json:"supply"`
}

// CoinResult is the RPC-facing rendering of a utxo.Coin, with its state
// rendered as a string rather than the raw lifecycle enum.
type CoinResult struct {
	TxID          string `json:"tx_id"`
	Index         uint32 `json:"index"`
	Value         uint64 `json:"value"`
	Owner         string `json:"owner"`
	State         string `json:"state"`
	HeightCreated uint64 `json:"height_created"`
}

// NewCoinResult renders a utxo.Coin for RPC responses.
func NewCoinResult(c *utxo.Coin) *CoinResult {
	return &CoinResult{
		TxID:          c.Outpoint.TxID.String(),
		Index:         c.Outpoint.Index,
		Value:         c.Value,
		Owner:         c.Owner.String(),
		State:         c.State.String(),
		HeightCreated: c.HeightCreated,
	}
}

// BalanceResult is returned by utxo_getBalance. It mirrors the five-state
// lifecycle: only Unspent coins are spendable, SpentPending/Finalized are
// in flight, and Locked is collateral unavailable to a regular spend.
type BalanceResult struct {
	Address   string `json:"address"`
	Spendable uint64 `json:"spendable"` // Unspent coins.
	Pending   uint64 `json:"pending"`   // SpentPending + Finalized (in the TimeVote/block pipeline).
	Locked    uint64 `json:"locked"`    // Masternode collateral.
}

// CoinListResult is returned by utxo_getByAddress.
type CoinListResult struct {
	Address string        `json:"address"`
	Coins   []*CoinResult `json:"coins"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool   `json:"valid"`
	Fee   uint64 `json:"fee,omitempty"`
	Error string `json:"error,omitempty"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	PendingCount   int    `json:"pending_count"`
	FinalizedCount int    `json:"finalized_count"`
	MinFeeRate     uint64 `json:"min_fee_rate"`
}

// MempoolContentResult is returned by mempool_getContent.
type MempoolContentResult struct {
	Pending   []string `json:"pending"`
	Finalized []string `json:"finalized"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID string `json:"id"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID      string   `json:"id"`
	Addrs   []string `json:"addrs"`
	Height  uint64   `json:"height"`
	TipHash string   `json:"tip_hash"`
	Syncing bool     `json:"syncing"`
}

// ── Masternode result types ─────────────────────────────────────────────

// PubKeyParam is used by masternode endpoints that take a public key.
type PubKeyParam struct {
	PubKey string `json:"pubkey"`
}

// MasternodeEntry describes one active masternode.
type MasternodeEntry struct {
	ID     string `json:"id"`
	Weight uint64 `json:"weight"`
}

// MasternodeListResult is returned by masternode_list.
type MasternodeListResult struct {
	Slot        uint64            `json:"slot"`
	TotalWeight uint64            `json:"total_weight"`
	Masternodes []MasternodeEntry `json:"masternodes"`
}

// MasternodeStatusResult is returned by masternode_getStatus.
type MasternodeStatusResult struct {
	ID            string `json:"id"`
	Tier          string `json:"tier"`
	Weight        uint64 `json:"weight"`
	RewardAddress string `json:"reward_address"`
	LastSeen      uint64 `json:"last_seen"`
	Active        bool   `json:"active"`
}

// ── Wallet param types ──────────────────────────────────────────────────

// WalletCreateParam is used by wallet_create.
type WalletCreateParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletImportParam is used by wallet_import.
type WalletImportParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Mnemonic string `json:"mnemonic"`
}

// WalletUnlockParam is used by endpoints that need wallet name + password.
type WalletUnlockParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletNewAddressParam is used by wallet_newAddress.
type WalletNewAddressParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// WalletSendParam is used by wallet_send.
type WalletSendParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	To       string `json:"to"`
	Amount   uint64 `json:"amount"`
}

// WalletExportKeyParam is used by wallet_exportKey.
type WalletExportKeyParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Account  uint32 `json:"account"`
	Index    uint32 `json:"index"`
}

// ── Wallet result types ─────────────────────────────────────────────────

// WalletCreateResult is returned by wallet_create.
type WalletCreateResult struct {
	Mnemonic string `json:"mnemonic"`
	Address  string `json:"address"`
}

// WalletImportResult is returned by wallet_import.
type WalletImportResult struct {
	Address string `json:"address"`
}

// WalletListResult is returned by wallet_list.
type WalletListResult struct {
	Wallets []string `json:"wallets"`
}

// WalletAddressResult is returned by wallet_newAddress.
type WalletAddressResult struct {
	Index   uint32 `json:"index"`
	Address string `json:"address"`
}

// WalletAddressListResult is returned by wallet_listAddresses.
type WalletAddressListResult struct {
	Accounts []WalletAccountEntry `json:"accounts"`
}

// WalletAccountEntry describes a wallet account in RPC results.
type WalletAccountEntry struct {
	Index   uint32 `json:"index"`
	Change  uint32 `json:"change"` // 0=external, 1=internal
	Name    string `json:"name"`
	Address string `json:"address"`
}

// WalletSendResult is returned by wallet_send.
type WalletSendResult struct {
	TxHash string `json:"tx_hash"`
}

// WalletConsolidateParam is used by wallet_consolidate.
type WalletConsolidateParam struct {
	Name      string `json:"name"`
	Password  string `json:"password"`
	MaxInputs uint32 `json:"max_inputs,omitempty"` // Max inputs to merge in one tx (default: 500)
}

// WalletConsolidateResult is returned by wallet_consolidate.
type WalletConsolidateResult struct {
	TxHash       string `json:"tx_hash"`
	InputsUsed   uint32 `json:"inputs_used"`
	InputTotal   uint64 `json:"input_total"`
	OutputAmount uint64 `json:"output_amount"`
	Fee          uint64 `json:"fee"`
}

// Recipient is a single output in a sendMany transaction.
type Recipient struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// WalletSendManyParam is used by wallet_sendMany.
type WalletSendManyParam struct {
	Name       string      `json:"name"`
	Password   string      `json:"password"`
	Recipients []Recipient `json:"recipients"`
}

// WalletSendManyResult is returned by wallet_sendMany.
type WalletSendManyResult struct {
	TxHash string `json:"tx_hash"`
}

// WalletExportKeyResult is returned by wallet_exportKey.
type WalletExportKeyResult struct {
	PrivateKey string `json:"private_key"`
	PubKey     string `json:"pubkey"`
	Address    string `json:"address"`
}

// ── Wallet history param/result types ────────────────────────────────────

// WalletGetHistoryParam is used by wallet_getHistory.
type WalletGetHistoryParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// TxHistoryEntry describes a single transaction in wallet history.
type TxHistoryEntry struct {
	TxHash    string `json:"tx_hash"`
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// WalletGetHistoryResult is returned by wallet_getHistory.
type WalletGetHistoryResult struct {
	Total   int              `json:"total"`
	Entries []TxHistoryEntry `json:"entries"`
}

// WalletRescanParam is used by wallet_rescan.
type WalletRescanParam struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	FromHeight  uint64 `json:"from_height,omitempty"`
	DeriveLimit uint32 `json:"derive_limit,omitempty"` // Optional max address index to derive during scan.
}

// WalletRescanResult is returned by wallet_rescan.
type WalletRescanResult struct {
	AddressesFound int    `json:"addresses_found"`
	AddressesNew   int    `json:"addresses_new"`
	FromHeight     uint64 `json:"from_height"`
	ToHeight       uint64 `json:"to_height"`
}
