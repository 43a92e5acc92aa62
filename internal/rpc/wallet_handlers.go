package rpc

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/utxo"
	"github.com/timelock-chain/tlcd/internal/wallet"
	"github.com/timelock-chain/tlcd/pkg/crypto"
	"github.com/timelock-chain/tlcd/pkg/tx"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// walletUTXOSet holds aggregated spendable coins from all wallet addresses,
// alongside the signing keys and address-by-outpoint map SignMulti needs.
type walletUTXOSet struct {
	utxos           []wallet.UTXO
	signers         map[types.Address]*crypto.PrivateKey
	addrByOutpoint  map[types.Outpoint]types.Address
	spendableNative uint64
	pendingNative   uint64
	lockedNative    uint64
}

// zeroSigners zeroes all private keys in the wallet UTXO set and removes them from the map.
func (wset *walletUTXOSet) zeroSigners() {
	for addr, key := range wset.signers {
		key.Zero()
		delete(wset.signers, addr)
	}
}

// collectWalletUTXOs gathers coins from all known wallet addresses (external
// and change). Classification follows the coin's own lifecycle state rather
// than any side channel: Unspent coins are spendable, SpentPending/Finalized
// coins are already committed to a transaction in flight, and Locked coins
// are masternode collateral.
func (s *Server) collectWalletUTXOs(
	master *wallet.HDKey,
	walletName string,
	store *utxo.Store,
	currentHeight uint64,
) (*walletUTXOSet, error) {
	accounts, err := s.keystore.ListAccounts(walletName)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	wset := &walletUTXOSet{
		signers:        make(map[types.Address]*crypto.PrivateKey),
		addrByOutpoint: make(map[types.Outpoint]types.Address),
	}

	// If no accounts yet (brand new wallet), fall back to account 0.
	if len(accounts) == 0 {
		accounts = []wallet.AccountEntry{{Index: 0, Name: "Default"}}
	}

	for _, acct := range accounts {
		addr, parseErr := types.ParseAddress(acct.Address)
		if parseErr != nil {
			continue
		}

		coins, coinErr := store.GetByAddress(addr)
		if coinErr != nil || len(coins) == 0 {
			continue
		}

		if _, exists := wset.signers[addr]; !exists {
			change, index := acct.Derivation()
			hdKey, derErr := master.DeriveAddress(0, change, index)
			if derErr != nil {
				continue
			}
			signer, sigErr := hdKey.Signer()
			if sigErr != nil {
				continue
			}
			wset.signers[addr] = signer
		}

		for _, c := range coins {
			switch c.State {
			case types.Unspent:
				wset.utxos = append(wset.utxos, wallet.UTXO{
					Outpoint: c.Outpoint,
					Value:    c.Value,
					Script:   c.Script,
				})
				wset.addrByOutpoint[c.Outpoint] = addr
				wset.spendableNative += c.Value
			case types.SpentPending, types.Finalized:
				wset.pendingNative += c.Value
			case types.Locked:
				wset.lockedNative += c.Value
			}
		}
	}

	return wset, nil
}

func filterNativeUTXOs(utxos []wallet.UTXO) []wallet.UTXO {
	native := make([]wallet.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Script.Type == types.ScriptTypeP2PKH {
			native = append(native, u)
		}
	}
	return native
}

// formatAmount converts raw base units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// requireWallet returns an error if the wallet keystore is not enabled.
func (s *Server) requireWallet() *Error {
	if s.keystore == nil {
		return &Error{Code: CodeInternalError, Message: "wallet not enabled (start node with --wallet)"}
	}
	return nil
}

// decodeAddress parses an address string into an RPC error on failure.
func decodeAddress(s string) (types.Address, *Error) {
	addr, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, &Error{Code: CodeInvalidParams, Message: "invalid address: " + err.Error()}
	}
	return addr, nil
}

// stakePubKey returns the Ed25519 public key an HD-derived key signs with,
// the form masternode collateral and GetStakes lookups key on — distinct
// from the HD key's own BIP-32 public key.
func stakePubKey(hdKey *wallet.HDKey) []byte {
	signer, err := hdKey.Signer()
	if err != nil {
		return nil
	}
	return signer.PublicKey()
}

func (s *Server) handleWalletCreate(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletCreateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	mnemonic, genErr := wallet.GenerateMnemonic()
	if genErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("generate mnemonic: %v", genErr)}
	}

	seed, seedErr := wallet.SeedFromMnemonic(mnemonic, "")
	if seedErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive seed: %v", seedErr)}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if derErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	if err := s.keystore.Create(params.Name, seed, []byte(params.Password), wallet.DefaultParams()); err != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("create wallet: %v", err)}
	}
	for i := range seed {
		seed[i] = 0
	}

	if err := s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("add account: %v", err)}
	}

	return &WalletCreateResult{
		Mnemonic: mnemonic,
		Address:  addr.String(),
	}, nil
}

func (s *Server) handleWalletImport(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletImportParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	params.Mnemonic = strings.Join(strings.Fields(params.Mnemonic), " ")

	if params.Name == "" || params.Password == "" || params.Mnemonic == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name, password, and mnemonic are required"}
	}
	if !wallet.ValidateMnemonic(params.Mnemonic) {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid mnemonic"}
	}

	seed, seedErr := wallet.SeedFromMnemonic(params.Mnemonic, "")
	if seedErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive seed: %v", seedErr)}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if derErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	if err := s.keystore.Create(params.Name, seed, []byte(params.Password), wallet.DefaultParams()); err != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("create wallet: %v", err)}
	}
	for i := range seed {
		seed[i] = 0
	}

	if err := s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("add account: %v", err)}
	}

	s.scanWalletAddresses(params.Name, master)

	return &WalletImportResult{
		Address: addr.String(),
	}, nil
}

// scanWalletAddresses discovers previously used addresses via BIP-44 gap
// limit scanning and registers them in the wallet's account list, checking
// both native P2PKH coins and masternode collateral staked to the derived
// key. This lets a reimported wallet recover its full balance.
func (s *Server) scanWalletAddresses(walletName string, master *wallet.HDKey) {
	const gapLimit = 20

	for _, ch := range []struct {
		change     uint32
		namePrefix string
	}{
		{wallet.ChangeExternal, "Address"},
		{wallet.ChangeInternal, "Change"},
	} {
		var gap int
		highestUsed := -1

		for idx := uint32(0); gap < gapLimit; idx++ {
			hdKey, err := master.DeriveAddress(0, ch.change, idx)
			if err != nil {
				break
			}
			addr := hdKey.Address()

			coins, err := s.utxos.GetByAddress(addr)
			hasCoins := err == nil && len(coins) > 0

			if !hasCoins {
				if pub := stakePubKey(hdKey); pub != nil {
					if stakes, sErr := s.utxos.GetStakes(pub); sErr == nil && len(stakes) > 0 {
						hasCoins = true
					}
				}
			}

			if !hasCoins {
				gap++
				continue
			}

			gap = 0
			highestUsed = int(idx)

			_ = s.keystore.AddAccount(walletName, wallet.AccountEntry{
				Index:   idx,
				Change:  ch.change,
				Name:    fmt.Sprintf("%s %d", ch.namePrefix, idx),
				Address: addr.String(),
			})
		}

		if highestUsed >= 0 {
			nextIdx := uint32(highestUsed + 1)
			if ch.change == wallet.ChangeExternal {
				_ = s.keystore.SetExternalIndex(walletName, nextIdx)
			} else {
				_ = s.keystore.SetChangeIndex(walletName, nextIdx)
			}
		}
	}
}

func (s *Server) handleWalletList(_ *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	names, listErr := s.keystore.List()
	if listErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list wallets: %v", listErr)}
	}
	if names == nil {
		names = []string{}
	}

	return &WalletListResult{Wallets: names}, nil
}

func (s *Server) handleWalletNewAddress(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletNewAddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	extIdx, idxErr := s.keystore.GetExternalIndex(params.Name)
	if idxErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get external index: %v", idxErr)}
	}

	nextIdx := extIdx
	if nextIdx == 0 {
		nextIdx = 1 // Index 0 is already created at wallet creation time.
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, nextIdx)
	if derErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	if err := s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   nextIdx,
		Name:    fmt.Sprintf("Address %d", nextIdx),
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("add account: %v", err)}
	}

	if err := s.keystore.IncrementExternalIndex(params.Name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update external index")
	}

	return &WalletAddressResult{
		Index:   nextIdx,
		Address: addr.String(),
	}, nil
}

func (s *Server) handleWalletListAddresses(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletUnlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}
	for i := range seed {
		seed[i] = 0
	}

	accounts, accErr := s.keystore.ListAccounts(params.Name)
	if accErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list accounts: %v", accErr)}
	}

	entries := make([]WalletAccountEntry, len(accounts))
	for i, a := range accounts {
		change, index := a.Derivation()
		entries[i] = WalletAccountEntry{
			Index:   index,
			Change:  change,
			Name:    a.Name,
			Address: a.Address,
		}
	}

	return &WalletAddressListResult{Accounts: entries}, nil
}

func (s *Server) handleWalletSend(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletSendParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" || params.To == "" || params.Amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "name, password, to, and amount are required"}
	}

	recipientAddr, addrErr := decodeAddress(params.To)
	if addrErr != nil {
		return nil, addrErr
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	wset, collectErr := s.collectWalletUTXOs(master, params.Name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()
	nativeUTXOs := filterNativeUTXOs(wset.utxos)
	if len(nativeUTXOs) == 0 {
		return nil, &Error{
			Code: CodeInvalidParams,
			Message: fmt.Sprintf(
				"no spendable coins found for wallet (spendable=%d, pending=%d, locked=%d)",
				wset.spendableNative, wset.pendingNative, wset.lockedNative,
			),
		}
	}

	feeRate := s.genesis.Protocol.Consensus.MinFeeRate
	fee := tx.EstimateTxFee(1, 2, feeRate) // 1 input, 2 outputs (recipient + change)
	selection, selErr := wallet.SelectCoins(nativeUTXOs, params.Amount+fee)
	if selErr != nil {
		return nil, &Error{
			Code: CodeInvalidParams,
			Message: fmt.Sprintf(
				"coin selection: %v (spendable=%d, pending=%d, locked=%d, need=%d)",
				selErr, wset.spendableNative, wset.pendingNative, wset.lockedNative, params.Amount+fee,
			),
		}
	}
	fee = tx.EstimateTxFee(len(selection.Inputs), 2, feeRate)
	if selection.Total < params.Amount+fee {
		selection, selErr = wallet.SelectCoins(nativeUTXOs, params.Amount+fee)
		if selErr != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("coin selection: %v", selErr)}
		}
		fee = tx.EstimateTxFee(len(selection.Inputs), 2, feeRate)
	}
	change := selection.Total - params.Amount - fee

	builder := tx.NewBuilder()
	for _, input := range selection.Inputs {
		builder.AddInput(input.Outpoint)
	}

	recipientScript := types.Script{Type: types.ScriptTypeP2PKH, Data: recipientAddr.Bytes()}
	builder.AddOutput(params.Amount, recipientScript)

	var changeIdx uint32
	var changeAddr types.Address
	if change > 0 {
		var chErr error
		changeIdx, chErr = s.keystore.GetChangeIndex(params.Name)
		if chErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get change index: %v", chErr)}
		}
		changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
		if chKeyErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
		}
		changeAddr = changeKey.Address()
		changeScript := types.Script{Type: types.ScriptTypeP2PKH, Data: changeAddr.Bytes()}
		builder.AddOutput(change, changeScript)
	}

	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}

	transaction := builder.Build()

	if _, err := s.pending.Add(transaction); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}
	if err := s.net.BroadcastVoteRequest(transaction); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
	}

	if change > 0 {
		_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
			Index:   changeIdx,
			Change:  wallet.ChangeInternal,
			Name:    fmt.Sprintf("Change %d", changeIdx),
			Address: changeAddr.String(),
		})
		if err := s.keystore.IncrementChangeIndex(params.Name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update change index")
		}
	}

	return &WalletSendResult{
		TxHash: transaction.Hash().String(),
	}, nil
}

func (s *Server) handleWalletConsolidate(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletConsolidateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	maxInputs := params.MaxInputs
	if maxInputs == 0 {
		maxInputs = 500
	}
	if maxInputs > config.MaxTxInputs {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("max_inputs too high: %d (max %d)", maxInputs, config.MaxTxInputs)}
	}
	if maxInputs < 2 {
		return nil, &Error{Code: CodeInvalidParams, Message: "max_inputs must be at least 2"}
	}

	feeRate := s.genesis.Protocol.Consensus.MinFeeRate

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	wset, collectErr := s.collectWalletUTXOs(master, params.Name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()

	nativeUTXOs := filterNativeUTXOs(wset.utxos)
	if len(nativeUTXOs) < 2 {
		return nil, &Error{
			Code: CodeInvalidParams,
			Message: fmt.Sprintf(
				"not enough spendable coins to consolidate (count=%d, spendable=%d, pending=%d, locked=%d)",
				len(nativeUTXOs), wset.spendableNative, wset.pendingNative, wset.lockedNative,
			),
		}
	}

	sort.Slice(nativeUTXOs, func(i, j int) bool {
		return nativeUTXOs[i].Value < nativeUTXOs[j].Value
	})

	limit := int(maxInputs)
	if limit > len(nativeUTXOs) {
		limit = len(nativeUTXOs)
	}
	if limit < 2 {
		return nil, &Error{Code: CodeInvalidParams, Message: "not enough UTXOs to consolidate"}
	}

	selected := nativeUTXOs[:limit]
	var total uint64
	for _, u := range selected {
		if total > ^uint64(0)-u.Value {
			return nil, &Error{Code: CodeInternalError, Message: "input value overflow"}
		}
		total += u.Value
	}
	fee := tx.EstimateTxFee(len(selected), 1, feeRate)
	if total <= fee {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("selected UTXOs too small: total=%d, fee=%d", total, fee)}
	}

	changeIdx, chErr := s.keystore.GetChangeIndex(params.Name)
	if chErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get change index: %v", chErr)}
	}
	changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
	if chKeyErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
	}
	changeAddr := changeKey.Address()
	changeScript := types.Script{Type: types.ScriptTypeP2PKH, Data: changeAddr.Bytes()}

	builder := tx.NewBuilder()
	for _, input := range selected {
		builder.AddInput(input.Outpoint)
	}
	outputAmount := total - fee
	builder.AddOutput(outputAmount, changeScript)

	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}

	transaction := builder.Build()
	if _, err := s.pending.Add(transaction); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}
	if err := s.net.BroadcastVoteRequest(transaction); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to broadcast consolidation tx")
	}

	_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   changeIdx,
		Change:  wallet.ChangeInternal,
		Name:    fmt.Sprintf("Change %d", changeIdx),
		Address: changeAddr.String(),
	})
	if err := s.keystore.IncrementChangeIndex(params.Name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update change index")
	}

	return &WalletConsolidateResult{
		TxHash:       transaction.Hash().String(),
		InputsUsed:   uint32(limit),
		InputTotal:   total,
		OutputAmount: outputAmount,
		Fee:          fee,
	}, nil
}

func (s *Server) handleWalletSendMany(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletSendManyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}
	if len(params.Recipients) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "at least one recipient is required"}
	}

	type parsed struct {
		addr   types.Address
		amount uint64
	}
	recipients := make([]parsed, len(params.Recipients))
	var totalAmount uint64
	for i, r := range params.Recipients {
		if r.To == "" || r.Amount == 0 {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("recipient %d: to and amount are required", i)}
		}
		addr, addrErr := decodeAddress(r.To)
		if addrErr != nil {
			return nil, addrErr
		}
		recipients[i] = parsed{addr: addr, amount: r.Amount}
		totalAmount += r.Amount
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	wset, collectErr := s.collectWalletUTXOs(master, params.Name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()
	nativeUTXOs := filterNativeUTXOs(wset.utxos)
	if len(nativeUTXOs) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "no UTXOs found for wallet"}
	}

	feeRate := s.genesis.Protocol.Consensus.MinFeeRate
	numOutputs := len(recipients) + 1 // recipients + change
	fee := tx.EstimateTxFee(1, numOutputs, feeRate)
	selection, selErr := wallet.SelectCoins(nativeUTXOs, totalAmount+fee)
	if selErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("coin selection: %v", selErr)}
	}
	fee = tx.EstimateTxFee(len(selection.Inputs), numOutputs, feeRate)
	if selection.Total < totalAmount+fee {
		selection, selErr = wallet.SelectCoins(nativeUTXOs, totalAmount+fee)
		if selErr != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("coin selection: %v", selErr)}
		}
		fee = tx.EstimateTxFee(len(selection.Inputs), numOutputs, feeRate)
	}
	change := selection.Total - totalAmount - fee

	builder := tx.NewBuilder()
	for _, input := range selection.Inputs {
		builder.AddInput(input.Outpoint)
	}
	for _, r := range recipients {
		script := types.Script{Type: types.ScriptTypeP2PKH, Data: r.addr.Bytes()}
		builder.AddOutput(r.amount, script)
	}

	var changeIdx uint32
	var changeAddr types.Address
	if change > 0 {
		var chErr error
		changeIdx, chErr = s.keystore.GetChangeIndex(params.Name)
		if chErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get change index: %v", chErr)}
		}
		changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
		if chKeyErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
		}
		changeAddr = changeKey.Address()
		changeScript := types.Script{Type: types.ScriptTypeP2PKH, Data: changeAddr.Bytes()}
		builder.AddOutput(change, changeScript)
	}

	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}

	transaction := builder.Build()

	if _, err := s.pending.Add(transaction); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}
	if err := s.net.BroadcastVoteRequest(transaction); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
	}

	if change > 0 {
		_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
			Index:   changeIdx,
			Change:  wallet.ChangeInternal,
			Name:    fmt.Sprintf("Change %d", changeIdx),
			Address: changeAddr.String(),
		})
		if err := s.keystore.IncrementChangeIndex(params.Name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update change index")
		}
	}

	return &WalletSendManyResult{
		TxHash: transaction.Hash().String(),
	}, nil
}

func (s *Server) handleWalletExportKey(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletExportKeyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	hdKey, derErr := master.DeriveAddress(params.Account, wallet.ChangeExternal, params.Index)
	if derErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive key: %v", derErr)}
	}

	privBytes := hdKey.PrivateKeyBytes()
	if privBytes == nil {
		return nil, &Error{Code: CodeInternalError, Message: "no private key available"}
	}
	pubBytes := hdKey.PublicKeyBytes()
	addr := hdKey.Address()

	privHexBytes := []byte(hex.EncodeToString(privBytes))
	for i := range privBytes {
		privBytes[i] = 0
	}

	result := &WalletExportKeyResult{
		PrivateKey: string(privHexBytes),
		PubKey:     hex.EncodeToString(pubBytes),
		Address:    addr.String(),
	}

	for i := range privHexBytes {
		privHexBytes[i] = 0
	}

	return result, nil
}

func (s *Server) handleWalletGetHistory(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletGetHistoryParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}
	for i := range seed {
		seed[i] = 0
	}

	accounts, accErr := s.keystore.ListAccounts(params.Name)
	if accErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list accounts: %v", accErr)}
	}

	addrSet := make(map[types.Address]bool, len(accounts))
	for _, a := range accounts {
		addr, err := types.ParseAddress(a.Address)
		if err == nil {
			addrSet[addr] = true
		}
	}

	if len(addrSet) == 0 {
		return &WalletGetHistoryResult{Total: 0, Entries: []TxHistoryEntry{}}, nil
	}

	if s.txIndex != nil {
		return s.getHistoryIndexed(params.Name, addrSet, limit, offset)
	}
	return s.getHistoryFallback(addrSet, limit, offset)
}

// getHistoryIndexed uses the persistent WalletTxIndex, incrementally
// indexing new blocks since the last call (and rolling back entries above
// the current tip on reorg) before querying.
func (s *Server) getHistoryIndexed(walletName string, addrSet map[types.Address]bool, limit, offset int) (interface{}, *Error) {
	const chainID = "root" // sub-chains don't exist in this domain; kept for the index's key shape.
	tipHeight := s.chain.Height()

	meta, err := s.txIndex.GetMeta(walletName, chainID)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("read index: %v", err)}
	}

	if meta.Count > 0 && tipHeight < meta.LastHeight {
		if err := s.txIndex.DeleteAbove(walletName, chainID, tipHeight); err != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("reorg rollback: %v", err)}
		}
		meta.LastHeight = tipHeight
	}

	var startHeight uint64
	if meta.Count != 0 {
		startHeight = meta.LastHeight + 1
	}

	if startHeight <= tipHeight {
		classifyFn := func(transaction interface{}, txIdx int, as map[types.Address]bool, blk interface{}) *TxHistoryEntry {
			txn, ok := transaction.(*tx.Transaction)
			if !ok {
				return nil
			}
			blkTyped, ok := blk.(interface{ Hash() types.Hash })
			if !ok {
				return nil
			}
			return s.classifyTx(txn, txIdx, as, blkTyped)
		}

		if _, err := s.txIndex.IndexBlocks(walletName, chainID, s.chain, startHeight, tipHeight, addrSet, classifyFn); err != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index blocks: %v", err)}
		}
	}

	entries, total, err := s.txIndex.Query(walletName, chainID, limit, offset)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("query index: %v", err)}
	}

	return &WalletGetHistoryResult{Total: total, Entries: entries}, nil
}

// getHistoryFallback scans blocks from tip down without an index.
// Capped at 1000 entries to bound response time.
func (s *Server) getHistoryFallback(addrSet map[types.Address]bool, limit, offset int) (interface{}, *Error) {
	const maxEntries = 1000
	tipHeight := s.chain.Height()
	var entries []TxHistoryEntry

	for h := int64(tipHeight); h >= 0; h-- {
		blk, err := s.chain.GetBlockByHeight(uint64(h))
		if err != nil {
			continue
		}

		blockHash := blk.Hash().String()
		blockTime := blk.Header.Timestamp

		for txIdx, transaction := range blk.Transactions {
			entry := s.classifyTx(transaction, txIdx, addrSet, blk)
			if entry == nil {
				continue
			}
			entry.BlockHash = blockHash
			entry.Height = uint64(h)
			entry.Timestamp = blockTime
			entry.Confirmed = true
			entries = append(entries, *entry)
		}

		if len(entries) >= maxEntries {
			break
		}
	}

	total := len(entries)
	if offset >= total {
		return &WalletGetHistoryResult{Total: total, Entries: []TxHistoryEntry{}}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	paged := entries[offset:end]

	return &WalletGetHistoryResult{Total: total, Entries: paged}, nil
}

// classifyTx determines whether a transaction touches the wallet's
// addresses and, if so, how: mined reward, masternode stake/unstake, sent,
// or received.
func (s *Server) classifyTx(transaction *tx.Transaction, txIdx int, addrSet map[types.Address]bool, blk interface{ Hash() types.Hash }) *TxHistoryEntry {
	txHash := transaction.Hash().String()
	isCoinbase := txIdx == 0 && len(transaction.Inputs) > 0 && transaction.Inputs[0].PrevOut.IsZero()

	var ourInputSum, otherOutputSum, ourOutputSum uint64
	var hasOurInputs bool
	var firstTo, firstFrom string

	for _, out := range transaction.Outputs {
		addr := scriptToAddress(out.Script)
		isOurs := addr != nil && addrSet[*addr]
		if isOurs {
			ourOutputSum += out.Value
		} else {
			otherOutputSum += out.Value
			if firstTo == "" && addr != nil {
				firstTo = addr.String()
			}
		}
	}

	inputAddrs := make(map[types.Address]bool)
	if !isCoinbase {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if len(in.PubKey) != 32 {
				continue
			}
			addr := crypto.AddressFromPubKey(in.PubKey)
			inputAddrs[addr] = true
			if addrSet[addr] {
				hasOurInputs = true
				prevTx, err := s.chain.GetTransaction(in.PrevOut.TxID)
				if err == nil && int(in.PrevOut.Index) < len(prevTx.Outputs) {
					ourInputSum += prevTx.Outputs[in.PrevOut.Index].Value
				}
			} else if firstFrom == "" {
				firstFrom = addr.String()
			}
		}
	}

	var entry *TxHistoryEntry

	switch {
	case isCoinbase && ourOutputSum > 0:
		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "mined",
			Amount: formatAmount(ourOutputSum),
			Fee:    "0.000000000000",
		}

	case hasStakeOutput(transaction) && hasOurInputs:
		var stakeAmt uint64
		for _, out := range transaction.Outputs {
			if out.Script.Type == types.ScriptTypeStake {
				stakeAmt += out.Value
			}
		}
		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "staked",
			Amount: formatAmount(stakeAmt),
			Fee:    formatAmount(safeSub(ourInputSum, totalOutputs(transaction))),
		}

	case hasStakeInput(transaction, s) && hasOurInputs:
		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "unstaked",
			Amount: formatAmount(ourOutputSum),
			Fee:    formatAmount(safeSub(ourInputSum, totalOutputs(transaction))),
		}

	case hasOurInputs:
		fee := safeSub(ourInputSum, totalOutputs(transaction))
		sentAmount := otherOutputSum
		sentTo := firstTo

		// Self-send: all outputs go to our addresses. Pick the first output
		// that isn't one of our own input addresses as the "sent" leg.
		if otherOutputSum == 0 {
			for _, out := range transaction.Outputs {
				addr := scriptToAddress(out.Script)
				if addr != nil && !inputAddrs[*addr] {
					sentAmount = out.Value
					sentTo = addr.String()
					break
				}
			}
		}

		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "sent",
			Amount: formatAmount(sentAmount),
			Fee:    formatAmount(fee),
			To:     sentTo,
		}

	case ourOutputSum > 0:
		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "received",
			Amount: formatAmount(ourOutputSum),
			Fee:    "0.000000000000",
			From:   firstFrom,
		}
	}

	return entry
}

func scriptToAddress(s types.Script) *types.Address {
	if s.Type == types.ScriptTypeP2PKH && len(s.Data) == types.AddressSize {
		var addr types.Address
		copy(addr[:], s.Data)
		return &addr
	}
	return nil
}

func hasStakeOutput(t *tx.Transaction) bool {
	for _, out := range t.Outputs {
		if out.Script.Type == types.ScriptTypeStake {
			return true
		}
	}
	return false
}

func hasStakeInput(t *tx.Transaction, s *Server) bool {
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		prevTx, err := s.chain.GetTransaction(in.PrevOut.TxID)
		if err != nil {
			continue
		}
		if int(in.PrevOut.Index) < len(prevTx.Outputs) && prevTx.Outputs[in.PrevOut.Index].Script.Type == types.ScriptTypeStake {
			return true
		}
	}
	return false
}

func totalOutputs(t *tx.Transaction) uint64 {
	var sum uint64
	for _, out := range t.Outputs {
		sum += out.Value
	}
	return sum
}

func safeSub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// handleWalletRescan re-derives wallet addresses and scans blocks from a
// given height to discover addresses that received funds or masternode
// collateral. Useful after importing a wallet or if the address index got
// out of sync.
func (s *Server) handleWalletRescan(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletRescanParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("open wallet: %v", loadErr)}
	}
	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}
	for i := range seed {
		seed[i] = 0
	}

	existingAccounts, _ := s.keystore.ListAccounts(params.Name)
	existing := make(map[string]bool, len(existingAccounts))
	for _, a := range existingAccounts {
		existing[a.Address] = true
	}

	// Default supports exchange-style wallets with many deposit addresses.
	deriveLimit := uint32(2000)
	if extIdx, err := s.keystore.GetExternalIndex(params.Name); err == nil && extIdx+20 > deriveLimit {
		deriveLimit = extIdx + 20
	}
	if chgIdx, err := s.keystore.GetChangeIndex(params.Name); err == nil && chgIdx+20 > deriveLimit {
		deriveLimit = chgIdx + 20
	}
	if params.DeriveLimit > 0 {
		deriveLimit = params.DeriveLimit
	}
	const maxDeriveLimit = uint32(100000)
	if deriveLimit > maxDeriveLimit {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("derive_limit too high: max %d", maxDeriveLimit)}
	}

	type derivedAddr struct {
		address types.Address
		pubKey  []byte
		change  uint32
		index   uint32
	}
	var derived []derivedAddr

	for _, ch := range []uint32{wallet.ChangeExternal, wallet.ChangeInternal} {
		for idx := uint32(0); idx < deriveLimit; idx++ {
			hdKey, err := master.DeriveAddress(0, ch, idx)
			if err != nil {
				break
			}
			derived = append(derived, derivedAddr{
				address: hdKey.Address(),
				pubKey:  stakePubKey(hdKey),
				change:  ch,
				index:   idx,
			})
		}
	}

	addrSet := make(map[types.Address]bool, len(derived))
	for _, d := range derived {
		addrSet[d.address] = true
	}

	tipHeight := s.chain.Height()
	fromHeight := params.FromHeight
	if fromHeight > tipHeight {
		fromHeight = tipHeight
	}
	usedAddrs := make(map[types.Address]bool)

	for h := fromHeight; h <= tipHeight; h++ {
		blk, err := s.chain.GetBlockByHeight(h)
		if err != nil {
			continue
		}
		for _, txn := range blk.Transactions {
			for _, out := range txn.Outputs {
				addr := scriptToAddress(out.Script)
				if addr != nil && addrSet[*addr] {
					usedAddrs[*addr] = true
				}
			}
		}
	}

	// Also check the current coin set for any derived address, catching
	// addresses that received funds before fromHeight and still hold coins.
	for _, d := range derived {
		if usedAddrs[d.address] {
			continue
		}
		if coins, err := s.utxos.GetByAddress(d.address); err == nil && len(coins) > 0 {
			usedAddrs[d.address] = true
			continue
		}
		if d.pubKey == nil {
			continue
		}
		if stakes, err := s.utxos.GetStakes(d.pubKey); err == nil && len(stakes) > 0 {
			usedAddrs[d.address] = true
		}
	}

	addressesFound := len(usedAddrs)
	addressesNew := 0
	highestExternal := -1
	highestChange := -1

	for _, d := range derived {
		if !usedAddrs[d.address] {
			continue
		}
		addrStr := d.address.String()
		if !existing[addrStr] {
			addressesNew++
			namePrefix := "Address"
			if d.change == wallet.ChangeInternal {
				namePrefix = "Change"
			}
			_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
				Index:   d.index,
				Change:  d.change,
				Name:    fmt.Sprintf("%s %d", namePrefix, d.index),
				Address: addrStr,
			})
		}
		if d.change == wallet.ChangeExternal && int(d.index) > highestExternal {
			highestExternal = int(d.index)
		}
		if d.change == wallet.ChangeInternal && int(d.index) > highestChange {
			highestChange = int(d.index)
		}
	}

	if highestExternal >= 0 {
		_ = s.keystore.SetExternalIndex(params.Name, uint32(highestExternal+1))
	}
	if highestChange >= 0 {
		_ = s.keystore.SetChangeIndex(params.Name, uint32(highestChange+1))
	}

	return &WalletRescanResult{
		AddressesFound: addressesFound,
		AddressesNew:   addressesNew,
		FromHeight:     fromHeight,
		ToHeight:       tipHeight,
	}, nil
}
