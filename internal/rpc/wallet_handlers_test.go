package rpc

import (
	"testing"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/wallet"
)

// walletTestEnv extends testEnv with an enabled wallet keystore, the way
// node.New wires one in when cfg.Wallet.Enabled is set.
type walletTestEnv struct {
	*testEnv
	keystore *wallet.Keystore
}

func setupWalletTestEnv(t *testing.T) *walletTestEnv {
	t.Helper()
	env := setupTestEnv(t)

	ks, err := wallet.NewKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}
	env.server.SetKeystore(ks)

	return &walletTestEnv{testEnv: env, keystore: ks}
}

func (e *walletTestEnv) createWallet(t *testing.T, name, password string) WalletCreateResult {
	t.Helper()
	resp := e.call(t, "wallet_create", WalletCreateParam{Name: name, Password: password})
	if resp.Error != nil {
		t.Fatalf("wallet_create: %v", resp.Error)
	}
	var result WalletCreateResult
	decodeResult(t, resp, &result)
	return result
}

func TestWalletCreate(t *testing.T) {
	env := setupWalletTestEnv(t)

	result := env.createWallet(t, "alice", "hunter2")
	if result.Address == "" {
		t.Error("expected a non-empty address")
	}
	if result.Mnemonic == "" {
		t.Error("expected a non-empty mnemonic")
	}
}

func TestWalletCreate_RequiresNameAndPassword(t *testing.T) {
	env := setupWalletTestEnv(t)

	resp := env.call(t, "wallet_create", WalletCreateParam{Name: "", Password: "x"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestWalletCreate_DisabledWithoutKeystore(t *testing.T) {
	env := setupTestEnv(t) // No SetKeystore call.

	resp := env.call(t, "wallet_create", WalletCreateParam{Name: "alice", Password: "hunter2"})
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected CodeInternalError when wallet disabled, got %+v", resp.Error)
	}
}

func TestWalletImport_RoundTrip(t *testing.T) {
	env := setupWalletTestEnv(t)

	created := env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_import", WalletImportParam{
		Name:     "alice-restored",
		Password: "hunter2",
		Mnemonic: created.Mnemonic,
	})
	if resp.Error != nil {
		t.Fatalf("wallet_import: %v", resp.Error)
	}

	var imported WalletImportResult
	decodeResult(t, resp, &imported)
	if imported.Address != created.Address {
		t.Errorf("expected re-imported address %s to match original %s", imported.Address, created.Address)
	}
}

func TestWalletImport_RejectsInvalidMnemonic(t *testing.T) {
	env := setupWalletTestEnv(t)

	resp := env.call(t, "wallet_import", WalletImportParam{
		Name:     "bob",
		Password: "hunter2",
		Mnemonic: "not a valid mnemonic phrase at all",
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestWalletList(t *testing.T) {
	env := setupWalletTestEnv(t)

	env.createWallet(t, "alice", "hunter2")
	env.createWallet(t, "bob", "hunter2")

	resp := env.call(t, "wallet_list", nil)
	if resp.Error != nil {
		t.Fatalf("wallet_list: %v", resp.Error)
	}
	var result WalletListResult
	decodeResult(t, resp, &result)
	if len(result.Wallets) != 2 {
		t.Errorf("expected 2 wallets, got %d", len(result.Wallets))
	}
}

func TestWalletNewAddress(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_newAddress", WalletNewAddressParam{Name: "alice", Password: "hunter2"})
	if resp.Error != nil {
		t.Fatalf("wallet_newAddress: %v", resp.Error)
	}

	var result WalletAddressResult
	decodeResult(t, resp, &result)
	if result.Index != 1 {
		t.Errorf("expected first new address to be index 1 (index 0 taken at creation), got %d", result.Index)
	}
	if result.Address == "" {
		t.Error("expected a non-empty address")
	}
}

func TestWalletNewAddress_WrongPassword(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_newAddress", WalletNewAddressParam{Name: "alice", Password: "wrong"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for wrong password, got %+v", resp.Error)
	}
}

func TestWalletListAddresses(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_listAddresses", WalletUnlockParam{Name: "alice", Password: "hunter2"})
	if resp.Error != nil {
		t.Fatalf("wallet_listAddresses: %v", resp.Error)
	}
	var result WalletAddressListResult
	decodeResult(t, resp, &result)
	if len(result.Accounts) != 1 {
		t.Fatalf("expected 1 account right after creation, got %d", len(result.Accounts))
	}
	if result.Accounts[0].Index != 0 {
		t.Errorf("expected default account at index 0, got %d", result.Accounts[0].Index)
	}
}

func TestWalletSend_InsufficientFunds(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "pauper", "hunter2")

	resp := env.call(t, "wallet_send", WalletSendParam{
		Name:     "pauper",
		Password: "hunter2",
		To:       env.signerAddr.String(),
		Amount:   1,
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for empty wallet, got %+v", resp.Error)
	}
}

func TestWalletSend_InvalidRecipient(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_send", WalletSendParam{
		Name:     "alice",
		Password: "hunter2",
		To:       "not-a-valid-address",
		Amount:   1,
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for invalid address, got %+v", resp.Error)
	}
}

func TestWalletExportKey(t *testing.T) {
	env := setupWalletTestEnv(t)
	created := env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_exportKey", WalletExportKeyParam{Name: "alice", Password: "hunter2"})
	if resp.Error != nil {
		t.Fatalf("wallet_exportKey: %v", resp.Error)
	}
	var result WalletExportKeyResult
	decodeResult(t, resp, &result)
	if result.Address != created.Address {
		t.Errorf("expected exported key's address %s to match wallet's address %s", result.Address, created.Address)
	}
	if result.PrivateKey == "" || result.PubKey == "" {
		t.Error("expected non-empty private key and pubkey")
	}
}

func TestWalletGetHistory_EmptyWallet(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_getHistory", WalletGetHistoryParam{Name: "alice", Password: "hunter2"})
	if resp.Error != nil {
		t.Fatalf("wallet_getHistory: %v", resp.Error)
	}
	var result WalletGetHistoryResult
	decodeResult(t, resp, &result)
	if result.Total != 0 || len(result.Entries) != 0 {
		t.Errorf("expected empty history, got total=%d entries=%d", result.Total, len(result.Entries))
	}
}

func TestWalletRescan_FindsNothingForFreshWallet(t *testing.T) {
	env := setupWalletTestEnv(t)
	env.createWallet(t, "alice", "hunter2")

	resp := env.call(t, "wallet_rescan", WalletRescanParam{Name: "alice", Password: "hunter2", DeriveLimit: 25})
	if resp.Error != nil {
		t.Fatalf("wallet_rescan: %v", resp.Error)
	}
	var result WalletRescanResult
	decodeResult(t, resp, &result)
	if result.AddressesFound != 0 {
		t.Errorf("expected no addresses found for a fresh wallet, got %d", result.AddressesFound)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		units uint64
		want  string
	}{
		{0, "0.000000000000"},
		{config.Coin, "1.000000000000"},
		{config.Coin + config.MilliCoin, "1.001000000000"},
	}
	for _, c := range cases {
		if got := formatAmount(c.units); got != c.want {
			t.Errorf("formatAmount(%d) = %s, want %s", c.units, got, c.want)
		}
	}
}
