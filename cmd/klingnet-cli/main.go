// klingnet-cli is a command-line client for interacting with a tlcd node.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/timelock-chain/tlcd/config"
	"github.com/timelock-chain/tlcd/internal/rpc"
	"github.com/timelock-chain/tlcd/internal/rpcclient"
	"github.com/timelock-chain/tlcd/internal/wallet"
	"github.com/timelock-chain/tlcd/pkg/types"
	"golang.org/x/term"
)

// keystoreDir returns the keystore path matching tlcd's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8545"
	dataDir := defaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if network == "testnet" {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs, rpcURL)
	case "send":
		cmdSend(cmdArgs, rpcURL)
	case "sendmany":
		cmdSendMany(cmdArgs, ksDir, rpcURL)
	case "balance":
		cmdBalance(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "masternode":
		cmdMasternode(client, cmdArgs)
	case "wallet":
		cmdWallet(cmdArgs, ksDir, rpcURL)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingnet-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8545)
  --datadir <path>    Data directory (default: ~/.tlcd)
  --network <net>     mainnet (default) or testnet

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  tx <hash>                       Show transaction details
  send --wallet <w> --to <addr> --amount <amt>
                                  Send a transaction
  sendmany --wallet <w> --recipients <file.json>
                                  Send to multiple recipients (JSON file)
  balance <address>               Show address balance
  mempool                         Show mempool stats
  peers                           Show connected peers

  masternode list                 Show the active masternode set for the current slot
  masternode status <pubkey>      Show a masternode's registration status

  wallet create --name <n>        Create a new wallet
  wallet import --name <n> --mnemonic "..."
                                  Import wallet from mnemonic
  wallet list                     List wallets
  wallet address --wallet <w>     List wallet addresses
  wallet new-address --wallet <w> Generate a new address
  wallet consolidate --wallet <w> Consolidate many small UTXOs into one
  wallet rescan --wallet <w>      Re-scan chain to discover used addresses
  wallet balance [--wallet <w>]   Show wallet balance(s)
  wallet export-key --wallet <w>  Export a raw private key for an address
  wallet history --wallet <w>     Show wallet transaction history
`)
}

func defaultDataDir() string {
	return config.DefaultDataDir()
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:   %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:  %s\n", info.Symbol)
	}
	fmt.Printf("Height:  %d\n", info.Height)
	fmt.Printf("Tip:     %s\n", info.TipHash)
	fmt.Printf("Supply:  %s\n", formatAmount(info.Supply))

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:   %d\n", peers.Count)
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cli block <hash|height>")
	}

	arg := args[0]
	var raw json.RawMessage

	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByHeight", rpc.HeightParam{Height: height}, &raw); err != nil {
			fatal("chain_getBlockByHeight: %v", err)
		}
	} else {
		if err := client.Call("chain_getBlockByHash", rpc.HashParam{Hash: arg}, &raw); err != nil {
			fatal("chain_getBlockByHash: %v", err)
		}
	}

	var blk struct {
		Hash   string `json:"hash"`
		Header struct {
			PrevHash   string `json:"prev_hash"`
			MerkleRoot string `json:"merkle_root"`
			Timestamp  uint64 `json:"timestamp"`
			Height     uint64 `json:"height"`
			Slot       uint64 `json:"slot"`
		} `json:"header"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &blk); err != nil {
		fatal("decode block: %v", err)
	}

	fmt.Printf("Hash:         %s\n", blk.Hash)
	fmt.Printf("Height:       %d\n", blk.Header.Height)
	fmt.Printf("Slot:         %d\n", blk.Header.Slot)
	fmt.Printf("Prev:         %s\n", blk.Header.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", blk.Header.MerkleRoot)
	ts := time.Unix(int64(blk.Header.Timestamp), 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Transactions: %d\n", len(blk.Transactions))
}

// ── tx ──────────────────────────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string, rpcURL string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cli tx <hash>")
	}

	hash := args[0]
	var raw json.RawMessage
	if err := client.Call("chain_getTransaction", rpc.HashParam{Hash: hash}, &raw); err != nil {
		fatal("chain_getTransaction: %v", err)
	}

	var txn struct {
		Hash    string `json:"hash"`
		Version uint32 `json:"version"`
		Inputs  []struct {
			PrevOut struct {
				TxID  string `json:"tx_id"`
				Index uint32 `json:"index"`
			} `json:"prevout"`
		} `json:"inputs"`
		Outputs []struct {
			Value  uint64 `json:"value"`
			Script struct {
				Type uint8  `json:"type"`
				Data string `json:"data"`
			} `json:"script"`
		} `json:"outputs"`
		LockTime uint64 `json:"locktime"`
	}
	if err := json.Unmarshal(raw, &txn); err != nil {
		fatal("decode tx: %v", err)
	}

	fmt.Printf("Hash:     %s\n", txn.Hash)
	fmt.Printf("Version:  %d\n", txn.Version)
	fmt.Printf("LockTime: %d\n", txn.LockTime)
	fmt.Printf("Inputs:   %d\n", len(txn.Inputs))
	for i, in := range txn.Inputs {
		fmt.Printf("  [%d] %s:%d\n", i, in.PrevOut.TxID, in.PrevOut.Index)
	}
	fmt.Printf("Outputs:  %d\n", len(txn.Outputs))
	for i, out := range txn.Outputs {
		fmt.Printf("  [%d] %s -> %s\n", i, formatAmount(out.Value), out.Script.Data)
	}
}

// ── send (top-level) ────────────────────────────────────────────────────

func cmdSend(args []string, rpcURL string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	toAddr := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount to send (e.g. 1.5)")
	fs.Parse(args)

	if *walletName == "" || *toAddr == "" || *amountStr == "" {
		fatal("Usage: klingnet-cli send --wallet <name> --to <addr> --amount <amt>")
	}

	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}

	if _, err := types.ParseAddress(*toAddr); err != nil {
		fatal("invalid recipient address: %v", err)
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	client := rpcclient.New(rpcURL)
	var result rpc.WalletSendResult
	if err := client.Call("wallet_send", rpc.WalletSendParam{
		Name:     *walletName,
		Password: string(password),
		To:       *toAddr,
		Amount:   amount,
	}, &result); err != nil {
		fatal("wallet_send: %v", err)
	}
	fmt.Printf("Submitted: %s\n", result.TxHash)
}

// ── sendmany ────────────────────────────────────────────────────────────

func cmdSendMany(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("sendmany", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	recipientsFile := fs.String("recipients", "", "Path to JSON recipients file")
	fs.Parse(args)

	if *walletName == "" || *recipientsFile == "" {
		fatal("Usage: klingnet-cli sendmany --wallet <name> --recipients <file.json>")
	}

	data, err := os.ReadFile(*recipientsFile)
	if err != nil {
		fatal("read recipients file: %v", err)
	}

	type jsonRecipient struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	var jsonRecipients []jsonRecipient
	if err := json.Unmarshal(data, &jsonRecipients); err != nil {
		fatal("parse recipients JSON: %v", err)
	}
	if len(jsonRecipients) == 0 {
		fatal("recipients file is empty")
	}

	recipients := make([]rpc.Recipient, len(jsonRecipients))
	for i, r := range jsonRecipients {
		if r.To == "" || r.Amount == "" {
			fatal("recipient %d: to and amount are required", i)
		}
		if _, err := types.ParseAddress(r.To); err != nil {
			fatal("recipient %d: invalid address: %v", i, err)
		}
		amount, err := parseAmount(r.Amount)
		if err != nil {
			fatal("recipient %d: invalid amount: %v", i, err)
		}
		recipients[i] = rpc.Recipient{To: r.To, Amount: amount}
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	// Unlock wallet locally to verify password before round-tripping to the node.
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	if _, err := ks.Load(*walletName, password); err != nil {
		fatal("invalid password or wallet: %v", err)
	}

	client := rpcclient.New(rpcURL)
	var result rpc.WalletSendManyResult
	if err := client.Call("wallet_sendMany", rpc.WalletSendManyParam{
		Name:       *walletName,
		Password:   string(password),
		Recipients: recipients,
	}, &result); err != nil {
		fatal("wallet_sendMany: %v", err)
	}

	fmt.Printf("Submitted: %s\n", result.TxHash)
	fmt.Printf("Recipients: %d\n", len(recipients))
}

// ── balance ─────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cli balance <address>")
	}

	addr := args[0]
	var result rpc.BalanceResult
	if err := client.Call("utxo_getBalance", rpc.AddressParam{Address: addr}, &result); err != nil {
		fatal("utxo_getBalance: %v", err)
	}

	fmt.Printf("Address:   %s\n", result.Address)
	fmt.Printf("Spendable: %s\n", formatAmount(result.Spendable))
	if result.Pending > 0 {
		fmt.Printf("Pending:   %s\n", formatAmount(result.Pending))
	}
	if result.Locked > 0 {
		fmt.Printf("Locked:    %s\n", formatAmount(result.Locked))
	}
}

// ── mempool ─────────────────────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}

	fmt.Printf("Pending:      %d\n", info.PendingCount)
	fmt.Printf("Finalized:    %d\n", info.FinalizedCount)
	fmt.Printf("Min Fee Rate: %d per byte\n", info.MinFeeRate)

	if info.PendingCount > 0 || info.FinalizedCount > 0 {
		var content rpc.MempoolContentResult
		if err := client.Call("mempool_getContent", nil, &content); err != nil {
			fatal("mempool_getContent: %v", err)
		}
		if len(content.Pending) > 0 {
			fmt.Println("Pending (voting):")
			for _, h := range content.Pending {
				fmt.Printf("  %s\n", h)
			}
		}
		if len(content.Finalized) > 0 {
			fmt.Println("Finalized (awaiting a block):")
			for _, h := range content.Finalized {
				fmt.Printf("  %s\n", h)
			}
		}
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}
	if node.Syncing {
		fmt.Println("Syncing: yes")
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s\n", p.ID)
	}
}

// ── masternode ──────────────────────────────────────────────────────────

func cmdMasternode(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cli masternode <list|status> [pubkey]")
	}

	switch args[0] {
	case "list":
		cmdMasternodeList(client)
	case "status":
		if len(args) < 2 {
			fatal("Usage: klingnet-cli masternode status <pubkey>")
		}
		cmdMasternodeStatus(client, args[1])
	default:
		fatal("Unknown masternode command: %s\nUsage: klingnet-cli masternode <list|status> [pubkey]", args[0])
	}
}

func cmdMasternodeList(client *rpcclient.Client) {
	var result rpc.MasternodeListResult
	if err := client.Call("masternode_list", nil, &result); err != nil {
		fatal("masternode_list: %v", err)
	}

	fmt.Printf("Slot:         %d\n", result.Slot)
	fmt.Printf("Total Weight: %d\n", result.TotalWeight)
	fmt.Printf("Masternodes:  %d\n\n", len(result.Masternodes))
	for i, m := range result.Masternodes {
		fmt.Printf("  [%d] %s  weight=%d\n", i, m.ID, m.Weight)
	}
}

func cmdMasternodeStatus(client *rpcclient.Client, pubkey string) {
	var result rpc.MasternodeStatusResult
	if err := client.Call("masternode_getStatus", rpc.PubKeyParam{PubKey: pubkey}, &result); err != nil {
		fatal("masternode_getStatus: %v", err)
	}

	fmt.Printf("ID:             %s\n", result.ID)
	fmt.Printf("Tier:           %s\n", result.Tier)
	fmt.Printf("Weight:         %d\n", result.Weight)
	fmt.Printf("Reward Address: %s\n", result.RewardAddress)
	fmt.Printf("Last Seen:      %d\n", result.LastSeen)
	fmt.Printf("Active:         %v\n", result.Active)
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdWallet(args []string, ksDir, rpcURL string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cli wallet <create|import|list|address|new-address|consolidate|balance|export-key|rescan|history> [flags]")
	}

	switch args[0] {
	case "create":
		cmdWalletCreate(args[1:], ksDir)
	case "import":
		cmdWalletImport(args[1:], ksDir, rpcURL)
	case "list":
		cmdWalletList(ksDir)
	case "address":
		cmdWalletAddress(args[1:], ksDir)
	case "new-address":
		cmdWalletNewAddress(args[1:], ksDir)
	case "consolidate":
		cmdWalletConsolidate(args[1:], rpcURL)
	case "balance":
		cmdWalletBalance(args[1:], ksDir, rpcURL)
	case "export-key":
		cmdWalletExportKey(args[1:], ksDir)
	case "rescan":
		cmdWalletRescan(args[1:], rpcURL)
	case "history":
		cmdWalletHistory(args[1:], rpcURL)
	default:
		fatal("Unknown wallet command: %s\nUsage: klingnet-cli wallet <create|import|list|address|new-address|consolidate|balance|export-key|rescan|history> [flags]", args[0])
	}
}

func cmdWalletCreate(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet create", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: klingnet-cli wallet create --name <name>")
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}

	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}

	if err := ks.Create(*name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	for i := range seed {
		seed[i] = 0
	}

	if err := ks.AddAccount(*name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	fmt.Printf("\nWallet created: %s\n", *name)
	fmt.Printf("Address: %s\n", addr.String())
}

func cmdWalletImport(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("wallet import", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic (24 words)")
	fs.Parse(args)

	if *name == "" || *mnemonic == "" {
		fatal("Usage: klingnet-cli wallet import --name <name> --mnemonic \"word1 word2 ...\"")
	}

	if !wallet.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	seed, err := wallet.SeedFromMnemonic(*mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}

	if err := ks.Create(*name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	for i := range seed {
		seed[i] = 0
	}

	if err := ks.AddAccount(*name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	fmt.Printf("Wallet imported: %s\n", *name)
	fmt.Printf("Address: %s\n", addr.String())

	client := rpcclient.NewWithTimeout(rpcURL, 600*time.Second)
	var result rpc.WalletRescanResult
	if err := client.Call("wallet_rescan", rpc.WalletRescanParam{
		Name:     *name,
		Password: string(password),
	}, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: address scan failed (is node running with --wallet?): %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'klingnet-cli wallet rescan --wallet "+*name+"' when the node is available.")
		return
	}

	fmt.Printf("Scanned blocks 0-%d: found %d addresses (%d new)\n",
		result.ToHeight, result.AddressesFound, result.AddressesNew)

	if result.ToHeight < 10 && result.AddressesFound <= 1 {
		fmt.Fprintln(os.Stderr, "Warning: node appears to still be syncing. Run 'klingnet-cli wallet rescan --wallet "+*name+"' after sync completes.")
	}
}

func cmdWalletList(ksDir string) {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	names, err := ks.List()
	if err != nil {
		fatal("list wallets: %v", err)
	}

	if len(names) == 0 {
		fmt.Println("No wallets found.")
		return
	}

	for _, name := range names {
		fmt.Println(name)
	}
}

func cmdWalletAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet address", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: klingnet-cli wallet address --wallet <name>")
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	accounts, err := ks.ListAccounts(*walletName)
	if err != nil {
		fatal("list accounts: %v", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No addresses found.")
		return
	}

	for _, acct := range accounts {
		fmt.Printf("  [%d] %s\n", acct.Index, acct.Address)
	}
}

func cmdWalletNewAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet new-address", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: klingnet-cli wallet new-address --wallet <name>")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("derive master key: %v", err)
	}

	nextIdx, err := ks.GetExternalIndex(*walletName)
	if err != nil {
		fatal("get external index: %v", err)
	}
	if nextIdx == 0 {
		nextIdx = 1
	}

	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, nextIdx)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	if err := ks.AddAccount(*walletName, wallet.AccountEntry{
		Index:   nextIdx,
		Name:    fmt.Sprintf("Address %d", nextIdx),
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	if err := ks.IncrementExternalIndex(*walletName); err != nil {
		fatal("increment index: %v", err)
	}

	fmt.Printf("New address [%d]: %s\n", nextIdx, addr.String())
}

func cmdWalletConsolidate(args []string, rpcURL string) {
	fs := flag.NewFlagSet("wallet consolidate", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	maxInputs := fs.Uint("max-inputs", 500, "Max inputs to merge in one consolidation tx")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: klingnet-cli wallet consolidate --wallet <name> [--max-inputs N]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	client := rpcclient.New(rpcURL)
	var result rpc.WalletConsolidateResult
	if err := client.Call("wallet_consolidate", rpc.WalletConsolidateParam{
		Name:      *walletName,
		Password:  string(password),
		MaxInputs: uint32(*maxInputs),
	}, &result); err != nil {
		fatal("wallet_consolidate: %v", err)
	}

	fmt.Printf("Consolidation transaction submitted\n")
	fmt.Printf("  Tx Hash:       %s\n", result.TxHash)
	fmt.Printf("  Inputs merged: %d\n", result.InputsUsed)
	fmt.Printf("  Input total:   %s\n", formatAmount(result.InputTotal))
	fmt.Printf("  Fee:           %s\n", formatAmount(result.Fee))
	fmt.Printf("  Output amount: %s\n", formatAmount(result.OutputAmount))
	fmt.Println("\nRun this command again if you still have many small UTXOs.")
}

func cmdWalletBalance(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("wallet balance", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name (omit for all wallets)")
	fs.Parse(args)

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	var walletNames []string
	if *walletName != "" {
		walletNames = []string{*walletName}
	} else {
		walletNames, err = ks.List()
		if err != nil {
			fatal("list wallets: %v", err)
		}
	}

	if len(walletNames) == 0 {
		fmt.Println("No wallets found.")
		return
	}

	client := rpcclient.New(rpcURL)
	var grandSpendable uint64

	for _, name := range walletNames {
		accounts, err := ks.ListAccounts(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to read wallet %q: %v\n", name, err)
			continue
		}

		fmt.Printf("Wallet: %s\n", name)
		var walletSpendable, walletPending, walletLocked uint64

		for _, acct := range accounts {
			var result rpc.BalanceResult
			if err := client.Call("utxo_getBalance", rpc.AddressParam{Address: acct.Address}, &result); err != nil {
				fmt.Fprintf(os.Stderr, "  Warning: failed to get balance for %s: %v\n", acct.Address, err)
				continue
			}

			fmt.Printf("  [%d] %s  spendable=%s", acct.Index, acct.Address, formatAmount(result.Spendable))
			if result.Pending > 0 || result.Locked > 0 {
				fmt.Printf(" (pending=%s, locked=%s)", formatAmount(result.Pending), formatAmount(result.Locked))
			}
			fmt.Println()

			walletSpendable += result.Spendable
			walletPending += result.Pending
			walletLocked += result.Locked
		}

		fmt.Printf("  Spendable: %s\n", formatAmount(walletSpendable))
		if walletPending > 0 || walletLocked > 0 {
			fmt.Printf("  Pending: %s, Locked: %s\n", formatAmount(walletPending), formatAmount(walletLocked))
		}
		fmt.Println()
		grandSpendable += walletSpendable
	}

	if len(walletNames) > 1 {
		fmt.Printf("Grand Spendable: %s\n", formatAmount(grandSpendable))
	}
}

func cmdWalletExportKey(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet export-key", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	output := fs.String("output", "", "Output file path (default: <name>.key)")
	account := fs.Uint("account", 0, "BIP-44 account index")
	index := fs.Uint("index", 0, "BIP-44 address index")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: klingnet-cli wallet export-key --wallet <name> [--output path] [--account 0] [--index 0]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("derive master key: %v", err)
	}

	hdKey, err := master.DeriveAddress(uint32(*account), wallet.ChangeExternal, uint32(*index))
	if err != nil {
		fatal("derive address key: %v", err)
	}

	privBytes := hdKey.PrivateKeyBytes()
	if privBytes == nil {
		fatal("no private key available")
	}

	pubBytes := hdKey.PublicKeyBytes()
	addr := hdKey.Address()

	privHex := hex.EncodeToString(privBytes)
	for i := range privBytes {
		privBytes[i] = 0
	}

	outPath := *output
	if outPath == "" {
		outPath = *walletName + ".key"
	}

	if err := os.WriteFile(outPath, []byte(privHex+"\n"), 0600); err != nil {
		fatal("write key file: %v", err)
	}

	fmt.Printf("Exported key to: %s\n", outPath)
	fmt.Printf("  Path:    m/44'/8888'/%d'/0/%d\n", *account, *index)
	fmt.Printf("  PubKey:  %s\n", hex.EncodeToString(pubBytes))
	fmt.Printf("  Address: %s\n", addr.String())
}

func cmdWalletRescan(args []string, rpcURL string) {
	fs := flag.NewFlagSet("wallet rescan", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fromHeight := fs.Uint64("from-height", 0, "Block height to start scanning from (default: 0)")
	deriveLimit := fs.Uint("derive-limit", 0, "Max addresses per change branch to derive during rescan (default: auto)")
	timeoutSec := fs.Int("timeout", 600, "RPC timeout in seconds for this rescan request")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: klingnet-cli wallet rescan --wallet <name> [--from-height N] [--derive-limit N] [--timeout sec]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	client := rpcclient.NewWithTimeout(rpcURL, time.Duration(*timeoutSec)*time.Second)
	var result rpc.WalletRescanResult
	if err := client.Call("wallet_rescan", rpc.WalletRescanParam{
		Name:        *walletName,
		Password:    string(password),
		FromHeight:  *fromHeight,
		DeriveLimit: uint32(*deriveLimit),
	}, &result); err != nil {
		fatal("rescan: %v", err)
	}

	fmt.Printf("Rescan complete (blocks %d -> %d)\n", result.FromHeight, result.ToHeight)
	fmt.Printf("  Addresses found: %d\n", result.AddressesFound)
	fmt.Printf("  New addresses:   %d\n", result.AddressesNew)
}

func cmdWalletHistory(args []string, rpcURL string) {
	fs := flag.NewFlagSet("wallet history", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	limit := fs.Int("limit", 20, "Max entries to show")
	offset := fs.Int("offset", 0, "Entries to skip")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: klingnet-cli wallet history --wallet <name> [--limit N] [--offset N]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	client := rpcclient.New(rpcURL)
	var result rpc.WalletGetHistoryResult
	if err := client.Call("wallet_getHistory", rpc.WalletGetHistoryParam{
		Name:     *walletName,
		Password: string(password),
		Limit:    *limit,
		Offset:   *offset,
	}, &result); err != nil {
		fatal("wallet_getHistory: %v", err)
	}

	fmt.Printf("Total: %d\n\n", result.Total)
	for _, e := range result.Entries {
		confirmed := "unconfirmed"
		if e.Confirmed {
			confirmed = fmt.Sprintf("height %d", e.Height)
		}
		fmt.Printf("  %s  %-10s %-14s (%s)\n", e.TxHash, e.Type, e.Amount, confirmed)
	}
}

// ── Formatting helpers ─────────────────────────────────────────────────

// formatAmount converts raw units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// parseAmount converts a decimal string to raw units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	parts := strings.SplitN(s, ".", 2)

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}

	return result + frac, nil
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
