package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/timelock-chain/tlcd/internal/coreerr"
	"github.com/timelock-chain/tlcd/internal/storage"
	"github.com/timelock-chain/tlcd/pkg/types"
)

// Key prefixes for the coin store. The stake index key width is 32 bytes
// (Ed25519) to match pkg/crypto's signing key, not the 33-byte compressed
// secp256k1 form used elsewhere for VRF keys.
var (
	prefixCoin  = []byte("u/") // u/<txid><index> -> Coin JSON
	prefixAddr  = []byte("a/") // a/<owner><txid><index> -> empty (index)
	prefixStake = []byte("k/") // k/<pubkey32><txid><index> -> empty (stake index)
)

// Store implements coin storage backed by a storage.DB. Put/Delete here
// are for initial coin creation (coinbase outputs, genesis, tests); state
// transitions on existing coins go through Ledger.transitionBatch instead
// so a whole batch lands atomically (see ledger.go).
type Store struct {
	db storage.DB
}

// NewStore creates a new coin store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// coinKey builds a storage key for an outpoint: "u/" + txid(32) + index(4).
func coinKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixCoin)+types.HashSize+4)
	copy(key, prefixCoin)
	copy(key[len(prefixCoin):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixCoin)+types.HashSize:], op.Index)
	return key
}

// addrKey builds an address index key: "a/" + owner(20) + txid(32) + index(4).
func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := make([]byte, len(prefixAddr)+types.AddressSize+types.HashSize+4)
	copy(key, prefixAddr)
	copy(key[len(prefixAddr):], addr[:])
	off := len(prefixAddr) + types.AddressSize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// stakeKey builds a stake index key: "k/" + pubkey(32) + txid(32) + index(4).
func stakeKey(pubKey []byte, op types.Outpoint) []byte {
	key := make([]byte, len(prefixStake)+ed25519PubKeySize+types.HashSize+4)
	copy(key, prefixStake)
	copy(key[len(prefixStake):], pubKey)
	off := len(prefixStake) + ed25519PubKeySize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// Get retrieves a coin by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*Coin, error) {
	data, err := s.db.Get(coinKey(outpoint))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "coin get: %w", err)
	}
	var c Coin
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "coin unmarshal: %w", err)
	}
	return &c, nil
}

// Has reports whether a coin exists for the given outpoint, regardless of state.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(coinKey(outpoint))
}

// GetUTXO and HasUTXO satisfy pkg/tx.UTXOProvider so a Store can validate
// transactions directly, without a separate adapter layer between the
// coin ledger and transaction validation.
func (s *Store) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, types.OutputState, error) {
	c, err := s.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, 0, err
	}
	return c.Value, c.Script, c.State, nil
}

func (s *Store) HasUTXO(outpoint types.Outpoint) bool {
	ok, err := s.Has(outpoint)
	return err == nil && ok
}

// Put stores a coin and updates its secondary indexes.
func (s *Store) Put(c *Coin) error {
	data, err := json.Marshal(c)
	if err != nil {
		return coreerr.Wrap(coreerr.StorageError, "coin marshal: %w", err)
	}
	if err := s.db.Put(coinKey(c.Outpoint), data); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "coin put: %w", err)
	}
	if addr, ok := scriptOwner(c.Script); ok {
		if err := s.db.Put(addrKey(addr, c.Outpoint), []byte{}); err != nil {
			return coreerr.Wrap(coreerr.StorageError, "coin address index put: %w", err)
		}
	}
	if c.Script.Type == types.ScriptTypeStake && len(c.Script.Data) == ed25519PubKeySize {
		if err := s.db.Put(stakeKey(c.Script.Data, c.Outpoint), []byte{}); err != nil {
			return coreerr.Wrap(coreerr.StorageError, "coin stake index put: %w", err)
		}
	}
	return nil
}

// Delete removes a coin and its secondary index entries.
func (s *Store) Delete(outpoint types.Outpoint) error {
	c, err := s.Get(outpoint)
	if err == nil {
		if addr, ok := scriptOwner(c.Script); ok {
			s.db.Delete(addrKey(addr, c.Outpoint))
		}
		if c.Script.Type == types.ScriptTypeStake && len(c.Script.Data) == ed25519PubKeySize {
			s.db.Delete(stakeKey(c.Script.Data, c.Outpoint))
		}
	}
	if err := s.db.Delete(coinKey(outpoint)); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "coin delete: %w", err)
	}
	return nil
}

// ForEach iterates over every coin in the store, regardless of state.
func (s *Store) ForEach(fn func(*Coin) error) error {
	return s.db.ForEach(prefixCoin, func(key, value []byte) error {
		var c Coin
		if err := json.Unmarshal(value, &c); err != nil {
			return coreerr.Wrap(coreerr.StorageError, "coin unmarshal: %w", err)
		}
		return fn(&c)
	})
}

// GetByAddress returns every coin owned by addr, across all states.
func (s *Store) GetByAddress(addr types.Address) ([]*Coin, error) {
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var coins []*Coin
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		off := len(prefixAddr) + types.AddressSize
		if len(key) < off+types.HashSize+4 {
			return nil
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		c, err := s.Get(op)
		if err != nil {
			return nil // Coin may have been deleted, skip.
		}
		coins = append(coins, c)
		return nil
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan address index: %w", err)
	}
	return coins, nil
}

// GetStakes returns every coin in the stake index for the given masternode
// Ed25519 public key: each Stake-script coin paying to that key that has
// not been archived or deleted, whatever its state.
func (s *Store) GetStakes(pubKey []byte) ([]*Coin, error) {
	if len(pubKey) != ed25519PubKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519PubKeySize, len(pubKey))
	}
	prefix := make([]byte, len(prefixStake)+ed25519PubKeySize)
	copy(prefix, prefixStake)
	copy(prefix[len(prefixStake):], pubKey)

	var coins []*Coin
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		off := len(prefixStake) + ed25519PubKeySize
		if len(key) < off+types.HashSize+4 {
			return nil
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		c, err := s.Get(op)
		if err != nil {
			return nil
		}
		coins = append(coins, c)
		return nil
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan stake index: %w", err)
	}
	return coins, nil
}

// GetAllStakedMasternodes returns the unique Ed25519 public keys found in
// the stake index, whatever the state of the coins behind them.
func (s *Store) GetAllStakedMasternodes() ([][]byte, error) {
	seen := make(map[string]struct{})
	var ids [][]byte

	err := s.db.ForEach(prefixStake, func(key, _ []byte) error {
		if len(key) < len(prefixStake)+ed25519PubKeySize {
			return nil
		}
		pk := key[len(prefixStake) : len(prefixStake)+ed25519PubKeySize]
		pkStr := string(pk)
		if _, ok := seen[pkStr]; !ok {
			seen[pkStr] = struct{}{}
			id := make([]byte, ed25519PubKeySize)
			copy(id, pk)
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan stake index: %w", err)
	}
	return ids, nil
}

// ClearAll removes every coin and secondary index entry. Used to rebuild
// the coin set from chain history after a crash mid-reorg.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixCoin, prefixAddr, prefixStake} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return coreerr.Wrap(coreerr.StorageError, "scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return coreerr.Wrap(coreerr.StorageError, "delete coin key: %w", err)
		}
	}
	return nil
}
