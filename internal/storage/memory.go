package storage

import (
	"errors"
	"strings"
	"sync"
)

// MemoryDB implements DB and Batcher using an in-memory map. Used as the
// storage double in unit tests that exercise UTXO transitions without a
// disk-backed database.
type MemoryDB struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	snapshot := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.Unlock()

	p := string(prefix)
	for k, v := range snapshot {
		if strings.HasPrefix(k, p) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// NewBatch returns an atomic batch over the in-memory map. Writes are
// buffered and applied under a single lock on Commit.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m}
}

type memoryOp struct {
	delete bool
	value  []byte
}

// memoryBatch implements Batch for MemoryDB.
type memoryBatch struct {
	db  *MemoryDB
	ops map[string]memoryOp
}

func (mb *memoryBatch) Put(key, value []byte) error {
	if mb.ops == nil {
		mb.ops = make(map[string]memoryOp)
	}
	mb.ops[string(key)] = memoryOp{value: append([]byte(nil), value...)}
	return nil
}

func (mb *memoryBatch) Delete(key []byte) error {
	if mb.ops == nil {
		mb.ops = make(map[string]memoryOp)
	}
	mb.ops[string(key)] = memoryOp{delete: true}
	return nil
}

func (mb *memoryBatch) Commit() error {
	mb.db.mu.Lock()
	defer mb.db.mu.Unlock()
	for k, op := range mb.ops {
		if op.delete {
			delete(mb.db.data, k)
			continue
		}
		mb.db.data[k] = op.value
	}
	return nil
}
