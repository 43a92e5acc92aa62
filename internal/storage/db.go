// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value may share memory
	// with the store, so callers copy it before keeping it past the call.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch buffers a set of key writes/deletes for atomic application.
// UTXO state transitions touch several keys at once (the primary record
// plus address/stake indexes); Batch lets callers commit all of them or
// none of them.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by a DB that can produce an atomic Batch.
type Batcher interface {
	NewBatch() Batch
}
