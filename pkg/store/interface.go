package store

import (
	"errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

// Store is the underlying KV store (Badger). Each room gets its own Store.
type Store interface {
	// Close closes the store.
	Close() error

	// View runs a read-only transaction.
	View(fn func(Tx) error) error

	// Update runs a read-write transaction.
	Update(fn func(Tx) error) error
}

// Tx is a transaction.
type Tx interface {
	// Set stores value under key.
	Set(key, value []byte) error

	// Get returns the value under key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Delete removes key.
	Delete(key []byte) error

	// NewIterator creates an iterator with the given options.
	NewIterator(opts IteratorOptions) Iterator
}

// IteratorOptions configures an iterator.
type IteratorOptions struct {
	Prefix  []byte
	Reverse bool
}

// Iterator walks keys in the store.
type Iterator interface {
	// Seek moves to the first key >= key (<= key when reversed).
	Seek(key []byte)

	// Rewind moves to the start of the range.
	Rewind()

	Valid() bool

	ValidForPrefix(prefix []byte) bool

	Next()

	// Item returns copies of the current key and value.
	Item() (key, value []byte, err error)

	Close()
}

// LastWithPrefix returns the greatest key (and its value) starting with
// prefix, or ErrKeyNotFound.
func LastWithPrefix(tx Tx, prefix []byte) ([]byte, []byte, error) {
	it := tx.NewIterator(IteratorOptions{Prefix: prefix, Reverse: true})
	defer it.Close()

	seek := append(append([]byte(nil), prefix...), 0xFF)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return nil, nil, ErrKeyNotFound
	}
	return it.Item()
}

// ScanPrefix calls fn for every key starting with prefix, in key order.
// Returning an error from fn stops the scan.
func ScanPrefix(tx Tx, prefix []byte, fn func(key, value []byte) error) error {
	it := tx.NewIterator(IteratorOptions{Prefix: prefix})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k, v, err := it.Item()
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
