package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// roomValueLogSize bounds a value log file. Room logs hold small msgpack
// events, so files far below Badger's 1GB default are enough.
const roomValueLogSize = 64 << 20

// BadgerStore is a Store on one Badger database.
type BadgerStore struct {
	db *badger.DB
}

type badgerSettings struct {
	inMemory   bool
	syncWrites bool
}

// BadgerOption customizes how Badger is opened.
type BadgerOption func(*badgerSettings)

// WithBadgerInMemory keeps all data in memory. The directory passed to
// NewBadgerStore is ignored.
func WithBadgerInMemory() BadgerOption {
	return func(s *badgerSettings) { s.inMemory = true }
}

// WithBadgerSyncWrites makes every committed append durable before Update
// returns.
func WithBadgerSyncWrites(enabled bool) BadgerOption {
	return func(s *badgerSettings) { s.syncWrites = enabled }
}

// NewBadgerStore opens the database in dir.
func NewBadgerStore(dir string, options ...BadgerOption) (*BadgerStore, error) {
	var settings badgerSettings
	for _, o := range options {
		if o != nil {
			o(&settings)
		}
	}

	switch {
	case settings.inMemory:
		dir = ""
	case dir == "":
		return nil, errors.New("badger: a directory is required unless in-memory")
	}

	opts := badger.DefaultOptions(dir).
		WithInMemory(settings.inMemory).
		WithSyncWrites(settings.syncWrites).
		WithValueLogFileSize(roomValueLogSize).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// SyncWrites reports whether commits are synced to disk.
func (s *BadgerStore) SyncWrites() bool {
	return s.db.Opts().SyncWrites
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) View(fn func(Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error { return fn(badgerTx{txn}) })
}

func (s *BadgerStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error { return fn(badgerTx{txn}) })
}

type badgerTx struct {
	txn *badger.Txn
}

func (tx badgerTx) Set(key, value []byte) error {
	return tx.txn.Set(key, value)
}

func (tx badgerTx) Get(key []byte) ([]byte, error) {
	item, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (tx badgerTx) Delete(key []byte) error {
	return tx.txn.Delete(key)
}

func (tx badgerTx) NewIterator(opts IteratorOptions) Iterator {
	it := badger.DefaultIteratorOptions
	it.Prefix = opts.Prefix
	it.Reverse = opts.Reverse
	return badgerIterator{tx.txn.NewIterator(it)}
}

type badgerIterator struct {
	*badger.Iterator
}

func (i badgerIterator) Item() ([]byte, []byte, error) {
	item := i.Iterator.Item()
	v, err := item.ValueCopy(nil)
	return item.KeyCopy(nil), v, err
}
