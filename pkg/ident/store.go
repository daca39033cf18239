package ident

import (
	"errors"
	"fmt"

	"github.com/shinyes/yep_deck/pkg/store"
)

// UserIDKey is the key under which a replica persists its own identity.
const UserIDKey = "user_id"

// LocalIdentityStore persists small strings across sessions.
type LocalIdentityStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// StoreIdentity is a LocalIdentityStore on top of a KV store.
type StoreIdentity struct {
	s store.Store
}

// NewStoreIdentity wraps s.
func NewStoreIdentity(s store.Store) *StoreIdentity {
	return &StoreIdentity{s: s}
}

func identityKey(key string) []byte {
	return []byte("identity/" + key)
}

func (si *StoreIdentity) Get(key string) (string, bool, error) {
	var value []byte
	err := si.s.View(func(tx store.Tx) error {
		v, err := tx.Get(identityKey(key))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (si *StoreIdentity) Set(key, value string) error {
	return si.s.Update(func(tx store.Tx) error {
		return tx.Set(identityKey(key), []byte(value))
	})
}

// EnsureUserID returns the persisted user id, creating and storing a new one
// on first use.
func EnsureUserID(s LocalIdentityStore, gen *Generator) (string, error) {
	id, ok, err := s.Get(UserIDKey)
	if err != nil {
		return "", fmt.Errorf("read user id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	if gen == nil {
		gen = defaultGenerator
	}
	id = gen.Generate()
	if err := s.Set(UserIDKey, id); err != nil {
		return "", fmt.Errorf("persist user id: %w", err)
	}
	return id, nil
}
