package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RoomStores opens one Store per room under a shared root directory.
type RoomStores struct {
	rootPath string
	options  []BadgerOption
	mu       sync.RWMutex
	stores   map[string]*BadgerStore
}

// NewRoomStores creates a RoomStores rooted at rootPath. options are applied
// to every store it opens.
func NewRoomStores(rootPath string, options ...BadgerOption) *RoomStores {
	return &RoomStores{
		rootPath: rootPath,
		options:  options,
		stores:   make(map[string]*BadgerStore),
	}
}

// Get returns the store for room, opening it on first use.
func (m *RoomStores) Get(room string) (Store, error) {
	if err := ValidateRoom(room); err != nil {
		return nil, err
	}

	m.mu.RLock()
	s, ok := m.stores[room]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[room]; ok {
		return s, nil
	}

	dbPath := filepath.Join(m.rootPath, room)
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("create room directory: %w", err)
	}

	s, err := NewBadgerStore(dbPath, m.options...)
	if err != nil {
		return nil, fmt.Errorf("open room store: %w", err)
	}

	m.stores[room] = s
	return s, nil
}

// Close closes the store of one room.
func (m *RoomStores) Close(room string) error {
	if err := ValidateRoom(room); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[room]
	if !ok {
		return nil
	}

	delete(m.stores, room)
	return s.Close()
}

// CloseAll closes every open store and returns the first error.
func (m *RoomStores) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for room, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, room)
	}
	return firstErr
}

// ValidateRoom rejects room names that are empty or could escape the root
// directory. Allowed characters are ASCII letters, digits, '-', '_' and '.'.
func ValidateRoom(room string) error {
	if room == "" || room == "." || room == ".." {
		return fmt.Errorf("invalid room name %q", room)
	}
	for _, r := range room {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("invalid room name %q: unexpected %q", room, r)
		}
	}
	return nil
}
