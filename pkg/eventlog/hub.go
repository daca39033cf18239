package eventlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shinyes/yep_deck/pkg/loop"
	"github.com/shinyes/yep_deck/pkg/store"
)

// Hub is an in-process log server shared by all replicas of a room. Records
// are persisted in a store.Store under
//
//	"log" 0x00 <key> 0x00 <20-digit sequence>
//
// and fanned out to subscribers through each subscriber's dispatcher.
type Hub struct {
	s      store.Store
	logger log.Logger

	mu     sync.Mutex
	next   map[string]uint64
	subs   map[string]map[*hubSubscriber]struct{}
	closed bool
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(logger log.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates a Hub over s. The hub does not own s.
func NewHub(s store.Store, opts ...HubOption) *Hub {
	h := &Hub{
		s:      s,
		logger: log.NewNopLogger(),
		next:   make(map[string]uint64),
		subs:   make(map[string]map[*hubSubscriber]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Open returns the log for key whose deliveries run on poster.
func (h *Hub) Open(key string, poster loop.Poster) Log {
	return &hubLog{hub: h, key: key, poster: poster}
}

// Opener binds the hub to one replica's dispatcher.
func (h *Hub) Opener(poster loop.Poster) Opener {
	return OpenerFunc(func(key string) Log { return h.Open(key, poster) })
}

// Close detaches every subscriber. Later appends fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for key, subs := range h.subs {
		for sub := range subs {
			sub.active.Store(false)
		}
		delete(h.subs, key)
	}
}

func validKey(key string) error {
	if key == "" || strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func keyPrefix(key string) []byte {
	return []byte("log\x00" + key + "\x00")
}

func recordKey(key string, seq uint64) []byte {
	return append(keyPrefix(key), []byte(formatSeq(seq))...)
}

func formatSeq(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func seqFromKey(prefix, k []byte) (uint64, error) {
	return strconv.ParseUint(string(k[len(prefix):]), 10, 64)
}

// nextSeqLocked returns the next sequence number for key, loading it from
// the store on first use.
func (h *Hub) nextSeqLocked(key string) (uint64, error) {
	if n, ok := h.next[key]; ok {
		return n, nil
	}

	prefix := keyPrefix(key)
	var n uint64 = 1
	err := h.s.View(func(tx store.Tx) error {
		k, _, err := store.LastWithPrefix(tx, prefix)
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		last, err := seqFromKey(prefix, k)
		if err != nil {
			return fmt.Errorf("corrupt record key %q: %w", k, err)
		}
		n = last + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	h.next[key] = n
	return n, nil
}

func (h *Hub) append(key string, payload []byte) (Record, error) {
	if err := validKey(key); err != nil {
		return Record{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Record{}, ErrClosed
	}

	seq, err := h.nextSeqLocked(key)
	if err != nil {
		return Record{}, err
	}

	data := append([]byte(nil), payload...)
	if err := h.s.Update(func(tx store.Tx) error {
		return tx.Set(recordKey(key, seq), data)
	}); err != nil {
		return Record{}, err
	}
	h.next[key] = seq + 1

	rec := Record{Key: key, ID: formatSeq(seq), Payload: data}
	for sub := range h.subs[key] {
		sub.deliver(rec)
	}
	return rec, nil
}

func (h *Hub) existingLocked(key string, mode Mode) ([]Record, error) {
	prefix := keyPrefix(key)
	var out []Record

	err := h.s.View(func(tx store.Tx) error {
		switch mode {
		case ModeTailOnly:
			k, v, err := store.LastWithPrefix(tx, prefix)
			if errors.Is(err, store.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out = append(out, Record{Key: key, ID: string(k[len(prefix):]), Payload: v})
			return nil
		case ModeFullReplay:
			return store.ScanPrefix(tx, prefix, func(k, v []byte) error {
				out = append(out, Record{Key: key, ID: string(k[len(prefix):]), Payload: v})
				return nil
			})
		default:
			return nil
		}
	})
	return out, err
}

func (h *Hub) subscribe(key string, mode Mode, poster loop.Poster, fn func(Record)) (*hubSubscriber, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	existing, err := h.existingLocked(key, mode)
	if err != nil {
		return nil, err
	}

	sub := &hubSubscriber{hub: h, key: key, poster: poster, fn: fn}
	sub.active.Store(true)
	for _, rec := range existing {
		sub.deliver(rec)
	}

	if h.subs[key] == nil {
		h.subs[key] = make(map[*hubSubscriber]struct{})
	}
	h.subs[key][sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(sub *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[sub.key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.key)
		}
	}
}

func (h *Hub) hasAny(key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.nextSeqLocked(key)
	if err != nil {
		return false, err
	}
	return n > 1, nil
}

type hubSubscriber struct {
	hub    *Hub
	key    string
	poster loop.Poster
	fn     func(Record)
	active atomic.Bool
}

func (s *hubSubscriber) deliver(rec Record) {
	s.poster.Post(func() {
		if s.active.Load() {
			s.fn(rec)
		}
	})
}

func (s *hubSubscriber) Close() {
	if s.active.Swap(false) {
		s.hub.unsubscribe(s)
	}
}

type hubLog struct {
	hub    *Hub
	key    string
	poster loop.Poster
}

func (l *hubLog) Key() string { return l.key }

func (l *hubLog) Append(payload []byte) {
	rec, err := l.hub.append(l.key, payload)
	if err != nil {
		level.Error(l.hub.logger).Log("msg", "append failed", "key", l.key, "err", err)
		return
	}
	level.Debug(l.hub.logger).Log("msg", "appended", "key", l.key, "id", rec.ID, "bytes", len(rec.Payload))
}

func (l *hubLog) Subscribe(mode Mode, fn func(Record)) Subscription {
	sub, err := l.hub.subscribe(l.key, mode, l.poster, fn)
	if err != nil {
		level.Error(l.hub.logger).Log("msg", "subscribe failed", "key", l.key, "mode", mode, "err", err)
		return nopSubscription{}
	}
	return sub
}

func (l *hubLog) HasAnyEvent() (bool, error) {
	return l.hub.hasAny(l.key)
}

type nopSubscription struct{}

func (nopSubscription) Close() {}
