package presence

import (
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/shinyes/yep_deck/pkg/loop"
)

// Hub is an in-process presence server. Each replica connects with its own
// dispatcher; notifications are posted to the dispatcher of the watcher.
type Hub struct {
	logger log.Logger

	mu       sync.Mutex
	entries  map[string]string
	watchers map[*watcher]struct{}
	conns    map[string]*Conn
}

// NewHub creates an empty Hub. A nil logger discards output.
func NewHub(logger log.Logger) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Hub{
		logger:   logger,
		entries:  make(map[string]string),
		watchers: make(map[*watcher]struct{}),
		conns:    make(map[string]*Conn),
	}
}

// Connect opens a connection whose callbacks run on poster. The connection
// starts connected.
func (h *Hub) Connect(poster loop.Poster) *Conn {
	c := &Conn{
		hub:      h,
		id:       uuid.NewString(),
		poster:   poster,
		state:    Connected,
		cleanups: make(map[string]struct{}),
		feeds:    make(map[*connFeed]struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	level.Debug(h.logger).Log("msg", "connected", "conn", c.id)
	return c
}

// Entries returns a copy of every published entry.
func (h *Hub) Entries() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]string, len(h.entries))
	for k, v := range h.entries {
		out[k] = v
	}
	return out
}

func childOf(root, p string) (string, bool) {
	prefix := strings.TrimSuffix(root, "/") + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	name := p[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (h *Hub) publish(p, value string) {
	p = path.Clean(p)

	h.mu.Lock()
	defer h.mu.Unlock()

	_, existed := h.entries[p]
	h.entries[p] = value
	if existed {
		return
	}
	for w := range h.watchers {
		if name, ok := childOf(w.root, p); ok {
			w.post(w.onInsert, name)
		}
	}
}

func (h *Hub) remove(p string) {
	p = path.Clean(p)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(p)
}

func (h *Hub) removeLocked(p string) {
	if _, ok := h.entries[p]; !ok {
		return
	}
	delete(h.entries, p)
	for w := range h.watchers {
		if name, ok := childOf(w.root, p); ok {
			w.post(w.onRemove, name)
		}
	}
}

func (h *Hub) watch(root string, poster loop.Poster, onInsert, onRemove func(string)) *watcher {
	w := &watcher{hub: h, root: path.Clean(root), poster: poster, onInsert: onInsert, onRemove: onRemove}
	w.active.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()

	for p := range h.entries {
		if name, ok := childOf(w.root, p); ok {
			w.post(w.onInsert, name)
		}
	}
	h.watchers[w] = struct{}{}
	return w
}

// drop runs the server side of a lost connection: every registered cleanup
// path is removed.
func (h *Hub) drop(c *Conn, cleanups []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range cleanups {
		h.removeLocked(p)
	}
	level.Debug(h.logger).Log("msg", "dropped", "conn", c.id, "cleanups", len(cleanups))
}

type watcher struct {
	hub      *Hub
	root     string
	poster   loop.Poster
	onInsert func(string)
	onRemove func(string)
	active   atomic.Bool
}

func (w *watcher) post(fn func(string), name string) {
	if fn == nil {
		return
	}
	w.poster.Post(func() {
		if w.active.Load() {
			fn(name)
		}
	})
}

func (w *watcher) Close() {
	if !w.active.Swap(false) {
		return
	}
	w.hub.mu.Lock()
	delete(w.hub.watchers, w)
	w.hub.mu.Unlock()
}

// Conn is one replica's connection to a Hub. It implements Transport and
// ConnectionFeed.
type Conn struct {
	hub    *Hub
	id     string
	poster loop.Poster

	mu       sync.Mutex
	state    State
	cleanups map[string]struct{}
	feeds    map[*connFeed]struct{}
}

var (
	_ Transport      = (*Conn)(nil)
	_ ConnectionFeed = (*Conn)(nil)
)

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// Publish sets path to value.
func (c *Conn) Publish(p, value string) error {
	if !c.online() {
		return ErrDisconnected
	}
	c.hub.publish(p, value)
	return nil
}

// RegisterCleanupOnDisconnect arranges for path to be removed by the hub when
// this connection drops. Registrations are consumed by the drop.
func (c *Conn) RegisterCleanupOnDisconnect(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		return ErrDisconnected
	}
	c.cleanups[path.Clean(p)] = struct{}{}
	return nil
}

// Remove deletes path and cancels any cleanup registered for it.
func (c *Conn) Remove(p string) error {
	if !c.online() {
		return ErrDisconnected
	}
	c.mu.Lock()
	delete(c.cleanups, path.Clean(p))
	c.mu.Unlock()

	c.hub.remove(p)
	return nil
}

// Watch reports children of root on this connection's dispatcher.
func (c *Conn) Watch(root string, onInsert, onRemove func(member string)) Subscription {
	return c.hub.watch(root, c.poster, onInsert, onRemove)
}

// SubscribeConnection delivers the current state, then every change.
func (c *Conn) SubscribeConnection(fn func(State)) Subscription {
	f := &connFeed{conn: c, fn: fn}
	f.active.Store(true)

	c.mu.Lock()
	c.feeds[f] = struct{}{}
	state := c.state
	c.mu.Unlock()

	f.post(state)
	return f
}

// Drop simulates a lost connection: the hub runs the registered cleanups and
// subscribers see Disconnected.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	cleanups := make([]string, 0, len(c.cleanups))
	for p := range c.cleanups {
		cleanups = append(cleanups, p)
	}
	c.cleanups = make(map[string]struct{})
	feeds := c.snapshotFeedsLocked()
	c.mu.Unlock()

	c.hub.drop(c, cleanups)
	for _, f := range feeds {
		f.post(Disconnected)
	}
}

// Reconnect restores the connection and notifies subscribers.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	feeds := c.snapshotFeedsLocked()
	c.mu.Unlock()

	level.Debug(c.hub.logger).Log("msg", "reconnected", "conn", c.id)
	for _, f := range feeds {
		f.post(Connected)
	}
}

// Close drops the connection and forgets it.
func (c *Conn) Close() {
	c.Drop()

	c.hub.mu.Lock()
	delete(c.hub.conns, c.id)
	c.hub.mu.Unlock()
}

func (c *Conn) snapshotFeedsLocked() []*connFeed {
	out := make([]*connFeed, 0, len(c.feeds))
	for f := range c.feeds {
		out = append(out, f)
	}
	return out
}

type connFeed struct {
	conn   *Conn
	fn     func(State)
	active atomic.Bool
}

func (f *connFeed) post(state State) {
	f.conn.poster.Post(func() {
		if f.active.Load() {
			f.fn(state)
		}
	})
}

func (f *connFeed) Close() {
	if !f.active.Swap(false) {
		return
	}
	f.conn.mu.Lock()
	delete(f.conn.feeds, f)
	f.conn.mu.Unlock()
}
