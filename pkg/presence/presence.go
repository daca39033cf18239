// Package presence tracks which participants of a room are currently online.
//
// A Set publishes its own member entry each time its connection comes up and
// asks the transport to remove the entry when the connection is lost. The
// online count is maintained incrementally from insert and remove
// notifications on the room's member root.
package presence

import (
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// State is the connection state reported by a ConnectionFeed.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrDisconnected is returned by transports asked to write while offline.
var ErrDisconnected = errors.New("presence: not connected")

// Subscription detaches a callback.
type Subscription interface {
	Close()
}

// ConnectionFeed reports connection state changes. Subscribing delivers the
// current state first.
type ConnectionFeed interface {
	SubscribeConnection(fn func(State)) Subscription
}

// Transport is the server-side presence store.
//
// Watch reports direct children of root by name: onInsert once for every
// existing child and for each child created later, onRemove when a child is
// deleted.
type Transport interface {
	Publish(path, value string) error
	RegisterCleanupOnDisconnect(path string) error
	Remove(path string) error
	Watch(root string, onInsert, onRemove func(member string)) Subscription
}

// DefaultRoot is the member root used by the deck session.
const DefaultRoot = "online"

// Set is one participant's view of the online members of a room.
//
// Like the CRDTs, a Set is not safe for concurrent use: the connection feed
// and the transport are expected to deliver on the replica's dispatcher.
type Set struct {
	id        string
	root      string
	transport Transport
	logger    log.Logger
	onChange  func(count int)

	connected bool
	count     int
	members   map[string]struct{}

	connSub  Subscription
	watchSub Subscription
}

// Option customizes a Set.
type Option func(*Set)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOnChange registers a callback run after every count change.
func WithOnChange(fn func(count int)) Option {
	return func(s *Set) { s.onChange = fn }
}

// New starts tracking presence under root for member id.
func New(id, root string, conn ConnectionFeed, t Transport, opts ...Option) *Set {
	s := &Set{
		id:        id,
		root:      root,
		transport: t,
		logger:    log.NewNopLogger(),
		members:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = log.With(s.logger, "presence", root, "member", id)

	s.watchSub = t.Watch(root, s.inserted, s.removed)
	s.connSub = conn.SubscribeConnection(s.connectionChanged)
	return s
}

// Path returns the entry this member publishes.
func (s *Set) Path() string {
	return path.Join(s.root, s.id)
}

func (s *Set) connectionChanged(state State) {
	level.Debug(s.logger).Log("msg", "connection", "state", state)
	s.connected = state == Connected
	if !s.connected {
		return
	}

	p := s.Path()
	if err := s.transport.Publish(p, "true"); err != nil {
		level.Error(s.logger).Log("msg", "publish failed", "path", p, "err", err)
		return
	}
	if err := s.transport.RegisterCleanupOnDisconnect(p); err != nil {
		level.Error(s.logger).Log("msg", "register cleanup failed", "path", p, "err", err)
	}
}

func (s *Set) inserted(member string) {
	s.count++
	s.members[member] = struct{}{}
	level.Debug(s.logger).Log("msg", "member online", "who", member, "count", s.count)
	s.changed()
}

func (s *Set) removed(member string) {
	s.count--
	delete(s.members, member)
	level.Debug(s.logger).Log("msg", "member offline", "who", member, "count", s.count)
	s.changed()
}

func (s *Set) changed() {
	if s.onChange != nil {
		s.onChange(s.count)
	}
}

// Count returns the number of online members.
func (s *Set) Count() int {
	return s.count
}

// Connected reports whether the last connection state seen was Connected.
func (s *Set) Connected() bool {
	return s.connected
}

// Members returns the online member ids in sorted order.
func (s *Set) Members() []string {
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Leave removes this member's entry without waiting for a disconnect.
func (s *Set) Leave() error {
	if err := s.transport.Remove(s.Path()); err != nil {
		return fmt.Errorf("leave %s: %w", s.Path(), err)
	}
	return nil
}

// Close detaches from the connection feed and the member root.
func (s *Set) Close() {
	if s.connSub != nil {
		s.connSub.Close()
	}
	if s.watchSub != nil {
		s.watchSub.Close()
	}
}
