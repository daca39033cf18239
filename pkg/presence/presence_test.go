package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_deck/pkg/loop"
)

type replica struct {
	loop *loop.Dispatcher
	conn *Conn
	set  *Set
}

func join(h *Hub, id string, opts ...Option) *replica {
	d := loop.New(nil)
	c := h.Connect(d)
	return &replica{loop: d, conn: c, set: New(id, DefaultRoot, c, c, opts...)}
}

func drainAll(rs ...*replica) {
	for {
		n := 0
		for _, r := range rs {
			n += r.loop.Drain()
		}
		if n == 0 {
			return
		}
	}
}

func TestSet_EndToEndConnectAndDrop(t *testing.T) {
	h := NewHub(nil)
	a := join(h, "alice")
	b := join(h, "bob")
	c := join(h, "carol")
	all := []*replica{a, b, c}
	drainAll(all...)

	for _, r := range all {
		assert.Equal(t, 3, r.set.Count())
		assert.True(t, r.set.Connected())
		assert.Equal(t, []string{"alice", "bob", "carol"}, r.set.Members())
	}

	b.conn.Drop()
	drainAll(all...)
	assert.Equal(t, 2, a.set.Count())
	assert.Equal(t, 2, c.set.Count())
	assert.False(t, b.set.Connected())
	assert.Equal(t, []string{"alice", "carol"}, a.set.Members())

	b.conn.Reconnect()
	drainAll(all...)
	for _, r := range all {
		assert.Equal(t, 3, r.set.Count(), "re-publish on every connect")
	}

	// The cleanup must be registered again after reconnecting.
	b.conn.Drop()
	drainAll(all...)
	assert.Equal(t, 2, a.set.Count())
}

func TestSet_LateJoinerSeesExistingMembers(t *testing.T) {
	h := NewHub(nil)
	a := join(h, "alice")
	drainAll(a)

	b := join(h, "bob")
	drainAll(a, b)
	assert.Equal(t, 2, b.set.Count())
	assert.Equal(t, 2, a.set.Count())
}

func TestSet_LeaveRemovesEntryImmediately(t *testing.T) {
	h := NewHub(nil)
	a := join(h, "alice")
	b := join(h, "bob")
	drainAll(a, b)

	require.NoError(t, b.set.Leave())
	drainAll(a, b)
	assert.Equal(t, 1, a.set.Count())

	// Leave cancelled the cleanup, so a later drop removes nothing twice.
	b.conn.Drop()
	drainAll(a, b)
	assert.Equal(t, 1, a.set.Count())
}

func TestSet_OnChangeReportsCount(t *testing.T) {
	h := NewHub(nil)
	var counts []int
	a := join(h, "alice", WithOnChange(func(n int) { counts = append(counts, n) }))
	drainAll(a)
	b := join(h, "bob")
	drainAll(a, b)
	b.conn.Drop()
	drainAll(a, b)

	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestSet_PublishFailsWhileOffline(t *testing.T) {
	h := NewHub(nil)
	d := loop.New(nil)
	c := h.Connect(d)
	c.Drop()

	s := New("alice", DefaultRoot, c, c)
	d.Drain()
	assert.False(t, s.Connected())
	assert.Equal(t, 0, s.Count())
	assert.ErrorIs(t, s.Leave(), ErrDisconnected)
	assert.Empty(t, h.Entries())
}

func TestSet_CloseStopsNotifications(t *testing.T) {
	h := NewHub(nil)
	a := join(h, "alice")
	drainAll(a)
	a.set.Close()

	b := join(h, "bob")
	drainAll(a, b)
	assert.Equal(t, 1, a.set.Count())
	assert.Equal(t, 2, b.set.Count())
}

func TestSet_Path(t *testing.T) {
	h := NewHub(nil)
	a := join(h, "alice")
	assert.Equal(t, "online/alice", a.set.Path())
}
