package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_deck/pkg/loop"
)

func TestHub_WatchOnlyReportsDirectChildren(t *testing.T) {
	h := NewHub(nil)
	d := loop.New(nil)
	c := h.Connect(d)

	var inserted, removed []string
	c.Watch("online", func(m string) { inserted = append(inserted, m) }, func(m string) { removed = append(removed, m) })

	require.NoError(t, c.Publish("online/u1", "true"))
	require.NoError(t, c.Publish("online/u1", "true"))
	require.NoError(t, c.Publish("online/u1/device", "true"))
	require.NoError(t, c.Publish("onlineX/u2", "true"))
	require.NoError(t, c.Remove("online/u1"))
	require.NoError(t, c.Remove("online/missing"))
	d.Drain()

	assert.Equal(t, []string{"u1"}, inserted, "overwrites are not inserts")
	assert.Equal(t, []string{"u1"}, removed)
}

func TestHub_SubscribeConnectionDeliversCurrentState(t *testing.T) {
	h := NewHub(nil)
	d := loop.New(nil)
	c := h.Connect(d)

	var states []State
	sub := c.SubscribeConnection(func(s State) { states = append(states, s) })
	c.Drop()
	c.Drop()
	c.Reconnect()
	d.Drain()
	assert.Equal(t, []State{Connected, Disconnected, Connected}, states)

	sub.Close()
	c.Drop()
	d.Drain()
	assert.Len(t, states, 3)
	assert.Equal(t, Disconnected, c.State())
}

func TestHub_DropRunsRegisteredCleanups(t *testing.T) {
	h := NewHub(nil)
	d := loop.New(nil)
	c := h.Connect(d)

	require.NoError(t, c.Publish("online/u1", "true"))
	require.NoError(t, c.Publish("online/u2", "true"))
	require.NoError(t, c.RegisterCleanupOnDisconnect("online/u1"))

	c.Drop()
	assert.Equal(t, map[string]string{"online/u2": "true"}, h.Entries())

	assert.ErrorIs(t, c.Publish("online/u3", "true"), ErrDisconnected)
	assert.ErrorIs(t, c.RegisterCleanupOnDisconnect("online/u3"), ErrDisconnected)
}

func TestHub_ConnectionsAreIndependent(t *testing.T) {
	h := NewHub(nil)
	d := loop.New(nil)
	c1, c2 := h.Connect(d), h.Connect(d)
	assert.NotEqual(t, c1.ID(), c2.ID())

	require.NoError(t, c1.Publish("online/a", "true"))
	require.NoError(t, c1.RegisterCleanupOnDisconnect("online/a"))
	require.NoError(t, c2.Publish("online/b", "true"))
	require.NoError(t, c2.RegisterCleanupOnDisconnect("online/b"))

	c2.Close()
	assert.Equal(t, map[string]string{"online/a": "true"}, h.Entries())
	assert.Equal(t, Connected, c1.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "state(7)", State(7).String())
}
