package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomStores_GetRejectsInvalidRoom(t *testing.T) {
	rs := NewRoomStores(t.TempDir())

	cases := []string{
		"",
		" ",
		".",
		"..",
		"../escape",
		"room/a",
		`room\b`,
		"room:bad",
		filepath.Join(t.TempDir(), "abs"),
	}

	for _, room := range cases {
		_, err := rs.Get(room)
		require.Errorf(t, err, "expected room %q to be rejected", room)
	}
}

func TestRoomStores_CloseRejectsInvalidRoom(t *testing.T) {
	rs := NewRoomStores(t.TempDir())
	require.Error(t, rs.Close("../escape"))
}

func TestRoomStores_ReusesOpenStore(t *testing.T) {
	rs := NewRoomStores(t.TempDir())
	defer rs.CloseAll()

	a, err := rs.Get("riga-2017")
	require.NoError(t, err)
	b, err := rs.Get("riga-2017")
	require.NoError(t, err)
	require.Same(t, a, b)

	require.NoError(t, rs.Close("riga-2017"))
	c, err := rs.Get("riga-2017")
	require.NoError(t, err)
	require.NotSame(t, a, c)
}

func TestRoomStores_AppliesOptionsToEveryRoom(t *testing.T) {
	rs := NewRoomStores(t.TempDir(), WithBadgerSyncWrites(true))
	defer rs.CloseAll()

	for _, room := range []string{"riga-2017", "_identity"} {
		s, err := rs.Get(room)
		require.NoError(t, err)
		require.True(t, s.(*BadgerStore).SyncWrites(), room)
	}

	plain := NewRoomStores(t.TempDir())
	defer plain.CloseAll()
	s, err := plain.Get("riga-2017")
	require.NoError(t, err)
	require.False(t, s.(*BadgerStore).SyncWrites())
}
