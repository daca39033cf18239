package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_deck/pkg/loop"
	"github.com/shinyes/yep_deck/pkg/store"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	s, err := store.NewBadgerStore("", store.WithBadgerInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewHub(s)
}

func payloads(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, string(r.Payload))
	}
	return out
}

func TestHub_DeliversInAppendOrderIncludingWriter(t *testing.T) {
	h := newTestHub(t)
	d := loop.New(nil)
	l := h.Open("speaker_slide", d)

	var got []Record
	l.Subscribe(ModeNone, func(r Record) { got = append(got, r) })

	l.Append([]byte("a"))
	l.Append([]byte("b"))
	l.Append([]byte("c"))
	assert.Empty(t, got, "delivery must not happen inline")

	d.Drain()
	assert.Equal(t, []string{"a", "b", "c"}, payloads(got))
	assert.Equal(t, "speaker_slide", got[0].Key)
	assert.Less(t, got[0].ID, got[1].ID)
}

func TestHub_SubscribeModes(t *testing.T) {
	h := newTestHub(t)
	writer := loop.New(nil)
	l := h.Open("questions", writer)
	for _, p := range []string{"1", "2", "3"} {
		l.Append([]byte(p))
	}

	reader := loop.New(nil)
	var none, tail, replay []Record
	h.Open("questions", reader).Subscribe(ModeNone, func(r Record) { none = append(none, r) })
	h.Open("questions", reader).Subscribe(ModeTailOnly, func(r Record) { tail = append(tail, r) })
	h.Open("questions", reader).Subscribe(ModeFullReplay, func(r Record) { replay = append(replay, r) })
	reader.Drain()

	assert.Empty(t, none)
	assert.Equal(t, []string{"3"}, payloads(tail))
	assert.Equal(t, []string{"1", "2", "3"}, payloads(replay))

	l.Append([]byte("4"))
	reader.Drain()
	assert.Equal(t, []string{"4"}, payloads(none))
	assert.Equal(t, []string{"3", "4"}, payloads(tail))
	assert.Equal(t, []string{"1", "2", "3", "4"}, payloads(replay))
}

func TestHub_KeysAreIsolated(t *testing.T) {
	h := newTestHub(t)
	d := loop.New(nil)

	var likes, nested []Record
	h.Open("likes", d).Subscribe(ModeFullReplay, func(r Record) { likes = append(likes, r) })
	h.Open("likes/110_jpg", d).Subscribe(ModeFullReplay, func(r Record) { nested = append(nested, r) })

	h.Open("likes/110_jpg", d).Append([]byte("x"))
	d.Drain()

	assert.Empty(t, likes)
	assert.Equal(t, []string{"x"}, payloads(nested))

	has, err := h.Open("likes", d).HasAnyEvent()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHub_HasAnyEvent(t *testing.T) {
	h := newTestHub(t)
	l := h.Open("k", loop.New(nil))

	has, err := l.HasAnyEvent()
	require.NoError(t, err)
	assert.False(t, has)

	l.Append([]byte("v"))
	has, err = l.HasAnyEvent()
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHub_CloseDropsQueuedDeliveries(t *testing.T) {
	h := newTestHub(t)
	d := loop.New(nil)
	l := h.Open("k", d)

	var got []Record
	sub := l.Subscribe(ModeNone, func(r Record) { got = append(got, r) })
	l.Append([]byte("queued"))
	sub.Close()
	l.Append([]byte("after"))
	d.Drain()

	assert.Empty(t, got)
}

func TestHub_RejectsInvalidKey(t *testing.T) {
	h := newTestHub(t)
	l := h.Open("", loop.New(nil))

	_, err := l.HasAnyEvent()
	require.ErrorIs(t, err, ErrInvalidKey)
	l.Subscribe(ModeNone, func(Record) {}).Close()
}

func TestHub_SequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := store.NewBadgerStore(dir)
	require.NoError(t, err)
	d := loop.New(nil)
	NewHub(s).Open("k", d).Append([]byte("first"))
	require.NoError(t, s.Close())

	s, err = store.NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()

	h := NewHub(s)
	l := h.Open("k", d)
	l.Append([]byte("second"))

	var got []Record
	l.Subscribe(ModeFullReplay, func(r Record) { got = append(got, r) })
	d.Drain()

	assert.Equal(t, []string{"first", "second"}, payloads(got))
	assert.Equal(t, formatSeq(2), got[1].ID)
}

func TestHub_ClosedRejectsAppends(t *testing.T) {
	h := newTestHub(t)
	d := loop.New(nil)
	l := h.Open("k", d)

	var got []Record
	l.Subscribe(ModeNone, func(r Record) { got = append(got, r) })
	h.Close()
	l.Append([]byte("x"))
	d.Drain()

	assert.Empty(t, got)
	has, err := l.HasAnyEvent()
	require.NoError(t, err)
	assert.False(t, has)
}
