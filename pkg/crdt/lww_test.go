package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_deck/pkg/event"
	"github.com/shinyes/yep_deck/pkg/eventlog"
)

func lwwPayload(t *testing.T, when int64, value string) []byte {
	t.Helper()
	data, err := event.EncodeLWW(event.LWW[string]{When: when, Value: value})
	require.NoError(t, err)
	return data
}

func TestLWWRegister_SeedsEmptyLog(t *testing.T) {
	l := newScriptedLog("speaker_slide")

	var changes []string
	r, err := NewLWWRegister(l, "S0", func(v string) { changes = append(changes, v) }, WithClock(fixedClock(1000)))
	require.NoError(t, err)

	assert.Equal(t, eventlog.ModeTailOnly, l.mode)
	require.Len(t, l.appended, 1)

	_, ok := r.Get()
	assert.False(t, ok, "seed must not be visible before redelivery")

	l.echo()
	v, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, "S0", v)
	assert.Equal(t, []string{"S0"}, changes)
	assert.Equal(t, int64(1000), r.maxWhen)
}

func TestLWWRegister_DoesNotSeedExistingLog(t *testing.T) {
	l := newScriptedLog("speaker_slide")
	l.preloaded = true

	_, err := NewLWWRegister(l, "S0", nil)
	require.NoError(t, err)
	assert.Empty(t, l.appended)
}

func TestLWWRegister_NewerWinsInEitherOrder(t *testing.T) {
	e1 := lwwPayload(t, 100, "v1")
	e2 := lwwPayload(t, 200, "v2")

	for name, order := range map[string][][]byte{
		"ascending":  {e1, e2},
		"descending": {e2, e1},
	} {
		t.Run(name, func(t *testing.T) {
			l := newScriptedLog("k")
			l.preloaded = true
			r, err := NewLWWRegister(l, "", nil)
			require.NoError(t, err)

			for _, p := range order {
				l.deliver(p)
			}
			v, ok := r.Get()
			require.True(t, ok)
			assert.Equal(t, "v2", v)
			assert.Equal(t, int64(200), r.maxWhen)
		})
	}
}

func TestLWWRegister_TieKeepsFirstAppliedLocally(t *testing.T) {
	x := lwwPayload(t, 100, "x")
	y := lwwPayload(t, 100, "y")

	la, lb := newScriptedLog("k"), newScriptedLog("k")
	la.preloaded, lb.preloaded = true, true

	var changesA []string
	a, err := NewLWWRegister(la, "", func(v string) { changesA = append(changesA, v) })
	require.NoError(t, err)
	b, err := NewLWWRegister(lb, "", nil)
	require.NoError(t, err)

	la.deliver(x)
	la.deliver(y)
	lb.deliver(y)
	lb.deliver(x)

	va, _ := a.Get()
	vb, _ := b.Get()
	assert.Equal(t, "x", va)
	assert.Equal(t, "y", vb)
	assert.Equal(t, []string{"x"}, changesA, "an equal timestamp must not trigger onChange")
}

func TestLWWRegister_OlderEventOnlyRaisesNothing(t *testing.T) {
	l := newScriptedLog("k")
	l.preloaded = true

	calls := 0
	r, err := NewLWWRegister(l, "", func(string) { calls++ })
	require.NoError(t, err)

	l.deliver(lwwPayload(t, 500, "new"))
	l.deliver(lwwPayload(t, 400, "old"))

	v, _ := r.Get()
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(500), r.maxWhen)
}

func TestLWWRegister_SetStampsAboveObserved(t *testing.T) {
	l := newScriptedLog("k")
	l.preloaded = true
	r, err := NewLWWRegister(l, "", nil, WithClock(fixedClock(1000)))
	require.NoError(t, err)

	// A peer with a fast clock wrote at 5000.
	l.deliver(lwwPayload(t, 5000, "peer"))

	r.Set("mine")
	l.echo()
	v, _ := r.Get()
	assert.Equal(t, "mine", v, "own write must not be shadowed by a peer ahead in time")
	assert.Equal(t, int64(5001), r.maxWhen)

	r.Set("again")
	l.echo()
	v, _ = r.Get()
	assert.Equal(t, "again", v)
	assert.Equal(t, int64(5002), r.maxWhen)
}

func TestLWWRegister_SetUsesClockWhenAhead(t *testing.T) {
	l := newScriptedLog("k")
	l.preloaded = true
	r, err := NewLWWRegister(l, "", nil, WithClock(fixedClock(9000)))
	require.NoError(t, err)

	l.deliver(lwwPayload(t, 100, "old"))
	r.Set("now")
	require.Len(t, l.appended, 1)

	e, err := event.DecodeLWW[string](l.appended[0])
	require.NoError(t, err)
	assert.Equal(t, int64(9000), e.When)
}

func TestLWWRegister_RejectsMalformedWithoutCorruption(t *testing.T) {
	l := newScriptedLog("k")
	l.preloaded = true

	rejected, applied := newCountingCounter(), newCountingCounter()
	m := DiscardMetrics()
	m.Rejected, m.Applied = rejected, applied

	r, err := NewLWWRegister(l, "", nil, WithMetrics(m))
	require.NoError(t, err)

	l.deliver(lwwPayload(t, 100, "good"))
	l.deliver([]byte("not msgpack at all"))
	gset, err := event.EncodeGSet(event.GSet[string]{Value: "wrong kind"})
	require.NoError(t, err)
	l.deliver(gset)
	wrongType, err := event.EncodeLWW(event.LWW[int]{When: 900, Value: 7})
	require.NoError(t, err)
	l.deliver(wrongType)

	v, _ := r.Get()
	assert.Equal(t, "good", v)
	assert.Equal(t, int64(100), r.maxWhen)
	assert.Equal(t, 3.0, rejected.Value())
	assert.Equal(t, 1.0, applied.Value())

	l.deliver(lwwPayload(t, 200, "later"))
	v, _ = r.Get()
	assert.Equal(t, "later", v)
}

func TestLWWRegister_CloseDetaches(t *testing.T) {
	l := newScriptedLog("k")
	r, err := NewLWWRegister(l, "", nil)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, 1, l.closed)
}

func TestLWWRegister_EndToEndSeed(t *testing.T) {
	rs := newReplicaSet(t, 2)

	first, err := NewLWWRegister(rs.log(0, "speaker_slide"), "S0", nil)
	require.NoError(t, err)
	rs.drain(0)
	v, ok := first.Get()
	require.True(t, ok)
	assert.Equal(t, "S0", v)

	var observed []eventlog.Record
	rs.log(1, "speaker_slide").Subscribe(eventlog.ModeFullReplay, func(r eventlog.Record) {
		observed = append(observed, r)
	})

	var changes []string
	second, err := NewLWWRegister(rs.log(1, "speaker_slide"), "other", func(v string) { changes = append(changes, v) })
	require.NoError(t, err)
	rs.drainAll()

	assert.Len(t, observed, 1, "the second replica must not seed again")
	v, ok = second.Get()
	require.True(t, ok)
	assert.Equal(t, "S0", v)
	assert.Equal(t, []string{"S0"}, changes)
}

func TestLWWRegister_ConvergesAcrossReplicas(t *testing.T) {
	rs := newReplicaSet(t, 3)

	regs := make([]*LWWRegister[string], 3)
	for i := range regs {
		r, err := NewLWWRegister(rs.log(i, "speaker_slide"), "110.jpg", nil)
		require.NoError(t, err)
		regs[i] = r
		rs.drainAll()
	}

	regs[2].Set("120.jpg")
	rs.drainAll()
	regs[0].Set("122.jpg")
	rs.drainAll()

	for i, r := range regs {
		v, ok := r.Get()
		require.True(t, ok)
		assert.Equal(t, "122.jpg", v, "replica %d", i)
	}
}
