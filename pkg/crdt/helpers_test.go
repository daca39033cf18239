package crdt

import (
	"fmt"
	"testing"

	"github.com/go-kit/kit/metrics"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_deck/pkg/eventlog"
	"github.com/shinyes/yep_deck/pkg/loop"
	"github.com/shinyes/yep_deck/pkg/store"
)

// scriptedLog lets a test decide exactly which records a replica sees and in
// which order.
type scriptedLog struct {
	key       string
	preloaded bool
	appended  [][]byte
	mode      eventlog.Mode
	subs      []func(eventlog.Record)
	seq       int
	closed    int
}

func newScriptedLog(key string) *scriptedLog {
	return &scriptedLog{key: key, mode: -1}
}

func (l *scriptedLog) Key() string { return l.key }

func (l *scriptedLog) Append(payload []byte) {
	l.appended = append(l.appended, payload)
}

func (l *scriptedLog) Subscribe(mode eventlog.Mode, fn func(eventlog.Record)) eventlog.Subscription {
	l.mode = mode
	l.subs = append(l.subs, fn)
	return closeFunc(func() { l.closed++ })
}

func (l *scriptedLog) HasAnyEvent() (bool, error) {
	return l.preloaded || len(l.appended) > 0, nil
}

func (l *scriptedLog) deliver(payload []byte) {
	l.seq++
	rec := eventlog.Record{Key: l.key, ID: fmt.Sprint(l.seq), Payload: payload}
	for _, fn := range l.subs {
		fn(rec)
	}
}

// echo delivers everything appended so far, in order, and forgets it.
func (l *scriptedLog) echo() {
	pending := l.appended
	l.appended = nil
	for _, p := range pending {
		l.deliver(p)
	}
}

type closeFunc func()

func (f closeFunc) Close() { f() }

// replicaSet is a group of replicas sharing one in-memory hub, each with its
// own dispatcher.
type replicaSet struct {
	hub   *eventlog.Hub
	loops []*loop.Dispatcher
}

func newReplicaSet(t *testing.T, n int) *replicaSet {
	t.Helper()
	s, err := store.NewBadgerStore("", store.WithBadgerInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rs := &replicaSet{hub: eventlog.NewHub(s)}
	for i := 0; i < n; i++ {
		rs.loops = append(rs.loops, loop.New(nil))
	}
	return rs
}

func (rs *replicaSet) log(i int, key string) eventlog.Log {
	return rs.hub.Open(key, rs.loops[i])
}

func (rs *replicaSet) drain(i int) {
	rs.loops[i].Drain()
}

func (rs *replicaSet) drainAll() {
	for {
		n := 0
		for _, d := range rs.loops {
			n += d.Drain()
		}
		if n == 0 {
			return
		}
	}
}

// countingCounter is a metrics.Counter whose labelled children share one
// total.
type countingCounter struct {
	total *float64
}

func newCountingCounter() countingCounter {
	return countingCounter{total: new(float64)}
}

func (c countingCounter) With(...string) metrics.Counter { return c }
func (c countingCounter) Add(delta float64)              { *c.total += delta }
func (c countingCounter) Value() float64                 { return *c.total }

type fixedClock int64

func (c fixedClock) Now() int64 { return int64(c) }
