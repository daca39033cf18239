package deck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_deck/pkg/loop"
)

func TestFrames_CoalescesWithinFrame(t *testing.T) {
	sched := &manualScheduler{}
	calls := 0
	f := NewFrames(sched, 0, func() { calls++ })

	f.Request()
	f.Request()
	f.Request()
	assert.True(t, f.Pending())
	require.Len(t, sched.due, 1)

	sched.tick()
	assert.Equal(t, 1, calls)
	assert.False(t, f.Pending())

	f.Request()
	sched.tick()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, f.Rendered())
}

func TestFrames_StopCancelsPendingRefresh(t *testing.T) {
	sched := &manualScheduler{}
	calls := 0
	f := NewFrames(sched, time.Millisecond, func() { calls++ })

	f.Request()
	f.Stop()
	sched.tick()
	assert.Equal(t, 0, calls)

	f.Request()
	assert.Len(t, sched.due, 1, "a new frame can start after Stop")
}

func TestFrames_RunsOnDispatcher(t *testing.T) {
	d := loop.New(nil)
	calls := 0
	f := NewFrames(d, time.Millisecond, func() { calls++ })

	f.Request()
	f.Request()
	require.Eventually(t, func() bool { return d.Pending() > 0 }, time.Second, time.Millisecond)
	d.Drain()
	assert.Equal(t, 1, calls)
}
