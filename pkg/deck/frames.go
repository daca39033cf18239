package deck

import (
	"time"
)

// DefaultFrameInterval is one frame at 60 Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler runs a callback on the replica's dispatcher after a delay.
// *loop.Dispatcher implements it.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) *time.Timer
}

// Frames coalesces render requests: the first request of a frame schedules
// one refresh after the interval, later requests in the same frame are
// absorbed. Frames is used from the dispatcher only.
type Frames struct {
	sched    Scheduler
	interval time.Duration
	render   func()

	pending  bool
	timer    *time.Timer
	rendered int
}

// NewFrames creates a coalescer calling render at most once per interval.
func NewFrames(sched Scheduler, interval time.Duration, render func()) *Frames {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Frames{sched: sched, interval: interval, render: render}
}

// Request asks for a refresh.
func (f *Frames) Request() {
	if f.pending {
		return
	}
	f.pending = true
	f.timer = f.sched.AfterFunc(f.interval, f.fire)
}

func (f *Frames) fire() {
	if !f.pending {
		return
	}
	f.pending = false
	f.timer = nil
	f.rendered++
	if f.render != nil {
		f.render()
	}
}

// Pending reports whether a refresh is scheduled.
func (f *Frames) Pending() bool {
	return f.pending
}

// Rendered returns how many refreshes have run.
func (f *Frames) Rendered() int {
	return f.rendered
}

// Stop cancels a scheduled refresh.
func (f *Frames) Stop() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.pending = false
}
