// Package clock estimates an authoritative time from the local wall clock and
// an additive offset reported by a remote clock.
package clock

import (
	"sync/atomic"
	"time"
)

// Subscription detaches a callback registered with a feed.
type Subscription interface {
	Close()
}

// OffsetFeed reports the offset, in milliseconds, to add to the local wall
// clock to obtain the remote clock.
type OffsetFeed interface {
	SubscribeOffset(fn func(skewMillis int64)) Subscription
}

// SkewClock returns wall-clock milliseconds corrected by the latest observed
// skew. Skew is 0 until a feed delivers a value.
type SkewClock struct {
	wall func() time.Time
	skew atomic.Int64
}

// New creates a SkewClock over time.Now.
func New() *SkewClock {
	return NewWithWall(time.Now)
}

// NewWithWall creates a SkewClock over a custom wall clock.
func NewWithWall(wall func() time.Time) *SkewClock {
	if wall == nil {
		wall = time.Now
	}
	return &SkewClock{wall: wall}
}

// Now returns the corrected time in milliseconds.
func (c *SkewClock) Now() int64 {
	return c.wall().UnixMilli() + c.skew.Load()
}

// Skew returns the current offset in milliseconds.
func (c *SkewClock) Skew() int64 {
	return c.skew.Load()
}

// SetSkew replaces the offset.
func (c *SkewClock) SetSkew(ms int64) {
	c.skew.Store(ms)
}

// Follow keeps the skew equal to the latest value delivered by feed.
func (c *SkewClock) Follow(feed OffsetFeed) Subscription {
	return feed.SubscribeOffset(c.SetSkew)
}

// Fixed is a wall clock frozen at a settable instant, for tests and replays.
type Fixed struct {
	ms atomic.Int64
}

// NewFixed returns a Fixed clock at ms.
func NewFixed(ms int64) *Fixed {
	f := &Fixed{}
	f.ms.Store(ms)
	return f
}

// Now implements the wall function signature.
func (f *Fixed) Now() time.Time {
	return time.UnixMilli(f.ms.Load())
}

// Set moves the clock to ms.
func (f *Fixed) Set(ms int64) {
	f.ms.Store(ms)
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.ms.Add(d.Milliseconds())
}
