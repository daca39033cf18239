// Package loop provides the single cooperative control flow of a replica.
//
// Every callback that touches replica state (log deliveries, connection state
// changes, timers) is posted to a Dispatcher and executed one at a time, in
// posting order. Code running on the dispatcher therefore needs no locking.
// Adapters doing I/O on their own goroutines hand results over with Post.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Poster accepts callbacks for serial execution.
type Poster interface {
	Post(fn func())
}

// Dispatcher is a FIFO of callbacks.
type Dispatcher struct {
	logger log.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// New creates a Dispatcher. A nil logger discards output.
func New(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Post enqueues fn. It never blocks and never runs fn inline. Callbacks posted
// after Close are dropped.
func (d *Dispatcher) Post(fn func()) {
	if fn == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// AfterFunc posts fn once d has elapsed. The returned timer can cancel it.
func (d *Dispatcher) AfterFunc(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() { d.Post(fn) })
}

// Pending returns the number of queued callbacks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Drain runs queued callbacks, including ones posted while draining, until the
// queue is empty. It returns how many ran. Drain must not be called
// concurrently with Run.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		fn, ok := d.pop()
		if !ok {
			return n
		}
		d.invoke(fn)
		n++
	}
}

// Run executes callbacks as they arrive until ctx is done or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.Drain()

		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

// Close stops accepting callbacks and wakes Run so it can return. Callbacks
// already queued still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil, false
	}
	fn := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return fn, true
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(d.logger).Log("msg", "callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
