package crdt

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/shinyes/yep_deck/pkg/event"
	"github.com/shinyes/yep_deck/pkg/eventlog"
)

// LWWRegister is a last-writer-wins register folded from the newest record
// of its log.
//
// An event is adopted only if its timestamp is strictly greater than the
// adopted one. Equal timestamps keep whatever the replica adopted first, so
// two replicas seeing a tie in different orders may disagree; this is
// accepted.
type LWWRegister[T any] struct {
	log      eventlog.Log
	cfg      config
	onChange func(T)
	sub      eventlog.Subscription

	lastSeen *event.LWW[T]
	maxWhen  int64
}

// NewLWWRegister seeds an empty log with initial and subscribes to the tail
// of the log. onChange runs on every adoption and may be nil.
func NewLWWRegister[T any](l eventlog.Log, initial T, onChange func(T), opts ...Option) (*LWWRegister[T], error) {
	r := &LWWRegister[T]{
		log:      l,
		cfg:      newConfig(event.KindLWW, l.Key(), opts),
		onChange: onChange,
	}

	has, err := l.HasAnyEvent()
	if err != nil {
		return nil, fmt.Errorf("check log %q: %w", l.Key(), err)
	}
	if !has {
		r.Set(initial)
	}

	r.sub = l.Subscribe(eventlog.ModeTailOnly, r.receive)
	return r, nil
}

func (r *LWWRegister[T]) receive(rec eventlog.Record) {
	e, err := event.DecodeLWW[T](rec.Payload)
	if err != nil {
		r.cfg.reject(rec.ID, err)
		return
	}
	r.apply(e)
}

func (r *LWWRegister[T]) apply(e event.LWW[T]) {
	if e.When > r.maxWhen {
		r.maxWhen = e.When
	}

	if r.lastSeen != nil && e.When <= r.lastSeen.When {
		r.cfg.metrics.Skipped.Add(1)
		r.cfg.trace("SKP", "value", printable{e.Value}, "when", e.When)
		return
	}

	r.lastSeen = &e
	r.cfg.metrics.Applied.Add(1)
	r.cfg.trace("APL", "value", printable{e.Value}, "when", e.When)
	if r.onChange != nil {
		r.onChange(e.Value)
	}
}

// Get returns the adopted value. ok is false until an event has been adopted.
func (r *LWWRegister[T]) Get() (value T, ok bool) {
	if r.lastSeen == nil {
		return value, false
	}
	return r.lastSeen.Value, true
}

// Set appends a write stamped later than anything this replica has observed.
// It does not change the local value; the write is adopted on redelivery.
func (r *LWWRegister[T]) Set(value T) {
	when := r.cfg.clock.Now()
	if when <= r.maxWhen {
		when = r.maxWhen + 1
	}

	e := event.LWW[T]{When: when, Value: value}
	data, err := event.EncodeLWW(e)
	if err != nil {
		level.Error(r.cfg.logger).Log("msg", "encode failed", "err", err)
		return
	}

	r.cfg.metrics.Sent.Add(1)
	r.cfg.trace("SND", "value", printable{value}, "when", when)
	r.log.Append(data)
}

// Close detaches the register from its log.
func (r *LWWRegister[T]) Close() {
	if r.sub != nil {
		r.sub.Close()
	}
}
