package crdt

import (
	"github.com/go-kit/log/level"

	"github.com/shinyes/yep_deck/pkg/event"
	"github.com/shinyes/yep_deck/pkg/eventlog"
)

// GSet is a grow-only set folded from the full history of its log.
//
// onChange fires for every delivered insertion, including duplicates: it
// signals that an event was observed, not that the set changed. Callers that
// react to first appearance must use unique values and react idempotently.
type GSet[V comparable] struct {
	log      eventlog.Log
	cfg      config
	onChange func(V)
	sub      eventlog.Subscription

	seen  map[V]struct{}
	order []V
}

// NewGSet subscribes to the full history of l. onChange may be nil.
func NewGSet[V comparable](l eventlog.Log, onChange func(V), opts ...Option) *GSet[V] {
	s := &GSet[V]{
		log:      l,
		cfg:      newConfig(event.KindGSet, l.Key(), opts),
		onChange: onChange,
		seen:     make(map[V]struct{}),
	}
	s.sub = l.Subscribe(eventlog.ModeFullReplay, s.receive)
	return s
}

func (s *GSet[V]) receive(rec eventlog.Record) {
	e, err := event.DecodeGSet[V](rec.Payload)
	if err != nil {
		s.cfg.reject(rec.ID, err)
		return
	}
	s.apply(e)
}

func (s *GSet[V]) apply(e event.GSet[V]) {
	if _, ok := s.seen[e.Value]; ok {
		s.cfg.metrics.Skipped.Add(1)
	} else {
		s.seen[e.Value] = struct{}{}
		s.order = append(s.order, e.Value)
		s.cfg.metrics.Applied.Add(1)
	}
	s.cfg.trace("APL", "value", printable{e.Value})

	if s.onChange != nil {
		s.onChange(e.Value)
	}
}

// Add appends value without checking whether it is already present.
func (s *GSet[V]) Add(value V) {
	data, err := event.EncodeGSet(event.GSet[V]{Value: value})
	if err != nil {
		level.Error(s.cfg.logger).Log("msg", "encode failed", "err", err)
		return
	}
	s.cfg.metrics.Sent.Add(1)
	s.cfg.trace("SND", "value", printable{value})
	s.log.Append(data)
}

// Has reports whether value has been observed.
func (s *GSet[V]) Has(value V) bool {
	_, ok := s.seen[value]
	return ok
}

// Len returns the number of distinct values.
func (s *GSet[V]) Len() int {
	return len(s.seen)
}

// Values returns the distinct values in first-observed order.
func (s *GSet[V]) Values() []V {
	return append([]V(nil), s.order...)
}

// Close detaches the set from its log.
func (s *GSet[V]) Close() {
	if s.sub != nil {
		s.sub.Close()
	}
}
