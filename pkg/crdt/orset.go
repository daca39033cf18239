package crdt

import (
	"maps"
	"slices"

	"github.com/go-kit/log/level"

	"github.com/shinyes/yep_deck/pkg/event"
	"github.com/shinyes/yep_deck/pkg/eventlog"
)

type tagSet map[string]struct{}

// ORSet is an observed-removed set folded from the full history of its log.
//
// Every add carries a fresh tag; a delete retracts the tags the deleting
// replica had observed. A value is present while at least one of its tags is
// unretracted. Retractions are permanent, and an add that the deleting
// replica had not yet observed survives the delete.
type ORSet[V comparable] struct {
	log      eventlog.Log
	cfg      config
	onChange func(op event.Op, value V)
	sub      eventlog.Subscription

	additions   map[V]tagSet
	retractions map[V]tagSet
}

// NewORSet subscribes to the full history of l. onChange is called with
// event.OpAdd when a value becomes present and event.OpDelete when it stops
// being present; it may be nil.
func NewORSet[V comparable](l eventlog.Log, onChange func(op event.Op, value V), opts ...Option) *ORSet[V] {
	s := &ORSet[V]{
		log:         l,
		cfg:         newConfig(event.KindORSet, l.Key(), opts),
		onChange:    onChange,
		additions:   make(map[V]tagSet),
		retractions: make(map[V]tagSet),
	}
	s.sub = l.Subscribe(eventlog.ModeFullReplay, s.receive)
	return s
}

func (s *ORSet[V]) receive(rec eventlog.Record) {
	e, err := event.DecodeORSet[V](rec.Payload)
	if err != nil {
		s.cfg.reject(rec.ID, err)
		return
	}
	s.apply(e)
}

func (s *ORSet[V]) apply(e event.ORSet[V]) {
	before := s.Has(e.Value)

	switch e.Op {
	case event.OpAdd:
		addTag(s.additions, e.Value, e.Tag)
	case event.OpDelete:
		addTag(s.retractions, e.Value, e.Tag)
	}
	s.cfg.metrics.Applied.Add(1)
	s.cfg.trace("APL", "event", e.Op, "value", printable{e.Value}, "tag", e.Tag)

	after := s.Has(e.Value)
	if after == before || s.onChange == nil {
		return
	}
	if after {
		s.onChange(event.OpAdd, e.Value)
	} else {
		s.onChange(event.OpDelete, e.Value)
	}
}

func addTag[V comparable](m map[V]tagSet, value V, tag string) {
	tags, ok := m[value]
	if !ok {
		tags = make(tagSet)
		m[value] = tags
	}
	tags[tag] = struct{}{}
}

// liveTags returns the observed, unretracted tags of value in sorted order.
func (s *ORSet[V]) liveTags(value V) []string {
	retracted := s.retractions[value]
	var live []string
	for tag := range s.additions[value] {
		if _, ok := retracted[tag]; !ok {
			live = append(live, tag)
		}
	}
	slices.Sort(live)
	return live
}

// Has reports whether value has an unretracted tag.
func (s *ORSet[V]) Has(value V) bool {
	retracted := s.retractions[value]
	for tag := range s.additions[value] {
		if _, ok := retracted[tag]; !ok {
			return true
		}
	}
	return false
}

// Add appends an addition of value under a fresh tag.
func (s *ORSet[V]) Add(value V) {
	s.send(event.ORSet[V]{Op: event.OpAdd, Value: value, Tag: s.cfg.gen.Generate()})
}

// Delete appends one retraction per tag of value this replica has observed
// and not yet seen retracted. Additions it has not observed are unaffected.
func (s *ORSet[V]) Delete(value V) {
	for _, tag := range s.liveTags(value) {
		s.send(event.ORSet[V]{Op: event.OpDelete, Value: value, Tag: tag})
	}
}

func (s *ORSet[V]) send(e event.ORSet[V]) {
	data, err := event.EncodeORSet(e)
	if err != nil {
		level.Error(s.cfg.logger).Log("msg", "encode failed", "err", err)
		return
	}
	s.cfg.metrics.Sent.Add(1)
	s.cfg.trace("SND", "event", e.Op, "value", printable{e.Value}, "tag", e.Tag)
	s.log.Append(data)
}

// Count returns the number of present values.
func (s *ORSet[V]) Count() int {
	n := 0
	for value := range maps.Keys(s.additions) {
		if s.Has(value) {
			n++
		}
	}
	return n
}

// Values returns the present values in no particular order.
func (s *ORSet[V]) Values() []V {
	var out []V
	for value := range s.additions {
		if s.Has(value) {
			out = append(out, value)
		}
	}
	return out
}

// Close detaches the set from its log.
func (s *ORSet[V]) Close() {
	if s.sub != nil {
		s.sub.Close()
	}
}
