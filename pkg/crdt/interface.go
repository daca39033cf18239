// Package crdt implements the log-folded CRDTs of a deck: a last-writer-wins
// register, an observed-removed set and a grow-only set.
//
// Each instance owns its fold state exclusively and derives it only from the
// records its eventlog.Log delivers. Commands append to the log and return
// immediately; their effect becomes visible when the log delivers the record
// back, to the writer as to everyone else.
//
// Instances are not safe for concurrent use. All deliveries and commands of one
// replica are expected to run on a single loop.Dispatcher.
package crdt

import (
	"fmt"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/shinyes/yep_deck/pkg/clock"
	"github.com/shinyes/yep_deck/pkg/event"
	"github.com/shinyes/yep_deck/pkg/ident"
)

// Clock supplies logical timestamps in milliseconds.
type Clock interface {
	Now() int64
}

// Metrics counts fold outcomes per CRDT kind.
type Metrics struct {
	Applied  metrics.Counter
	Skipped  metrics.Counter
	Rejected metrics.Counter
	Sent     metrics.Counter
}

// DiscardMetrics drops every observation.
func DiscardMetrics() *Metrics {
	return &Metrics{
		Applied:  discard.NewCounter(),
		Skipped:  discard.NewCounter(),
		Rejected: discard.NewCounter(),
		Sent:     discard.NewCounter(),
	}
}

// NewPrometheusMetrics registers counters labelled by "kind" with the default
// prometheus registry.
func NewPrometheusMetrics(namespace string) *Metrics {
	counter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "crdt",
			Name:      name,
			Help:      help,
		}, []string{"kind"})
	}
	return &Metrics{
		Applied:  counter("events_applied_total", "Events that changed fold state."),
		Skipped:  counter("events_skipped_total", "Well-formed events that did not change the value."),
		Rejected: counter("events_rejected_total", "Malformed events left unapplied."),
		Sent:     counter("events_sent_total", "Events appended by this replica."),
	}
}

type config struct {
	logger  log.Logger
	metrics *Metrics
	clock   Clock
	gen     *ident.Generator
}

// Option customizes a CRDT instance.
type Option func(*config)

// WithLogger sets the logger. Fold and send traces go to debug level.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the counters.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the timestamp source of LWWRegister.Set.
func WithClock(clk Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithGenerator sets the tag generator of ORSet.Add.
func WithGenerator(gen *ident.Generator) Option {
	return func(c *config) {
		if gen != nil {
			c.gen = gen
		}
	}
}

func newConfig(kind event.Kind, key string, opts []Option) config {
	c := config{
		logger:  log.NewNopLogger(),
		metrics: DiscardMetrics(),
		clock:   clock.New(),
		gen:     ident.NewGenerator(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	c.logger = log.With(c.logger, "crdt", kind, "key", key)
	c.metrics = &Metrics{
		Applied:  c.metrics.Applied.With("kind", kind.String()),
		Skipped:  c.metrics.Skipped.With("kind", kind.String()),
		Rejected: c.metrics.Rejected.With("kind", kind.String()),
		Sent:     c.metrics.Sent.With("kind", kind.String()),
	}
	return c
}

func (c config) trace(op string, keyvals ...any) {
	level.Debug(c.logger).Log(append([]any{"op", op}, keyvals...)...)
}

func (c config) reject(id string, err error) {
	c.metrics.Rejected.Add(1)
	level.Warn(c.logger).Log("msg", "rejected event", "id", id, "err", err)
}

// printable defers formatting of a value until a log line is encoded, and
// keeps logfmt from rejecting struct values.
type printable struct{ v any }

func (p printable) String() string { return fmt.Sprint(p.v) }
