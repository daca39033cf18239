package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	redis "github.com/redis/go-redis/v9"

	"github.com/shinyes/yep_deck/pkg/eventlog"
	"github.com/shinyes/yep_deck/pkg/loop"
)

const payloadField = "p"

// Streams serves event logs as Redis streams named <namespace>log:<key>.
//
// Appends of one log are written by a dedicated writer in call order. Each
// subscription reads with XREAD on its own goroutine and posts records to the
// subscriber's dispatcher.
type Streams struct {
	rdb       *redis.Client
	namespace string
	opts      options

	ctx     context.Context
	cancel  context.CancelFunc
	writers sync.WaitGroup
	readers sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*loop.Dispatcher
	closed bool
}

// NewStreams creates a stream log server over rdb.
func NewStreams(rdb *redis.Client, namespace string, opts ...Option) *Streams {
	ctx, cancel := context.WithCancel(context.Background())
	return &Streams{
		rdb:       rdb,
		namespace: namespace,
		opts:      buildOptions(opts),
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string]*loop.Dispatcher),
	}
}

// Open returns the log for key whose deliveries run on poster.
func (s *Streams) Open(key string, poster loop.Poster) eventlog.Log {
	return &streamLog{
		streams: s,
		key:     key,
		stream:  s.namespace + "log:" + key,
		poster:  poster,
		logger:  log.With(s.opts.logger, "stream", key),
	}
}

// Opener binds the server to one replica's dispatcher.
func (s *Streams) Opener(poster loop.Poster) eventlog.Opener {
	return eventlog.OpenerFunc(func(key string) eventlog.Log { return s.Open(key, poster) })
}

// Close flushes pending appends, then stops every subscription.
func (s *Streams) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		q.Close()
	}
	s.mu.Unlock()

	s.writers.Wait()
	s.cancel()
	s.readers.Wait()
}

// writer returns the append queue of stream, starting it on first use.
func (s *Streams) writer(stream string) (*loop.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, eventlog.ErrClosed
	}
	if q, ok := s.queues[stream]; ok {
		return q, nil
	}

	q := loop.New(s.opts.logger)
	s.queues[stream] = q
	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		_ = q.Run(s.ctx)
	}()
	return q, nil
}

type streamLog struct {
	streams *Streams
	key     string
	stream  string
	poster  loop.Poster
	logger  log.Logger
}

func (l *streamLog) Key() string { return l.key }

func (l *streamLog) Append(payload []byte) {
	q, err := l.streams.writer(l.stream)
	if err != nil {
		level.Error(l.logger).Log("msg", "append failed", "err", err)
		return
	}

	data := append([]byte(nil), payload...)
	q.Post(func() {
		id, err := l.streams.rdb.XAdd(l.streams.ctx, &redis.XAddArgs{
			Stream: l.stream,
			Values: map[string]interface{}{payloadField: data},
		}).Result()
		if err != nil {
			level.Error(l.logger).Log("msg", "append failed", "err", err)
			return
		}
		level.Debug(l.logger).Log("msg", "appended", "id", id, "bytes", len(data))
	})
}

func (l *streamLog) HasAnyEvent() (bool, error) {
	ctx, cancel := context.WithTimeout(l.streams.ctx, l.streams.opts.timeout)
	defer cancel()

	n, err := l.streams.rdb.XLen(ctx, l.stream).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *streamLog) Subscribe(mode eventlog.Mode, fn func(eventlog.Record)) eventlog.Subscription {
	ctx, cancel := context.WithCancel(l.streams.ctx)
	sub := &streamSub{log: l, fn: fn, cancel: cancel}
	sub.active.Store(true)

	l.streams.readers.Add(1)
	go func() {
		defer l.streams.readers.Done()
		sub.run(ctx, mode)
	}()
	return sub
}

type streamSub struct {
	log    *streamLog
	fn     func(eventlog.Record)
	cancel context.CancelFunc
	active atomic.Bool
}

func (s *streamSub) Close() {
	if s.active.Swap(false) {
		s.cancel()
	}
}

func (s *streamSub) deliver(msgs []redis.XMessage) {
	for _, m := range msgs {
		raw, ok := m.Values[payloadField].(string)
		if !ok {
			level.Warn(s.log.logger).Log("msg", "record without payload", "id", m.ID)
			continue
		}
		rec := eventlog.Record{Key: s.log.key, ID: m.ID, Payload: []byte(raw)}
		s.log.poster.Post(func() {
			if s.active.Load() {
				s.fn(rec)
			}
		})
	}
}

func (s *streamSub) run(ctx context.Context, mode eventlog.Mode) {
	opts := s.log.streams.opts
	rdb := s.log.streams.rdb

	var last string
	for {
		var err error
		last, err = s.backfill(ctx, mode)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		level.Error(s.log.logger).Log("msg", "backfill failed", "mode", mode, "err", err)
		if !sleep(ctx, opts.block) {
			return
		}
	}

	for ctx.Err() == nil {
		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.log.stream, last},
			Count:   opts.batch,
			Block:   opts.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			level.Error(s.log.logger).Log("msg", "read failed", "err", err)
			if !sleep(ctx, opts.block) {
				return
			}
			continue
		}
		for _, st := range res {
			s.deliver(st.Messages)
			if n := len(st.Messages); n > 0 {
				last = st.Messages[n-1].ID
			}
		}
	}
}

// backfill delivers the existing records the mode asks for and returns the
// ID to continue reading after.
func (s *streamSub) backfill(ctx context.Context, mode eventlog.Mode) (string, error) {
	rdb := s.log.streams.rdb
	stream := s.log.stream

	if mode != eventlog.ModeFullReplay {
		msgs, err := rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
		if err != nil {
			return "", err
		}
		if len(msgs) == 0 {
			return "0-0", nil
		}
		if mode == eventlog.ModeTailOnly {
			s.deliver(msgs)
		}
		return msgs[0].ID, nil
	}

	// Pages after the first start inclusively at the last delivered ID and
	// skip it, which needs no exclusive range syntax from the server.
	batch := s.log.streams.opts.batch
	last, start, count := "0-0", "-", batch
	for {
		msgs, err := rdb.XRangeN(ctx, stream, start, "+", count).Result()
		if err != nil {
			return "", err
		}
		full := int64(len(msgs)) == count
		if start != "-" && len(msgs) > 0 && msgs[0].ID == start {
			msgs = msgs[1:]
		}
		s.deliver(msgs)
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1].ID
		}
		if !full {
			return last, nil
		}
		start, count = last, batch+1
	}
}
