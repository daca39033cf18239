package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	redis "github.com/redis/go-redis/v9"

	"github.com/shinyes/yep_deck/pkg/clock"
	"github.com/shinyes/yep_deck/pkg/loop"
	"github.com/shinyes/yep_deck/pkg/presence"
)

// probe runs fn immediately and then on every tick until ctx is done.
func probe(ctx context.Context, every time.Duration, fn func(context.Context)) {
	for {
		fn(ctx)
		if !sleep(ctx, every) {
			return
		}
	}
}

// OffsetFeed estimates the offset of the Redis server clock from the local
// wall clock with the TIME command, assuming a symmetric round trip.
type OffsetFeed struct {
	rdb    *redis.Client
	poster loop.Poster
	opts   options

	wg sync.WaitGroup
}

var _ clock.OffsetFeed = (*OffsetFeed)(nil)

// NewOffsetFeed creates a feed that posts offsets to poster.
func NewOffsetFeed(rdb *redis.Client, poster loop.Poster, opts ...Option) *OffsetFeed {
	return &OffsetFeed{rdb: rdb, poster: poster, opts: buildOptions(opts)}
}

// Measure performs one estimate, in milliseconds.
func (f *OffsetFeed) Measure(ctx context.Context) (int64, error) {
	sent := time.Now()
	server, err := f.rdb.Time(ctx).Result()
	if err != nil {
		return 0, err
	}
	recv := time.Now()
	mid := sent.Add(recv.Sub(sent) / 2)
	return server.Sub(mid).Milliseconds(), nil
}

// SubscribeOffset measures now and then on every interval, posting each
// estimate to fn. Failed measurements are logged and skipped.
func (f *OffsetFeed) SubscribeOffset(fn func(skewMillis int64)) clock.Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &feedSub{cancel: cancel}
	sub.active.Store(true)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		probe(ctx, f.opts.interval, func(ctx context.Context) {
			cctx, cancel := context.WithTimeout(ctx, f.opts.timeout)
			defer cancel()
			off, err := f.Measure(cctx)
			if err != nil {
				if ctx.Err() == nil {
					level.Warn(f.opts.logger).Log("msg", "clock offset failed", "err", err)
				}
				return
			}
			f.poster.Post(func() {
				if sub.active.Load() {
					fn(off)
				}
			})
		})
	}()
	return sub
}

// Wait blocks until every subscription goroutine has exited.
func (f *OffsetFeed) Wait() {
	f.wg.Wait()
}

// ConnMonitor reports the reachability of the Redis server by PING.
type ConnMonitor struct {
	rdb    *redis.Client
	poster loop.Poster
	opts   options

	wg sync.WaitGroup
}

var _ presence.ConnectionFeed = (*ConnMonitor)(nil)

// NewConnMonitor creates a monitor that posts state changes to poster.
func NewConnMonitor(rdb *redis.Client, poster loop.Poster, opts ...Option) *ConnMonitor {
	return &ConnMonitor{rdb: rdb, poster: poster, opts: buildOptions(opts)}
}

// SubscribeConnection posts the first probe result, then every transition.
func (m *ConnMonitor) SubscribeConnection(fn func(presence.State)) presence.Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &feedSub{cancel: cancel}
	sub.active.Store(true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		last := presence.State(-1)
		probe(ctx, m.opts.interval, func(ctx context.Context) {
			cctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
			err := m.rdb.Ping(cctx).Err()
			cancel()
			if ctx.Err() != nil {
				return
			}

			state := presence.Connected
			if err != nil {
				state = presence.Disconnected
			}
			if state == last {
				return
			}
			last = state
			level.Info(m.opts.logger).Log("msg", "redis connection", "state", state, "err", err)
			m.poster.Post(func() {
				if sub.active.Load() {
					fn(state)
				}
			})
		})
	}()
	return sub
}

// Wait blocks until every subscription goroutine has exited.
func (m *ConnMonitor) Wait() {
	m.wg.Wait()
}

type feedSub struct {
	cancel context.CancelFunc
	active atomic.Bool
}

func (s *feedSub) Close() {
	if s.active.Swap(false) {
		s.cancel()
	}
}
