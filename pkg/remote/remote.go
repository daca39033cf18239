// Package remote adapts a Redis server to the log, presence, clock and
// connection interfaces of a replica.
//
// Every adapter performs network I/O on its own goroutines and hands results
// to the replica through a loop.Poster, so callbacks run on the replica's
// dispatcher like those of the in-process adapters.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	redis "github.com/redis/go-redis/v9"
)

// DefaultAddr is the Redis address used when none is configured.
const DefaultAddr = "127.0.0.1:6379"

// Dial connects to Redis and checks the connection with PING.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Namespace prefixes every key and channel of one room.
func Namespace(room string) string {
	return "deck:" + room + ":"
}

type options struct {
	logger   log.Logger
	interval time.Duration
	block    time.Duration
	batch    int64
	lease    time.Duration
	reap     time.Duration
	timeout  time.Duration
}

// Option customizes an adapter. Options that do not apply to an adapter are
// ignored by it.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:   log.NewNopLogger(),
		interval: 5 * time.Second,
		block:    time.Second,
		batch:    256,
		lease:    15 * time.Second,
		reap:     5 * time.Second,
		timeout:  3 * time.Second,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithInterval sets how often OffsetFeed and ConnMonitor probe the server.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithBlock sets how long a stream reader blocks in XREAD.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithBatch sets the page size of stream reads.
func WithBatch(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.batch = n
		}
	}
}

// WithLease sets the time a presence entry survives without a keepalive.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithReapInterval sets how often the presence transport removes entries
// whose lease expired. Zero disables the background reaper.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.reap = d
		}
	}
}

// WithTimeout bounds single request/response commands.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
