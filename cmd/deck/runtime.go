package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shinyes/yep_deck/pkg/clock"
	"github.com/shinyes/yep_deck/pkg/config"
	"github.com/shinyes/yep_deck/pkg/crdt"
	"github.com/shinyes/yep_deck/pkg/deck"
	"github.com/shinyes/yep_deck/pkg/eventlog"
	"github.com/shinyes/yep_deck/pkg/ident"
	"github.com/shinyes/yep_deck/pkg/loop"
	"github.com/shinyes/yep_deck/pkg/presence"
	"github.com/shinyes/yep_deck/pkg/remote"
	"github.com/shinyes/yep_deck/pkg/store"
)

// identityRoom is the store holding the persistent user id.
const identityRoom = "_identity"

type backend struct {
	logs     eventlog.Opener
	conn     presence.ConnectionFeed
	presence presence.Transport
	clock    *clock.SkewClock
	close    func()
}

func openLocal(cfg *config.Config, stores *store.RoomStores, d *loop.Dispatcher, logger log.Logger) (*backend, error) {
	st, err := stores.Get(cfg.Room)
	if err != nil {
		return nil, err
	}
	hub := eventlog.NewHub(st, eventlog.WithHubLogger(logger))
	pres := presence.NewHub(logger)
	conn := pres.Connect(d)
	return &backend{
		logs:     hub.Opener(d),
		conn:     conn,
		presence: conn,
		clock:    clock.New(),
		close: func() {
			conn.Close()
			hub.Close()
		},
	}, nil
}

func openRedis(ctx context.Context, cfg *config.Config, d *loop.Dispatcher, logger log.Logger) (*backend, error) {
	rdb, err := remote.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		return nil, err
	}

	ns := remote.Namespace(cfg.Room)
	streams := remote.NewStreams(rdb, ns, remote.WithLogger(logger))
	transport := remote.NewPresenceTransport(rdb, ns, d,
		remote.WithLogger(logger),
		remote.WithLease(cfg.Presence.Lease),
		remote.WithReapInterval(cfg.Presence.ReapInterval))
	monitor := remote.NewConnMonitor(rdb, d, remote.WithLogger(logger))
	offsets := remote.NewOffsetFeed(rdb, d, remote.WithLogger(logger))

	clk := clock.New()
	follow := clk.Follow(offsets)

	return &backend{
		logs:     streams.Opener(d),
		conn:     monitor,
		presence: transport,
		clock:    clk,
		close: func() {
			follow.Close()
			streams.Close()
			transport.Close()
			_ = rdb.Close()
		},
	}, nil
}

type app struct {
	cfg     *config.Config
	session *deck.Session
	out     io.Writer
	last    deck.Status
}

func newApp(cfg *config.Config, userID string, b *backend, d *loop.Dispatcher, metrics *crdt.Metrics, logger log.Logger, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, out: out}
	s, err := deck.New(
		deck.Settings{UserID: userID, Speaker: cfg.Speaker, Slides: cfg.Slides, DeckURL: cfg.DeckURL},
		deck.Deps{Logs: b.logs, Conn: b.conn, Presence: b.presence, Scheduler: d},
		deck.WithLogger(logger),
		deck.WithFrameInterval(cfg.FrameInterval),
		deck.WithCRDTOptions(crdt.WithClock(b.clock), crdt.WithMetrics(metrics)),
		deck.WithOnRender(a.render),
	)
	if err != nil {
		return nil, err
	}
	a.session = s
	return a, nil
}

func (a *app) render(st deck.Status) {
	if st == a.last {
		return
	}
	a.last = st
	printStatus(a.out, st)
}

// call runs fn on the dispatcher and waits for its result. When ctx ends
// first, fn may still run later but its result is dropped.
func call[T any](ctx context.Context, d *loop.Dispatcher, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	d.Post(func() {
		v, err := fn()
		done <- result{v, err}
	})
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func serveMetrics(ctx context.Context, addr string, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	level.Info(logger).Log("msg", "serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func runApp(cfg *config.Config, logger log.Logger, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stores := store.NewRoomStores(cfg.DataDir, store.WithBadgerSyncWrites(cfg.SyncWrites))
	defer stores.CloseAll()

	idStore, err := stores.Get(identityRoom)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	userID, err := ident.EnsureUserID(ident.NewStoreIdentity(idStore), ident.NewGenerator())
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "identity", "user_id", userID)

	d := loop.New(logger)

	var b *backend
	switch cfg.Backend {
	case config.BackendRedis:
		b, err = openRedis(ctx, cfg, d, logger)
	default:
		b, err = openLocal(cfg, stores, d, logger)
	}
	if err != nil {
		return err
	}
	defer b.close()

	metrics := crdt.DiscardMetrics()
	if cfg.MetricsAddr != "" {
		metrics = crdt.NewPrometheusMetrics("deck")
	}

	a, err := newApp(cfg, userID, b, d, metrics, logger, out)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	}
	g.Go(func() error {
		defer cancel()
		printBanner(out, cfg, userID)
		printHelp(out)

		lines := readLines(in)
		for {
			fmt.Fprint(out, "> ")
			var line string
			select {
			case <-gctx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(l)
			}
			if line == "" {
				continue
			}

			quit, err := call(gctx, d, func() (bool, error) {
				return handleCommand(a, line)
			})
			if gctx.Err() != nil {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	})

	err = g.Wait()
	if lerr := a.session.Leave(); lerr != nil {
		level.Warn(logger).Log("msg", "leave failed", "err", lerr)
	}
	a.session.Close()
	return err
}
