package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	redis "github.com/redis/go-redis/v9"

	"github.com/shinyes/yep_deck/pkg/loop"
	"github.com/shinyes/yep_deck/pkg/presence"
)

// PresenceTransport keeps presence entries in Redis.
//
// Entries of a root live in the hash <namespace>presence:<root>. Inserts and
// removals are announced on the channel <namespace>presence:<root>:events as
// "+member" and "-member". A registered cleanup is a lease key with a TTL
// that this transport refreshes while it runs; Reap removes entries whose
// lease has expired, so the cleanup happens even when the owner died. An
// owner that finds its lease reaped while it is still alive restores the
// entry.
type PresenceTransport struct {
	rdb       *redis.Client
	namespace string
	poster    loop.Poster
	opts      options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	leases    map[string]context.CancelFunc
	published map[string]string
}

var _ presence.Transport = (*PresenceTransport)(nil)

// NewPresenceTransport creates a transport whose watch callbacks run on
// poster. With a non-zero reap interval it also starts a reaper for every
// watched root.
func NewPresenceTransport(rdb *redis.Client, namespace string, poster loop.Poster, opts ...Option) *PresenceTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceTransport{
		rdb:       rdb,
		namespace: namespace,
		poster:    poster,
		opts:      buildOptions(opts),
		ctx:       ctx,
		cancel:    cancel,
		leases:    make(map[string]context.CancelFunc),
		published: make(map[string]string),
	}
}

func (t *PresenceTransport) membersKey(root string) string {
	return t.namespace + "presence:" + root
}

func (t *PresenceTransport) leasedKey(root string) string {
	return t.namespace + "presence:" + root + ":leased"
}

func (t *PresenceTransport) channel(root string) string {
	return t.namespace + "presence:" + root + ":events"
}

func (t *PresenceTransport) leaseKey(p string) string {
	return t.namespace + "lease:" + p
}

func split(p string) (root, member string, err error) {
	p = path.Clean(p)
	root, member = path.Split(p)
	root = strings.TrimSuffix(root, "/")
	if root == "" || member == "" {
		return "", "", fmt.Errorf("presence path %q: want <root>/<member>", p)
	}
	return root, member, nil
}

func (t *PresenceTransport) command() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, t.opts.timeout)
}

// Publish sets the entry at path and announces it if it is new.
func (t *PresenceTransport) Publish(p, value string) error {
	root, member, err := split(p)
	if err != nil {
		return err
	}
	ctx, cancel := t.command()
	defer cancel()

	added, err := t.rdb.HSet(ctx, t.membersKey(root), member, value).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", p, err)
	}

	t.mu.Lock()
	t.published[path.Join(root, member)] = value
	t.mu.Unlock()

	if added > 0 {
		return t.announce(ctx, root, "+"+member)
	}
	return nil
}

func (t *PresenceTransport) announce(ctx context.Context, root, msg string) error {
	if err := t.rdb.Publish(ctx, t.channel(root), msg).Err(); err != nil {
		return fmt.Errorf("announce %q under %s: %w", msg, root, err)
	}
	return nil
}

// RegisterCleanupOnDisconnect leases the entry at path and keeps the lease
// alive until Remove or Close. If this process stops refreshing, the entry is
// reaped once the lease expires.
func (t *PresenceTransport) RegisterCleanupOnDisconnect(p string) error {
	root, member, err := split(p)
	if err != nil {
		return err
	}
	p = path.Join(root, member)

	ctx, cancel := t.command()
	defer cancel()
	if err := t.lease(ctx, root, member); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.leases[p]; ok {
		stop()
	}
	kctx, stop := context.WithCancel(t.ctx)
	t.leases[p] = stop

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.keepalive(kctx, p)
	}()
	return nil
}

// lease sets the lease of root/member and puts back the published entry, so
// an entry reaped before the lease was taken reappears.
func (t *PresenceTransport) lease(ctx context.Context, root, member string) error {
	p := path.Join(root, member)
	t.mu.Lock()
	value, published := t.published[p]
	t.mu.Unlock()

	pipe := t.rdb.TxPipeline()
	var added *redis.IntCmd
	if published {
		added = pipe.HSet(ctx, t.membersKey(root), member, value)
	}
	pipe.Set(ctx, t.leaseKey(p), "1", t.opts.lease)
	pipe.SAdd(ctx, t.leasedKey(root), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lease %s: %w", p, err)
	}
	if added != nil && added.Val() > 0 {
		return t.announce(ctx, root, "+"+member)
	}
	return nil
}

func (t *PresenceTransport) keepalive(ctx context.Context, p string) {
	every := t.opts.lease / 3
	for sleep(ctx, every) {
		cctx, cancel := context.WithTimeout(ctx, t.opts.timeout)
		err := t.renew(cctx, p)
		cancel()
		if err != nil && ctx.Err() == nil {
			level.Warn(t.opts.logger).Log("msg", "lease refresh failed", "path", p, "err", err)
		}
	}
}

// renew extends the lease of p. A missing lease key means the entry was
// reaped while this owner was still alive; it is leased and published again.
func (t *PresenceTransport) renew(ctx context.Context, p string) error {
	ok, err := t.rdb.Expire(ctx, t.leaseKey(p), t.opts.lease).Result()
	if err != nil || ok {
		return err
	}
	root, member, err := split(p)
	if err != nil {
		return err
	}
	level.Info(t.opts.logger).Log("msg", "lease lost, restoring entry", "path", p)
	return t.lease(ctx, root, member)
}

func (t *PresenceTransport) stopLease(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.published, p)
	if stop, ok := t.leases[p]; ok {
		stop()
		delete(t.leases, p)
	}
}

// Remove deletes the entry at path, cancels its lease and announces the
// removal if the entry existed.
func (t *PresenceTransport) Remove(p string) error {
	root, member, err := split(p)
	if err != nil {
		return err
	}
	p = path.Join(root, member)
	t.stopLease(p)

	ctx, cancel := t.command()
	defer cancel()
	return t.removeMember(ctx, root, member)
}

func (t *PresenceTransport) removeMember(ctx context.Context, root, member string) error {
	pipe := t.rdb.TxPipeline()
	del := pipe.HDel(ctx, t.membersKey(root), member)
	pipe.SRem(ctx, t.leasedKey(root), member)
	pipe.Del(ctx, t.leaseKey(path.Join(root, member)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s/%s: %w", root, member, err)
	}
	if del.Val() > 0 {
		return t.announce(ctx, root, "-"+member)
	}
	return nil
}

// reapScript removes a leased member only if its lease key is absent. The
// check and the removal run as one step, so a lease renewed in between keeps
// the member.
var reapScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SREM", KEYS[3], ARGV[1])
return redis.call("HDEL", KEYS[2], ARGV[1])
`)

// Reap removes every leased entry under root whose lease has expired and
// returns how many were removed.
func (t *PresenceTransport) Reap(ctx context.Context, root string) (int, error) {
	leased, err := t.rdb.SMembers(ctx, t.leasedKey(root)).Result()
	if err != nil {
		return 0, fmt.Errorf("reap %s: %w", root, err)
	}
	if len(leased) == 0 {
		return 0, nil
	}

	n := 0
	for _, member := range leased {
		keys := []string{t.leaseKey(path.Join(root, member)), t.membersKey(root), t.leasedKey(root)}
		removed, err := reapScript.Run(ctx, t.rdb, keys, member).Int()
		if err != nil {
			return n, fmt.Errorf("reap %s/%s: %w", root, member, err)
		}
		if removed == 0 {
			continue
		}
		if err := t.announce(ctx, root, "-"+member); err != nil {
			return n, err
		}
		level.Debug(t.opts.logger).Log("msg", "reaped", "root", root, "member", member)
		n++
	}
	return n, nil
}

func (t *PresenceTransport) reaper(ctx context.Context, root string) {
	for sleep(ctx, t.opts.reap) {
		cctx, cancel := context.WithTimeout(ctx, t.opts.timeout)
		_, err := t.Reap(cctx, root)
		cancel()
		if err != nil && ctx.Err() == nil {
			level.Warn(t.opts.logger).Log("msg", "reap failed", "root", root, "err", err)
		}
	}
}

// Watch reports members of root: existing ones first, then announcements.
// Duplicate announcements are suppressed per watch.
func (t *PresenceTransport) Watch(root string, onInsert, onRemove func(member string)) presence.Subscription {
	root = path.Clean(root)
	ctx, cancel := context.WithCancel(t.ctx)
	w := &presenceWatch{cancel: cancel}
	w.active.Store(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.watch(ctx, w, root, onInsert, onRemove)
	}()
	if t.opts.reap > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.reaper(ctx, root)
		}()
	}
	return w
}

func (t *PresenceTransport) watch(ctx context.Context, w *presenceWatch, root string, onInsert, onRemove func(string)) {
	ps := t.rdb.Subscribe(ctx, t.channel(root))
	defer ps.Close()
	// A pending receive does not observe ctx; closing the subscription ends it.
	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	known := make(map[string]struct{})
	insert := func(m string) {
		if _, ok := known[m]; ok {
			return
		}
		known[m] = struct{}{}
		w.post(t.poster, onInsert, m)
	}
	remove := func(m string) {
		if _, ok := known[m]; !ok {
			return
		}
		delete(known, m)
		w.post(t.poster, onRemove, m)
	}
	resync := func() error {
		members, err := t.rdb.HKeys(ctx, t.membersKey(root)).Result()
		if err != nil {
			return err
		}
		present := make(map[string]struct{}, len(members))
		for _, m := range members {
			present[m] = struct{}{}
		}
		for m := range known {
			if _, ok := present[m]; !ok {
				remove(m)
			}
		}
		for _, m := range members {
			insert(m)
		}
		return nil
	}

	// The server confirms the subscription once at start and again after
	// every reconnect. Announcements sent while unsubscribed are lost, so
	// each confirmation is followed by listing the hash again.
	stale := false
	for {
		msg, err := ps.ReceiveTimeout(ctx, t.opts.interval)
		if ctx.Err() != nil {
			return
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				stale = true
			}
		case *redis.Message:
			if len(m.Payload) < 2 {
				break
			}
			switch m.Payload[0] {
			case '+':
				insert(m.Payload[1:])
			case '-':
				remove(m.Payload[1:])
			}
		}

		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Idle: a ping surfaces a dead connection on the next receive.
				_ = ps.Ping(ctx)
			} else {
				level.Warn(t.opts.logger).Log("msg", "watch interrupted", "root", root, "err", err)
				if !sleep(ctx, time.Second) {
					return
				}
			}
		}

		if stale {
			if err := resync(); err != nil {
				if ctx.Err() != nil {
					return
				}
				level.Error(t.opts.logger).Log("msg", "list members failed", "root", root, "err", err)
				continue
			}
			stale = false
		}
	}
}

// Close stops keepalives, reapers and watches. Leased entries expire on
// their own.
func (t *PresenceTransport) Close() {
	t.cancel()
	t.wg.Wait()
}

type presenceWatch struct {
	cancel context.CancelFunc
	active atomic.Bool
}

func (w *presenceWatch) post(poster loop.Poster, fn func(string), member string) {
	if fn == nil {
		return
	}
	poster.Post(func() {
		if w.active.Load() {
			fn(member)
		}
	})
}

func (w *presenceWatch) Close() {
	if w.active.Swap(false) {
		w.cancel()
	}
}

// ErrNoLease is returned by Lease for entries without a registered cleanup.
var ErrNoLease = errors.New("presence entry has no lease")

// Lease returns the remaining lease of the entry at path.
func (t *PresenceTransport) Lease(ctx context.Context, p string) (time.Duration, error) {
	root, member, err := split(p)
	if err != nil {
		return 0, err
	}
	ttl, err := t.rdb.PTTL(ctx, t.leaseKey(path.Join(root, member))).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, ErrNoLease
	}
	return ttl, nil
}
