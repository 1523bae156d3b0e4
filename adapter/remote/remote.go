// Package remote is the adapter over a networked key-value backend.
//
// Construction never blocks: the first connection is made in the background and,
// until it succeeds, every operation returns adapter.ErrUnavailable without touching
// the network. A client that turns out to be closed marks the adapter failed; call
// Reconnect (bounded by MaxReconnectAttempts) to recover.
package remote

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/backend"
	"github.com/unkn0wn-root/cachekit/internal/wire"
	"github.com/unkn0wn-root/cachekit/logging"
	"github.com/unkn0wn-root/cachekit/resilience"
	"github.com/unkn0wn-root/cachekit/tagindex"
)

const Name = "remote"

var (
	ErrNoDialer           = errors.New("remote: nil dialer")
	ErrReconnectExhausted = errors.New("remote: reconnect attempts exhausted")
	ErrConnectInProgress  = errors.New("remote: connect in progress")
)

type Adapter struct {
	opts Options
	log  logging.Logger

	mu       sync.RWMutex
	state    State
	be       backend.Backend
	tags     *tagindex.Remote
	attempts int

	started time.Time
	ready   chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	hits, misses, connErrs, reconnects atomic.Int64
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
	_ adapter.Availability  = (*Adapter)(nil)
)

// New starts connecting in the background and returns immediately.
func New(opts Options) (*Adapter, error) {
	if opts.Dial == nil {
		return nil, ErrNoDialer
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		opts:    opts,
		log:     logging.With(opts.Logger, logging.Fields{"adapter": Name}),
		state:   StateUninitialized,
		started: opts.Clock(),
		ready:   make(chan struct{}),
		cancel:  cancel,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.ready)
		a.connect(ctx)
	}()
	return a, nil
}

func (a *Adapter) Name() string { return Name }

// Ready is closed once the initial connection attempt has finished, either way.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) Available() bool { return a.State() == StateConnected }

func (a *Adapter) dial(ctx context.Context) (backend.Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	be, err := a.opts.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := be.Ping(ctx); err != nil {
		_ = be.Close()
		return nil, err
	}
	return be, nil
}

func (a *Adapter) connect(ctx context.Context) {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateConnecting
	a.mu.Unlock()

	start := a.opts.Clock()
	be, err := a.dial(ctx)
	took := a.opts.Clock().Sub(start)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed {
		if be != nil {
			_ = be.Close()
		}
		return
	}
	if err != nil {
		a.state = StateFailed
		a.connErrs.Add(1)
		a.log.Warn("connect failed", logging.Fields{"err": err, "took": took.String()})
		a.opts.Hooks.BackendUnavailable(Name, "connect", err)
		return
	}
	a.useLocked(be)
	a.log.Info("connected", logging.Fields{"took": took.String()})
}

func (a *Adapter) useLocked(be backend.Backend) {
	a.be = be
	a.tags = tagindex.NewRemote(be, a.opts.KeyPrefix)
	a.state = StateConnected
}

func unavailable(s State) error {
	err := errors.Wrapf(adapter.ErrUnavailable, "remote %s", s)
	return resilience.NotAttempted(resilience.Mark(err, resilience.KindConnectionRefused))
}

// client returns the live backend, or an unavailable error when not connected.
func (a *Adapter) client() (backend.Backend, *tagindex.Remote, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != StateConnected {
		return nil, nil, unavailable(a.state)
	}
	return a.be, a.tags, nil
}

// fail records a backend failure. A closed client marks the adapter failed.
func (a *Adapter) fail(op string, be backend.Backend, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	a.connErrs.Add(1)
	if errors.Is(err, backend.ErrClosed) {
		a.mu.Lock()
		if a.be == be && a.state == StateConnected {
			a.state = StateFailed
			a.log.Warn("client closed, marking failed", logging.Fields{"op": op})
		}
		a.mu.Unlock()
	}
	a.opts.Hooks.BackendUnavailable(Name, op, err)
	return errors.Wrapf(err, "remote %s", op)
}

func (a *Adapter) key(k string) string { return a.opts.KeyPrefix + k }

func (a *Adapter) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = a.key(k)
	}
	return out
}

// decode unwraps an envelope; corrupt values are deleted.
func (a *Adapter) decode(ctx context.Context, be backend.Backend, tags *tagindex.Remote, key string, raw []byte) ([]byte, bool) {
	e, err := wire.Decode(raw)
	if err == nil {
		return e.Payload, true
	}
	_, _ = be.Del(ctx, a.key(key))
	_ = tags.Remove(ctx, key)
	a.log.Warn("dropping corrupt entry", logging.Fields{"key": key, "err": err})
	a.opts.Hooks.SelfHeal(Name, key, "corrupt")
	return nil, false
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	be, tags, err := a.client()
	if err != nil {
		return nil, false, err
	}
	raw, err := be.Get(ctx, a.key(key))
	if errors.Is(err, backend.ErrNotFound) {
		a.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, a.fail("get", be, err)
	}
	v, ok := a.decode(ctx, be, tags, key, raw)
	if !ok {
		a.misses.Add(1)
		return nil, false, nil
	}
	a.hits.Add(1)
	return v, true, nil
}

// GetMany reads every key in one MGET round-trip.
func (a *Adapter) GetMany(ctx context.Context, keys []string) ([]adapter.Lookup, error) {
	be, tags, err := a.client()
	if err != nil {
		return nil, err
	}
	out := make([]adapter.Lookup, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	raws, err := be.MGet(ctx, a.keys(keys)...)
	if err != nil {
		return nil, a.fail("get_many", be, err)
	}
	for i, k := range keys {
		out[i].Key = k
		if i >= len(raws) || raws[i] == nil {
			a.misses.Add(1)
			continue
		}
		if v, ok := a.decode(ctx, be, tags, k, raws[i]); ok {
			out[i].Value, out[i].Found = v, true
			a.hits.Add(1)
		} else {
			a.misses.Add(1)
		}
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	be, _, err := a.client()
	if err != nil {
		return false, err
	}
	ok, err := be.Exists(ctx, a.key(key))
	if err != nil {
		return false, a.fail("exists", be, err)
	}
	return ok, nil
}

func (a *Adapter) envelope(value []byte, opts adapter.SetOptions) ([]byte, time.Duration, []string, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = a.opts.DefaultTTL
	}
	tags := adapter.DedupTags(opts.Tags)
	enc, err := wire.Encode(wire.Entry{
		CreatedAt:    a.opts.Clock(),
		TTL:          ttl,
		OriginalSize: len(value),
		Tags:         tags,
		Payload:      value,
	})
	return enc, ttl, tags, err
}

// Set writes the value with backend expiry = TTL and moves the key's tag
// memberships to the new tag list.
func (a *Adapter) Set(ctx context.Context, key string, value []byte, opts adapter.SetOptions) error {
	if key == "" {
		return adapter.ErrEmptyKey
	}
	be, tags, err := a.client()
	if err != nil {
		return err
	}
	enc, ttl, tagList, err := a.envelope(value, opts)
	if err != nil {
		return err
	}
	if err := be.Set(ctx, a.key(key), enc, ttl); err != nil {
		return a.fail("set", be, err)
	}
	if err := tags.Replace(ctx, key, tagList, ttl); err != nil {
		return a.fail("set_tags", be, err)
	}
	return nil
}

// SetMany pipelines the value writes, then updates tags per key.
func (a *Adapter) SetMany(ctx context.Context, items []adapter.Item) error {
	for _, it := range items {
		if it.Key == "" {
			return adapter.ErrEmptyKey
		}
	}
	be, tags, err := a.client()
	if err != nil {
		return err
	}
	type staged struct {
		enc  []byte
		ttl  time.Duration
		tags []string
	}
	st := make([]staged, len(items))
	for i, it := range items {
		enc, ttl, tl, err := a.envelope(it.Value, it.SetOptions)
		if err != nil {
			return err
		}
		st[i] = staged{enc: enc, ttl: ttl, tags: tl}
	}
	err = be.Pipelined(ctx, func(p backend.Pipe) {
		for i, it := range items {
			p.Set(a.key(it.Key), st[i].enc, st[i].ttl)
		}
	})
	if err != nil {
		return a.fail("set_many", be, err)
	}
	for i, it := range items {
		if err := tags.Replace(ctx, it.Key, st[i].tags, st[i].ttl); err != nil {
			return a.fail("set_tags", be, err)
		}
	}
	return nil
}

func (a *Adapter) Del(ctx context.Context, key string) (bool, error) {
	n, err := a.DelMany(ctx, []string{key})
	return n > 0, err
}

// DelMany removes the values and their tag memberships.
func (a *Adapter) DelMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	be, tags, err := a.client()
	if err != nil {
		return 0, err
	}
	n, err := be.Del(ctx, a.keys(keys)...)
	if err != nil {
		return 0, a.fail("del", be, err)
	}
	if err := tags.Remove(ctx, keys...); err != nil {
		return int(n), a.fail("del_tags", be, err)
	}
	return int(n), nil
}

func (a *Adapter) InvalidateByTags(ctx context.Context, tagList []string) (int, error) {
	be, tags, err := a.client()
	if err != nil {
		return 0, err
	}
	keys, err := tags.Keys(ctx, tagList)
	if err != nil {
		return 0, a.fail("invalidate", be, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return a.DelMany(ctx, keys)
}

// Clear deletes every key under the prefix, tag records included.
func (a *Adapter) Clear(ctx context.Context) error {
	be, _, err := a.client()
	if err != nil {
		return err
	}
	err = be.Scan(ctx, a.opts.KeyPrefix+"*", func(keys []string) error {
		_, err := be.Del(ctx, keys...)
		return err
	})
	if err != nil {
		return a.fail("clear", be, err)
	}
	a.log.Info("cleared", logging.Fields{"prefix": a.opts.KeyPrefix})
	return nil
}

// Stats reports counters always; key count and memory only while connected.
func (a *Adapter) Stats(ctx context.Context) adapter.Stats {
	st := adapter.Stats{
		Hits:             a.hits.Load(),
		Misses:           a.misses.Load(),
		Uptime:           a.opts.Clock().Sub(a.started),
		ConnectionErrors: a.connErrs.Load(),
		Reconnects:       a.reconnects.Load(),
	}
	be, tags, err := a.client()
	if err != nil {
		return st
	}
	tagPrefix, ownerPrefix := tags.TagKey(""), tags.OwnerKey("")
	var n int64
	err = be.Scan(ctx, a.opts.KeyPrefix+"*", func(keys []string) error {
		for _, k := range keys {
			if !strings.HasPrefix(k, tagPrefix) && !strings.HasPrefix(k, ownerPrefix) {
				n++
			}
		}
		return nil
	})
	if err != nil {
		_ = a.fail("stats", be, err)
		st.ConnectionErrors = a.connErrs.Load()
		return st
	}
	st.Keys = n
	if mem, err := be.MemoryUsage(ctx); err == nil {
		st.MemoryBytes = mem
	}
	return st
}

// HealthCheck pings the backend within ConnectTimeout. A failed probe marks
// the adapter failed; a successful one leaves the state alone, so a failed
// adapter stays failed until Reconnect.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	a.mu.RLock()
	be, state := a.be, a.state
	a.mu.RUnlock()
	if be == nil || state == StateClosed || state == StateConnecting {
		return adapter.Health{Err: unavailable(state)}
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	start := a.opts.Clock()
	err := be.Ping(ctx)
	lat := a.opts.Clock().Sub(start)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.be != be || a.state == StateClosed {
		return adapter.Health{Latency: lat, Err: unavailable(a.state)}
	}
	if err != nil {
		a.connErrs.Add(1)
		a.state = StateFailed
		a.opts.Hooks.BackendUnavailable(Name, "health", err)
		return adapter.Health{Latency: lat, Err: err}
	}
	return adapter.Health{Healthy: true, Latency: lat}
}

// Reconnect dials a fresh client. Each call counts as one attempt; success
// resets the count. After MaxReconnectAttempts consecutive failures it returns
// ErrReconnectExhausted without dialing.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.state == StateClosed:
		a.mu.Unlock()
		return adapter.ErrClosed
	case a.state == StateConnecting:
		a.mu.Unlock()
		return ErrConnectInProgress
	case a.attempts >= a.opts.MaxReconnectAttempts:
		a.mu.Unlock()
		return ErrReconnectExhausted
	}
	a.attempts++
	attempt := a.attempts
	prev := a.state
	a.state = StateConnecting
	old := a.be
	a.mu.Unlock()

	start := a.opts.Clock()
	be, err := a.dial(ctx)
	took := a.opts.Clock().Sub(start)

	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		if be != nil {
			_ = be.Close()
		}
		return adapter.ErrClosed
	}
	if err != nil {
		if prev == StateConnected {
			a.state = StateConnected
		} else {
			a.state = StateFailed
		}
		a.mu.Unlock()
		a.connErrs.Add(1)
		a.log.Warn("reconnect failed", logging.Fields{"attempt": attempt, "err": err})
		a.opts.Hooks.Reconnected(Name, attempt, took, err)
		return errors.Wrapf(err, "remote reconnect attempt %d", attempt)
	}
	a.useLocked(be)
	a.attempts = 0
	a.mu.Unlock()

	if old != nil && old != be {
		_ = old.Close()
	}
	a.reconnects.Add(1)
	a.log.Info("reconnected", logging.Fields{"attempt": attempt, "took": took.String()})
	a.opts.Hooks.Reconnected(Name, attempt, took, nil)
	return nil
}

// Close stops any pending connect and releases the client. Idempotent.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = StateClosed
	be := a.be
	a.be, a.tags = nil, nil
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	if be != nil {
		return be.Close()
	}
	return nil
}
