// Package store runs the adapter contract on any provider.Provider byte store
// (ristretto, bigcache, expirable LRU). Values are kept as wire envelopes so
// per-entry TTL and tags survive stores that only know a global expiry window.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/internal/wire"
	"github.com/unkn0wn-root/cachekit/logging"
	"github.com/unkn0wn-root/cachekit/provider"
	"github.com/unkn0wn-root/cachekit/tagindex"
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = time.Minute
)

type Options struct {
	// Name is reported by Name() and in logs/hooks. Default: "store".
	Name       string
	DefaultTTL time.Duration
	// SweepInterval purges expired envelopes from providers that implement
	// provider.Ranger. 0 means DefaultSweepInterval; negative disables it.
	SweepInterval time.Duration
	Logger        logging.Logger
	Hooks         hooks.Hooks
	Clock         func() time.Time
}

type Adapter struct {
	p     provider.Provider
	name  string
	ttl   time.Duration
	log   logging.Logger
	hooks hooks.Hooks
	now   func() time.Time
	tags  *tagindex.Local

	hits, misses atomic.Int64
	started      atomic.Int64 // unix nanos

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(p provider.Provider, opts Options) (*Adapter, error) {
	if p == nil {
		return nil, errors.New("store: nil provider")
	}
	if opts.Name == "" {
		opts.Name = "store"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	a := &Adapter{
		p:     p,
		name:  opts.Name,
		ttl:   opts.DefaultTTL,
		log:   logging.With(opts.Logger, logging.Fields{"adapter": opts.Name}),
		hooks: hooks.OrNop(opts.Hooks),
		now:   opts.Clock,
		tags:  tagindex.NewLocal(),
	}
	a.started.Store(a.now().UnixNano())

	// keys the provider drops on its own must leave the tag index too
	if n, ok := p.(provider.EvictNotifier); ok {
		n.OnEvict(a.tags.Forget)
	}

	if _, ok := p.(provider.Ranger); ok && opts.SweepInterval > 0 {
		a.ticker = time.NewTicker(opts.SweepInterval)
		a.stopCh = make(chan struct{})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-a.ticker.C:
					if n := a.Sweep(context.Background()); n > 0 {
						a.log.Debug("swept expired entries", logging.Fields{"count": n})
					}
				case <-a.stopCh:
					return
				}
			}
		}()
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// load returns the live envelope for key. Corrupt or expired entries are dropped.
func (a *Adapter) load(ctx context.Context, key string) (wire.Entry, bool, error) {
	raw, ok, err := a.p.Get(ctx, key)
	if err != nil {
		return wire.Entry{}, false, errors.Wrapf(err, "%s: get", a.name)
	}
	if !ok {
		return wire.Entry{}, false, nil
	}
	e, err := wire.Decode(raw)
	if err != nil {
		a.drop(ctx, key)
		a.log.Warn("dropping corrupt entry", logging.Fields{"key": key, "err": err})
		a.hooks.SelfHeal(a.name, key, "corrupt")
		return wire.Entry{}, false, nil
	}
	if !a.live(e) {
		a.drop(ctx, key)
		return wire.Entry{}, false, nil
	}
	return e, true, nil
}

func (a *Adapter) live(e wire.Entry) bool {
	return a.now().Before(e.CreatedAt.Add(e.TTL))
}

// dead reports whether raw is expired or not an envelope at all.
func (a *Adapter) dead(raw []byte) bool {
	e, err := wire.Decode(raw)
	return err != nil || !a.live(e)
}

func (a *Adapter) drop(ctx context.Context, key string) {
	_ = a.p.Del(ctx, key)
	a.tags.Forget(key)
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok, err := a.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		a.misses.Add(1)
		return nil, false, nil
	}
	a.hits.Add(1)
	return append([]byte(nil), e.Payload...), true, nil
}

func (a *Adapter) GetMany(ctx context.Context, keys []string) ([]adapter.Lookup, error) {
	out := make([]adapter.Lookup, len(keys))
	for i, k := range keys {
		v, ok, err := a.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = adapter.Lookup{Key: k, Value: v, Found: ok}
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := a.load(ctx, key)
	return ok, err
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte, opts adapter.SetOptions) error {
	if key == "" {
		return adapter.ErrEmptyKey
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = a.ttl
	}
	tags := adapter.DedupTags(opts.Tags)
	enc, err := wire.Encode(wire.Entry{
		CreatedAt:    a.now(),
		TTL:          ttl,
		OriginalSize: len(value),
		Tags:         tags,
		Payload:      value,
	})
	if err != nil {
		return err
	}
	// index first: an eviction fired during or after the write then forgets it
	if err := a.tags.Replace(ctx, key, tags, ttl); err != nil {
		return err
	}
	ok, err := a.p.Set(ctx, key, enc, int64(len(enc)), ttl)
	if err != nil {
		a.drop(ctx, key)
		return errors.Wrapf(err, "%s: set", a.name)
	}
	if !ok {
		// rejected under pressure; an older value must not linger
		a.drop(ctx, key)
		a.log.Debug("write rejected by store", logging.Fields{"key": key, "size": len(enc)})
		a.hooks.Evicted(a.name, key, "max_memory")
	}
	return nil
}

func (a *Adapter) SetMany(ctx context.Context, items []adapter.Item) error {
	for _, it := range items {
		if err := a.Set(ctx, it.Key, it.Value, it.SetOptions); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Del(ctx context.Context, key string) (bool, error) {
	_, ok, err := a.load(ctx, key)
	if err != nil || !ok {
		a.tags.Forget(key)
		return false, err
	}
	if err := a.p.Del(ctx, key); err != nil {
		return false, errors.Wrapf(err, "%s: del", a.name)
	}
	a.tags.Forget(key)
	return true, nil
}

func (a *Adapter) DelMany(ctx context.Context, keys []string) (int, error) {
	n := 0
	for _, k := range keys {
		ok, err := a.Del(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	keys, err := a.tags.Keys(ctx, tags)
	if err != nil {
		return 0, err
	}
	return a.DelMany(ctx, keys)
}

func (a *Adapter) Clear(ctx context.Context) error {
	if err := a.p.Clear(ctx); err != nil {
		return errors.Wrapf(err, "%s: clear", a.name)
	}
	_ = a.tags.Clear(ctx)
	a.hits.Store(0)
	a.misses.Store(0)
	a.started.Store(a.now().UnixNano())
	return nil
}

// Sweep purges expired and undecodable entries and returns how many were
// removed. Providers that cannot be walked expire entries themselves.
func (a *Adapter) Sweep(ctx context.Context) int {
	r, ok := a.p.(provider.Ranger)
	if !ok {
		return 0
	}
	var dead []string
	if err := r.Range(ctx, func(k string, v []byte) bool {
		if a.dead(v) {
			dead = append(dead, k)
		}
		return true
	}); err != nil {
		a.log.Debug("sweep interrupted", logging.Fields{"err": err})
	}
	n := 0
	for _, k := range dead {
		// re-read: the key may have been rewritten since the walk
		raw, ok, err := a.p.Get(ctx, k)
		if err != nil || !ok || !a.dead(raw) {
			continue
		}
		a.drop(ctx, k)
		n++
	}
	return n
}

// Stats sweeps expired entries first so Keys counts live data only.
func (a *Adapter) Stats(ctx context.Context) adapter.Stats {
	a.Sweep(ctx)
	st := adapter.Stats{
		Hits:   a.hits.Load(),
		Misses: a.misses.Load(),
		Uptime: a.now().Sub(time.Unix(0, a.started.Load())),
	}
	if l, ok := a.p.(provider.Lener); ok {
		st.Keys = l.Len()
	}
	if ev, ok := a.p.(provider.Evictor); ok {
		st.Evictions = ev.Evictions()
	}
	return st
}

// Close stops the sweep loop, resets counters and closes the provider once.
func (a *Adapter) Close(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		if a.stopCh != nil {
			close(a.stopCh)
			a.ticker.Stop()
			a.wg.Wait()
		}
		err = a.p.Close(ctx)
	})
	_ = a.tags.Clear(ctx)
	a.hits.Store(0)
	a.misses.Store(0)
	a.started.Store(a.now().UnixNano())
	if err != nil {
		return errors.Wrapf(err, "%s: close", a.name)
	}
	return nil
}
