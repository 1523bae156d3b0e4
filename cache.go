package cachekit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/adapter/local"
	"github.com/unkn0wn-root/cachekit/codec"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
	"github.com/unkn0wn-root/cachekit/resilience"
)

// operation ids; each gets its own circuit breaker
const (
	opGet     = "get"
	opGetMany = "get_many"
	opExists  = "exists"
	opSet     = "set"
	opSetMany = "set_many"
	opDel     = "del"
	opDelMany = "del_many"
	opTags    = "invalidate_tags"
	opClear   = "clear"
)

// Cache is the facade over a local adapter and an optional remote one.
// Safe for concurrent use.
type Cache struct {
	local  adapter.Adapter
	remote adapter.Adapter
	ser    codec.Codec
	exec   *resilience.Executor
	log    logging.Logger
	hooks  hooks.Hooks
	obs    AccessObserver

	enabled bool
	stats   bool
	group   singleflight.Group

	hits, misses, unavailable atomic.Int64
	fallbacks, sets, deletes  atomic.Int64
}

func newCache(opts Options) (*Cache, error) {
	c := &Cache{
		remote:  opts.Remote,
		enabled: !opts.Disabled,
		stats:   !opts.DisableStats,
		obs:     opts.Observer,
	}

	c.log = coalesce[logging.Logger](opts.Logger, logging.Nop{})
	c.hooks = coalesce[hooks.Hooks](opts.Hooks, hooks.Nop{})
	c.ser = coalesce[codec.Codec](opts.Serializer, codec.Msgpack{})

	if opts.Executor != nil {
		c.exec = opts.Executor
	} else {
		c.exec = resilience.New(resilience.Config{Logger: c.log, Hooks: c.hooks})
	}

	if opts.Local != nil {
		c.local = opts.Local
	} else {
		l, err := local.New(local.Options{Logger: c.log, Hooks: c.hooks})
		if err != nil {
			return nil, errors.Wrap(err, "cachekit: local adapter")
		}
		c.local = l
	}
	return c, nil
}

func (c *Cache) Enabled() bool { return c.enabled }

// Serializer returns the codec used for values.
func (c *Cache) Serializer() codec.Codec { return c.ser }

// remoteUp reports whether reads and writes should go to the remote adapter.
func (c *Cache) remoteUp() bool {
	if c.remote == nil {
		return false
	}
	if a, ok := c.remote.(adapter.Availability); ok {
		return a.Available()
	}
	return true
}

// Active names the adapter currently serving reads and writes.
func (c *Cache) Active() string {
	if c.remoteUp() {
		return c.remote.Name()
	}
	return c.local.Name()
}

func (c *Cache) count(n *atomic.Int64, d int64) {
	if c.stats {
		n.Add(d)
	}
}

func (c *Cache) observe(key string, hit bool) {
	if c.stats && c.obs != nil {
		c.obs.Observe(key, hit)
	}
}

// degraded records that op ran on the local adapter instead of the remote one.
func (c *Cache) degraded(op string, cause error) {
	c.count(&c.fallbacks, 1)
	c.log.Warn("remote unavailable, using local", logging.Fields{
		"op": op, "kind": resilience.Classify(cause).String(), "err": cause,
	})
}

func unavailableCause(remote adapter.Adapter) error {
	return resilience.NotAttempted(errors.Wrapf(adapter.ErrUnavailable, "%s", remote.Name()))
}

func (c *Cache) result(key string, v []byte, ok bool, src string) Result {
	if ok {
		c.count(&c.hits, 1)
		c.observe(key, true)
		return Result{Status: Hit, Value: v, Source: src, codec: c.ser}
	}
	c.count(&c.misses, 1)
	c.observe(key, false)
	return Result{Status: Miss, Source: src, codec: c.ser}
}

func (c *Cache) unavailableResult(key string, cause error) Result {
	c.count(&c.unavailable, 1)
	c.observe(key, false)
	return Result{Status: Unavailable, Err: cause, codec: c.ser}
}

type lookup struct {
	v   []byte
	ok  bool
	src string
}

// Get reads key. With a remote adapter configured, a remote failure falls back to
// the local adapter; a local miss is then reported as Unavailable rather than Miss.
func (c *Cache) Get(ctx context.Context, key string) Result {
	if !c.enabled {
		return Result{Status: Miss, codec: c.ser}
	}

	fromLocal := func(ctx context.Context, cause error) (lookup, error) {
		if cause != nil {
			c.degraded(opGet, cause)
		}
		v, ok, err := c.local.Get(ctx, key)
		if err != nil {
			return lookup{}, err
		}
		if !ok && cause != nil {
			return lookup{}, cause
		}
		return lookup{v, ok, c.local.Name()}, nil
	}

	var (
		l   lookup
		err error
	)
	switch {
	case c.remoteUp():
		l, err = resilience.WithFallback(ctx, c.exec, opGet, func(ctx context.Context) (lookup, error) {
			v, ok, err := c.remote.Get(ctx, key)
			return lookup{v, ok, c.remote.Name()}, err
		}, fromLocal)
	case c.remote != nil:
		l, err = fromLocal(ctx, unavailableCause(c.remote))
	default:
		l, err = fromLocal(ctx, nil)
	}
	if err != nil {
		return c.unavailableResult(key, err)
	}
	return c.result(key, l.v, l.ok, l.src)
}

// GetMany reads keys in one batch. Results are aligned with keys.
func (c *Cache) GetMany(ctx context.Context, keys []string) []Result {
	out := make([]Result, len(keys))
	if !c.enabled || len(keys) == 0 {
		for i := range out {
			out[i] = Result{Status: Miss, codec: c.ser}
		}
		return out
	}

	type batch struct {
		ls  []adapter.Lookup
		src string
	}
	fromLocal := func(ctx context.Context, cause error) (batch, error) {
		if cause != nil {
			c.degraded(opGetMany, cause)
		}
		ls, err := c.local.GetMany(ctx, keys)
		if err != nil {
			return batch{}, err
		}
		return batch{ls, c.local.Name()}, nil
	}

	var (
		b     batch
		err   error
		cause error
	)
	switch {
	case c.remoteUp():
		b, err = resilience.WithFallback(ctx, c.exec, opGetMany, func(ctx context.Context) (batch, error) {
			ls, err := c.remote.GetMany(ctx, keys)
			return batch{ls, c.remote.Name()}, err
		}, func(ctx context.Context, e error) (batch, error) {
			cause = e
			return fromLocal(ctx, e)
		})
	case c.remote != nil:
		cause = unavailableCause(c.remote)
		b, err = fromLocal(ctx, cause)
	default:
		b, err = fromLocal(ctx, nil)
	}

	for i, k := range keys {
		switch {
		case err != nil:
			out[i] = c.unavailableResult(k, err)
		case i < len(b.ls) && b.ls[i].Found:
			out[i] = c.result(k, b.ls[i].Value, true, b.src)
		case cause != nil:
			out[i] = c.unavailableResult(k, cause)
		default:
			out[i] = c.result(k, nil, false, b.src)
		}
	}
	return out
}

// Exists reports whether a live entry is stored under key. Backend faults read as false.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if !c.enabled {
		return false
	}
	fromLocal := func(ctx context.Context, cause error) (bool, error) {
		if cause != nil {
			c.degraded(opExists, cause)
		}
		return c.local.Exists(ctx, key)
	}
	var (
		ok  bool
		err error
	)
	switch {
	case c.remoteUp():
		ok, err = resilience.WithFallback(ctx, c.exec, opExists, func(ctx context.Context) (bool, error) {
			return c.remote.Exists(ctx, key)
		}, fromLocal)
	case c.remote != nil:
		ok, err = fromLocal(ctx, unavailableCause(c.remote))
	default:
		ok, err = fromLocal(ctx, nil)
	}
	return err == nil && ok
}

func setOptions(opts []SetOption) adapter.SetOptions {
	var so adapter.SetOptions
	for _, o := range opts {
		if o != nil {
			o(&so)
		}
	}
	return so
}

// Set encodes value and writes it to the remote adapter when available (dropping
// any local copy), otherwise to the local adapter. Only empty keys, encode
// failures and local write failures are returned.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	if !c.enabled {
		return nil
	}
	if key == "" {
		return adapter.ErrEmptyKey
	}
	raw, err := c.ser.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "cachekit: encode %q", key)
	}
	so := setOptions(opts)
	c.count(&c.sets, 1)

	switch {
	case c.remoteUp():
		err := c.exec.Do(ctx, opSet, func(ctx context.Context) error {
			return c.remote.Set(ctx, key, raw, so)
		})
		if err == nil {
			if _, err := c.local.Del(ctx, key); err != nil {
				c.log.Debug("drop local copy failed", logging.Fields{"key": key, "err": err})
			}
			return nil
		}
		c.degraded(opSet, err)
	case c.remote != nil:
		c.degraded(opSet, unavailableCause(c.remote))
	}
	return c.local.Set(ctx, key, raw, so)
}

// SetMany writes items as one batch, following the same routing as Set.
func (c *Cache) SetMany(ctx context.Context, items []Item) error {
	if !c.enabled || len(items) == 0 {
		return nil
	}
	batch := make([]adapter.Item, 0, len(items))
	keys := make([]string, 0, len(items))
	for _, it := range items {
		if it.Key == "" {
			return adapter.ErrEmptyKey
		}
		raw, err := c.ser.Marshal(it.Value)
		if err != nil {
			return errors.Wrapf(err, "cachekit: encode %q", it.Key)
		}
		batch = append(batch, adapter.Item{
			Key:        it.Key,
			Value:      raw,
			SetOptions: adapter.SetOptions{TTL: it.TTL, Tags: it.Tags},
		})
		keys = append(keys, it.Key)
	}
	c.count(&c.sets, int64(len(batch)))

	switch {
	case c.remoteUp():
		err := c.exec.Do(ctx, opSetMany, func(ctx context.Context) error {
			return c.remote.SetMany(ctx, batch)
		})
		if err == nil {
			if _, err := c.local.DelMany(ctx, keys); err != nil {
				c.log.Debug("drop local copies failed", logging.Fields{"keys": len(keys), "err": err})
			}
			return nil
		}
		c.degraded(opSetMany, err)
	case c.remote != nil:
		c.degraded(opSetMany, unavailableCause(c.remote))
	}
	return c.local.SetMany(ctx, batch)
}

// Del removes key from both adapters and reports whether either held it.
func (c *Cache) Del(ctx context.Context, key string) bool {
	if !c.enabled {
		return false
	}
	removed := false
	if c.remoteUp() {
		removed = resilience.Degrade(ctx, c.exec, opDel, func(ctx context.Context) (bool, error) {
			return c.remote.Del(ctx, key)
		}, false)
	}
	if ok, err := c.local.Del(ctx, key); err == nil && ok {
		removed = true
	}
	if removed {
		c.count(&c.deletes, 1)
	}
	return removed
}

// DelMany removes keys from both adapters and returns how many entries went away.
func (c *Cache) DelMany(ctx context.Context, keys []string) int {
	if !c.enabled || len(keys) == 0 {
		return 0
	}
	n := 0
	if c.remoteUp() {
		n = resilience.Degrade(ctx, c.exec, opDelMany, func(ctx context.Context) (int, error) {
			return c.remote.DelMany(ctx, keys)
		}, 0)
	}
	if m, err := c.local.DelMany(ctx, keys); err == nil {
		n += m
	}
	c.count(&c.deletes, int64(n))
	return n
}

// InvalidateByTags removes every entry carrying any of tags from both adapters
// and returns how many entries went away.
func (c *Cache) InvalidateByTags(ctx context.Context, tags ...string) int {
	if !c.enabled || len(tags) == 0 {
		return 0
	}
	n := 0
	if c.remoteUp() {
		n = resilience.Degrade(ctx, c.exec, opTags, func(ctx context.Context) (int, error) {
			return c.remote.InvalidateByTags(ctx, tags)
		}, 0)
	}
	m, err := c.local.InvalidateByTags(ctx, tags)
	if err != nil {
		c.log.Warn("local tag invalidation failed", logging.Fields{"tags": tags, "err": err})
	}
	n += m
	c.count(&c.deletes, int64(n))
	c.log.Debug("invalidated tags", logging.Fields{"tags": tags, "removed": n})
	return n
}

// Clear empties both adapters and resets the facade counters.
func (c *Cache) Clear(ctx context.Context) error {
	var remoteErr error
	if c.remote != nil {
		remoteErr = c.exec.Do(ctx, opClear, c.remote.Clear)
	}
	localErr := c.local.Clear(ctx)
	c.resetCounters()
	return joinAdapterErrs(opClear, remoteErr, localErr)
}

func (c *Cache) resetCounters() {
	for _, n := range []*atomic.Int64{&c.hits, &c.misses, &c.unavailable, &c.fallbacks, &c.sets, &c.deletes} {
		n.Store(0)
	}
}

// Health is the facade's liveness view.
type Health struct {
	// Healthy is false only when a configured remote fails its probe.
	Healthy bool            `json:"healthy"`
	Active  string          `json:"active"`
	Remote  *adapter.Health `json:"remote,omitempty"`
}

// HealthCheck probes the remote adapter when it supports probing.
func (c *Cache) HealthCheck(ctx context.Context) Health {
	h := Health{Healthy: true}
	if hc, ok := c.remote.(adapter.HealthChecker); ok {
		rh := hc.HealthCheck(ctx)
		h.Remote = &rh
		h.Healthy = rh.Healthy
	}
	h.Active = c.Active()
	return h
}

type readier interface {
	Ready() <-chan struct{}
}

// WaitReady blocks until the remote adapter finished its first connection
// attempt. It returns ctx's error if ctx ends first; without a remote it returns at once.
func (c *Cache) WaitReady(ctx context.Context) error {
	r, ok := c.remote.(readier)
	if !ok {
		return nil
	}
	select {
	case <-r.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reconnecter interface {
	Reconnect(ctx context.Context) error
}

// Reconnect asks the remote adapter to reconnect. Without a remote that supports
// reconnecting it is a no-op.
func (c *Cache) Reconnect(ctx context.Context) error {
	r, ok := c.remote.(reconnecter)
	if !ok {
		return nil
	}
	start := time.Now()
	err := r.Reconnect(ctx)
	c.log.Info("remote reconnect", logging.Fields{"took": time.Since(start).String(), "err": err})
	return err
}

// Close closes both adapters. The remote is closed first.
func (c *Cache) Close(ctx context.Context) error {
	var remoteErr error
	if c.remote != nil {
		remoteErr = c.remote.Close(ctx)
	}
	localErr := c.local.Close(ctx)
	c.resetCounters()
	return joinAdapterErrs("close", remoteErr, localErr)
}
