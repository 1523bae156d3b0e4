// Package local is the in-process adapter: an LRU-ordered map with per-entry TTL,
// optional compression of large values and key/memory bounded eviction.
package local

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/logging"
	"github.com/unkn0wn-root/cachekit/tagindex"
)

const (
	Name = "local"

	reasonMaxKeys   = "max_keys"
	reasonMaxMemory = "max_memory"
	reasonExpired   = "expired"
)

type Adapter struct {
	opts Options
	log  logging.Logger
	comp compressor

	mu      sync.Mutex
	lru     *lru.LRU[string, *adapter.Entry]
	tags    *tagindex.Local
	mem     int64
	reason  string // why the next onEvict fires; "" for explicit removals
	started time.Time

	hits, misses, evictions int64

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(opts Options) (*Adapter, error) {
	opts = opts.withDefaults()
	a := &Adapter{
		opts:    opts,
		log:     logging.With(opts.Logger, logging.Fields{"adapter": Name}),
		tags:    tagindex.NewLocal(),
		started: opts.Clock(),
	}
	if opts.EnableCompression {
		c, err := newCompressor(opts.Algorithm)
		if err != nil {
			return nil, err
		}
		a.comp = c
	}

	size := opts.MaxKeys
	if size == 0 {
		size = math.MaxInt32
	}
	l, err := lru.NewLRU[string, *adapter.Entry](size, a.onEvict)
	if err != nil {
		return nil, err
	}
	a.lru = l

	if opts.SweepInterval > 0 {
		a.ticker = time.NewTicker(opts.SweepInterval)
		a.stopCh = make(chan struct{})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-a.ticker.C:
					if n := a.Sweep(); n > 0 {
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

func (a *Adapter) Name() string { return Name }

// onEvict runs for every removal from the LRU, under a.mu.
func (a *Adapter) onEvict(key string, e *adapter.Entry) {
	a.mem -= adapter.MemoryEstimate(key, e)
	if a.mem < 0 {
		a.mem = 0
	}
	a.tags.Forget(key)
	switch a.reason {
	case reasonMaxKeys, reasonMaxMemory:
		a.evictions++
		a.opts.Hooks.Evicted(Name, key, a.reason)
	}
}

func (a *Adapter) removeLocked(key, reason string) bool {
	a.reason = reason
	ok := a.lru.Remove(key)
	a.reason = ""
	return ok
}

// lookupLocked returns the live entry for key, dropping it when expired.
// touch moves the key to the most recently used position.
func (a *Adapter) lookupLocked(key string, touch bool) (*adapter.Entry, bool) {
	var (
		e  *adapter.Entry
		ok bool
	)
	if touch {
		e, ok = a.lru.Get(key)
	} else {
		e, ok = a.lru.Peek(key)
	}
	if !ok {
		return nil, false
	}
	if !e.Live(a.opts.Clock()) {
		a.removeLocked(key, reasonExpired)
		return nil, false
	}
	return e, true
}

func (a *Adapter) getLocked(key string) ([]byte, bool) {
	e, ok := a.lookupLocked(key, true)
	if !ok {
		a.misses++
		return nil, false
	}
	if !e.Compressed {
		a.hits++
		return append([]byte(nil), e.Value...), true
	}
	v, err := a.comp.decompress(e.Value)
	if err != nil {
		a.removeLocked(key, "")
		a.misses++
		a.log.Warn("dropping undecodable entry", logging.Fields{"key": key, "err": err})
		a.opts.Hooks.SelfHeal(Name, key, "decode")
		return nil, false
	}
	a.hits++
	return v, true
}

func (a *Adapter) Get(_ context.Context, key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.getLocked(key)
	return v, ok, nil
}

func (a *Adapter) GetMany(_ context.Context, keys []string) ([]adapter.Lookup, error) {
	out := make([]adapter.Lookup, len(keys))
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, k := range keys {
		v, ok := a.getLocked(k)
		out[i] = adapter.Lookup{Key: k, Value: v, Found: ok}
	}
	return out, nil
}

func (a *Adapter) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.lookupLocked(key, false)
	return ok, nil
}

func (a *Adapter) Set(_ context.Context, key string, value []byte, opts adapter.SetOptions) error {
	if key == "" {
		return adapter.ErrEmptyKey
	}
	e := a.newEntry(value, opts)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(key, e)
	return nil
}

func (a *Adapter) SetMany(_ context.Context, items []adapter.Item) error {
	for _, it := range items {
		if it.Key == "" {
			return adapter.ErrEmptyKey
		}
	}
	entries := make([]*adapter.Entry, len(items))
	for i, it := range items {
		entries[i] = a.newEntry(it.Value, it.SetOptions)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, it := range items {
		a.setLocked(it.Key, entries[i])
	}
	return nil
}

// newEntry builds the stored form outside the lock; compression is the expensive part.
func (a *Adapter) newEntry(value []byte, opts adapter.SetOptions) *adapter.Entry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = a.opts.DefaultTTL
	}
	e := &adapter.Entry{
		TTL:          ttl,
		Tags:         adapter.DedupTags(opts.Tags),
		OriginalSize: len(value),
	}
	if a.comp != nil && len(value) > a.opts.CompressionThreshold {
		if c := a.comp.compress(value); len(c) < len(value) {
			e.Value = c
			e.Compressed = true
			e.CompressedSize = len(c)
		}
	}
	if !e.Compressed {
		e.Value = append([]byte(nil), value...)
		e.CompressedSize = len(value)
	}
	return e
}

func (a *Adapter) setLocked(key string, e *adapter.Entry) {
	e.CreatedAt = a.opts.Clock()
	// overwrite replaces tags and accounting; Add alone would keep the old ones
	a.removeLocked(key, "")

	a.reason = reasonMaxKeys
	a.lru.Add(key, e)
	a.reason = ""

	a.mem += adapter.MemoryEstimate(key, e)
	if len(e.Tags) > 0 {
		_ = a.tags.Replace(context.Background(), key, e.Tags, e.TTL)
	}

	if limit := a.opts.MaxMemoryBytes; limit > 0 && a.mem > limit {
		low := int64(float64(limit) * memoryLowWater)
		a.reason = reasonMaxMemory
		for a.mem > low && a.lru.Len() > 0 {
			a.lru.RemoveOldest()
		}
		a.reason = ""
	}
}

func (a *Adapter) Del(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delLocked(key), nil
}

func (a *Adapter) delLocked(key string) bool {
	if _, ok := a.lookupLocked(key, false); !ok {
		return false
	}
	return a.removeLocked(key, "")
}

func (a *Adapter) DelMany(_ context.Context, keys []string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range keys {
		if a.delLocked(k) {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys, _ := a.tags.Keys(ctx, tags)
	n := 0
	for _, k := range keys {
		if a.delLocked(k) {
			n++
		}
	}
	return n, nil
}

// Clear empties the store and resets counters.
func (a *Adapter) Clear(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	return nil
}

func (a *Adapter) resetLocked() {
	a.lru.Purge()
	_ = a.tags.Clear(context.Background())
	a.mem = 0
	a.hits, a.misses, a.evictions = 0, 0, 0
	a.started = a.opts.Clock()
}

// Sweep purges expired entries and returns how many were removed.
func (a *Adapter) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked()
}

func (a *Adapter) sweepLocked() int {
	now := a.opts.Clock()
	n := 0
	for _, k := range a.lru.Keys() {
		if e, ok := a.lru.Peek(k); ok && !e.Live(now) {
			a.removeLocked(k, reasonExpired)
			n++
		}
	}
	return n
}

// Stats sweeps expired entries first so Keys and MemoryBytes count live data only.
func (a *Adapter) Stats(context.Context) adapter.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	return adapter.Stats{
		Hits:        a.hits,
		Misses:      a.misses,
		Keys:        int64(a.lru.Len()),
		MemoryBytes: a.mem,
		Uptime:      a.opts.Clock().Sub(a.started),
		Evictions:   a.evictions,
	}
}

// Meta returns the metadata of a live entry without touching its recency.
func (a *Adapter) Meta(key string) (adapter.Meta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.lookupLocked(key, false)
	if !ok {
		return adapter.Meta{}, false
	}
	return adapter.MetaOf(key, e), true
}

// Close stops the sweep loop, empties the store and resets counters.
// The adapter stays usable afterwards; expiry is then checked on access only.
func (a *Adapter) Close(context.Context) error {
	a.once.Do(func() {
		if a.stopCh != nil {
			close(a.stopCh)
			a.ticker.Stop()
			a.wg.Wait()
		}
	})
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
	return nil
}
