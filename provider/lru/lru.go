// Package lru is a Provider on hashicorp's expirable LRU.
package lru

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/unkn0wn-root/cachekit/provider"
)

type Provider struct {
	provider.Notify

	c       *expirable.LRU[string, []byte]
	removed atomic.Int64 // onEvict calls
	deleted atomic.Int64 // of which explicit deletes
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Lener    = (*Provider)(nil)
	_ provider.Evictor  = (*Provider)(nil)

	_ provider.EvictNotifier = (*Provider)(nil)
	_ provider.Ranger        = (*Provider)(nil)
)

type Config struct {
	// Size bounds the entry count; 0 means unbounded.
	Size int
	// TTL is the store-wide expiry window; 0 disables it.
	TTL time.Duration
}

func New(cfg Config) *Provider {
	p := &Provider{}
	p.c = expirable.NewLRU[string, []byte](cfg.Size, func(key string, _ []byte) {
		p.removed.Add(1)
		p.Fire(key)
	}, cfg.TTL)
	return p
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

// Set ignores cost and ttl; adapter/store checks per-entry expiry.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.c.Add(key, value)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if p.c.Remove(key) {
		p.deleted.Add(1)
	}
	return nil
}

func (p *Provider) Clear(_ context.Context) error {
	p.c.Purge()
	p.removed.Store(0)
	p.deleted.Store(0)
	return nil
}

func (p *Provider) Close(ctx context.Context) error { return p.Clear(ctx) }

// Range walks a snapshot of the keys without touching recency.
func (p *Provider) Range(ctx context.Context, fn func(key string, value []byte) bool) error {
	for _, k := range p.c.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, ok := p.c.Peek(k)
		if ok && !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (p *Provider) Len() int64 { return int64(p.c.Len()) }

// Evictions counts removals not caused by Del: capacity and window expiry.
func (p *Provider) Evictions() int64 { return p.removed.Load() - p.deleted.Load() }
