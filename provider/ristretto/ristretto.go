package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/cachekit/provider"
)

type Provider struct {
	provider.Notify

	c *rc.Cache
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.Evictor       = (*Provider)(nil)
	_ provider.EvictNotifier = (*Provider)(nil)
)

// item keeps the caller's key next to the bytes; ristretto only hands
// hashed keys to its callbacks.
type item struct {
	key string
	b   []byte
}

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	// Cost is provided by the caller: adapter/store passes the encoded entry size.
}

// DefaultConfig sizes the cache for roughly maxBytes of encoded entries.
func DefaultConfig(maxBytes int64) Config {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return Config{NumCounters: 1e6, MaxCost: maxBytes, BufferItems: 64}
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	p := &Provider{}
	gone := func(i *rc.Item) {
		if it, ok := i.Value.(*item); ok {
			p.Fire(it.key)
		}
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
		OnEvict:     gone,
		OnReject:    gone,
	})
	if err != nil {
		return nil, err
	}
	p.c = c
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	it, _ := v.(*item)
	if it == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return it.b, true, nil
}

// Set waits for the write buffer to drain so the value is visible to the next
// Get. A write the admission policy drops is reported through OnEvict.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	ok := p.c.SetWithTTL(key, &item{key: key, b: value}, cost, ttl)
	p.c.Wait()
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Clear(_ context.Context) error {
	p.c.Clear()
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

func (p *Provider) Evictions() int64 {
	if p.c.Metrics == nil {
		return 0
	}
	return int64(p.c.Metrics.KeysEvicted())
}

// Metrics exposes ristretto's own counters for tooling.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
