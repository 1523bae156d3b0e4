package cachekit

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/cachekit/codec"
	"github.com/unkn0wn-root/cachekit/logging"
)

// Get reads key and decodes it into T. A payload the serializer cannot read
// at all is dropped and counted as a miss. A valid payload that only fails to
// fit T is kept for other readers; Get still reports Miss for it.
func Get[T any](ctx context.Context, c *Cache, key string) (T, Status) {
	var v T
	r := c.Get(ctx, key)
	if r.Status != Hit {
		return v, r.Status
	}
	if err := r.Decode(&v); err != nil {
		var zero T
		if readable(r.codec, r.Value) {
			c.log.Warn("cached value does not fit requested type", logging.Fields{"key": key, "type": fmt.Sprintf("%T", zero), "err": err})
			return zero, Miss
		}
		c.heal(ctx, key, r.Source, err)
		return zero, Miss
	}
	return v, Hit
}

// readable reports whether b decodes into a generic value with cd.
func readable(cd codec.Codec, b []byte) bool {
	if cd == nil {
		cd = codec.Msgpack{}
	}
	var v any
	if cd.Unmarshal(b, &v) == nil {
		return true
	}
	var raw []byte
	return cd.Unmarshal(b, &raw) == nil
}

// heal drops an undecodable entry and rewrites the hit as a miss.
func (c *Cache) heal(ctx context.Context, key, source string, cause error) {
	c.count(&c.hits, -1)
	c.count(&c.misses, 1)
	c.log.Warn("dropping undecodable entry", logging.Fields{"key": key, "source": source, "err": cause})
	c.hooks.SelfHeal(source, key, "decode")

	if c.remote != nil && source == c.remote.Name() {
		_, _ = c.remote.Del(ctx, key)
		return
	}
	_, _ = c.local.Del(ctx, key)
}

// Fetch returns the cached T for key, or computes it with fn and writes it back
// with opts. Concurrent misses for the same key share one fn call. A failed
// write-back is logged, not returned.
func Fetch[T any](ctx context.Context, c *Cache, key string, fn func(ctx context.Context) (T, error), opts ...SetOption) (T, error) {
	if v, st := Get[T](ctx, c, key); st == Hit {
		return v, nil
	}
	res, err, shared := c.group.Do(key, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, v, opts...); err != nil {
			c.log.Warn("fetch write-back failed", logging.Fields{"key": key, "err": err})
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if shared {
		c.log.Debug("fetch shared", logging.Fields{"key": key})
	}
	v, _ := res.(T)
	return v, nil
}
