package cachekit

import (
	"context"
	"testing"

	"github.com/unkn0wn-root/cachekit/config"
)

func TestFromConfigLocalBackends(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"lru", "ristretto", "bigcache", "lrux"} {
		t.Run(backend, func(t *testing.T) {
			t.Setenv("CACHE_LOCAL_BACKEND", backend)
			t.Setenv("CACHE_SERIALIZER", "cbor")
			cfg, err := config.Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			c, err := FromConfig(ctx, cfg, nil, nil)
			if err != nil {
				t.Fatalf("FromConfig: %v", err)
			}
			defer c.Close(ctx)

			if c.Serializer().Name() != "cbor" {
				t.Fatalf("serializer=%s", c.Serializer().Name())
			}
			if err := c.Set(ctx, "k", []string{"a", "b"}, WithTags("t")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, st := Get[[]string](ctx, c, "k")
			if st != Hit || len(v) != 2 || v[1] != "b" {
				t.Fatalf("Get=%v %s", v, st)
			}
			if n := c.InvalidateByTags(ctx, "t"); n != 1 {
				t.Fatalf("InvalidateByTags=%d", n)
			}
		})
	}
}

func TestFromConfigRemoteStartsDegraded(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CACHE_REDIS_URL", "redis://127.0.0.1:1/0")
	t.Setenv("CACHE_CONNECT_TIMEOUT", "50")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, err := FromConfig(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer c.Close(ctx)

	if err := c.Set(ctx, "k", 1); err != nil {
		t.Fatalf("Set while remote is down: %v", err)
	}
	if _, st := Get[int](ctx, c, "k"); st != Hit {
		t.Fatalf("local fallback status=%s", st)
	}
	if c.Active() == "remote" {
		t.Fatalf("remote should not be active")
	}
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	cfg := config.Config{}
	if _, err := FromConfig(context.Background(), cfg, nil, nil); err == nil {
		t.Fatalf("zero config should fail validation")
	}
}
