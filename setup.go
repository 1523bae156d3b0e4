package cachekit

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/adapter/local"
	"github.com/unkn0wn-root/cachekit/adapter/remote"
	"github.com/unkn0wn-root/cachekit/adapter/store"
	"github.com/unkn0wn-root/cachekit/codec"
	"github.com/unkn0wn-root/cachekit/config"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
	"github.com/unkn0wn-root/cachekit/provider"
	pbc "github.com/unkn0wn-root/cachekit/provider/bigcache"
	plru "github.com/unkn0wn-root/cachekit/provider/lru"
	pri "github.com/unkn0wn-root/cachekit/provider/ristretto"
	"github.com/unkn0wn-root/cachekit/resilience"
)

// FromConfig builds a Cache from environment configuration: the local backend
// named by cfg.LocalBackend and, when cfg.RedisURL is set, a remote redis adapter
// that connects in the background. extra may carry an Observer or other fields;
// adapter, serializer, executor, logger and hooks fields are overwritten.
func FromConfig(_ context.Context, cfg config.Config, log logging.Logger, h hooks.Hooks, extra ...Options) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logging.OrNop(log)
	h = hooks.OrNop(h)

	var opts Options
	if len(extra) > 0 {
		opts = extra[0]
	}

	l, err := localFromConfig(cfg, log, h)
	if err != nil {
		return nil, err
	}

	ser, err := codec.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	retries := cfg.MaxRetries
	if retries == 0 {
		retries = -1 // executor treats 0 as "default"
	}
	exec := resilience.New(resilience.Config{
		FailureThreshold: cfg.BreakerThreshold,
		OpenTimeout:      cfg.BreakerTimeout(),
		MaxRetries:       retries,
		BaseDelay:        cfg.RetryBaseDelay(),
		MaxDelay:         cfg.RetryMaxDelay(),
		Logger:           log,
		Hooks:            h,
	})

	opts.Local = l
	opts.Serializer = ser
	opts.Executor = exec
	opts.Logger = log
	opts.Hooks = h
	opts.DisableStats = !cfg.EnableStats

	if cfg.RedisURL != "" {
		r, err := remote.New(remote.Options{
			Dial:                 remote.RedisDialer(cfg.RedisURL, cfg.ConnectTimeout()),
			KeyPrefix:            cfg.KeyPrefix,
			DefaultTTL:           cfg.DefaultTTL(),
			ConnectTimeout:       cfg.ConnectTimeout(),
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			Logger:               log,
			Hooks:                h,
		})
		if err != nil {
			_ = l.Close(context.Background())
			return nil, err
		}
		opts.Remote = r
	}

	log.Info("cache configured", logging.Fields{
		"local":      l.Name(),
		"remote":     cfg.RedisURL != "",
		"serializer": ser.Name(),
	})
	return New(opts)
}

func localFromConfig(cfg config.Config, log logging.Logger, h hooks.Hooks) (adapter.Adapter, error) {
	var (
		p   provider.Provider
		err error
	)
	switch cfg.LocalBackend {
	case "lru", "":
		return local.New(local.Options{
			DefaultTTL:           cfg.DefaultTTL(),
			MaxKeys:              cfg.MaxKeys,
			MaxMemoryBytes:       cfg.MaxMemoryBytes,
			EnableCompression:    cfg.Compression,
			CompressionThreshold: cfg.CompressionThreshold,
			Algorithm:            local.Algorithm(cfg.CompressionAlgorithm),
			Logger:               log,
			Hooks:                h,
		})
	case "ristretto":
		p, err = pri.New(pri.DefaultConfig(cfg.MaxMemoryBytes))
	case "bigcache":
		p, err = pbc.New(pbc.Config{
			LifeWindow:         cfg.DefaultTTL(),
			HardMaxCacheSizeMB: int(cfg.MaxMemoryBytes >> 20),
		})
	case "lrux":
		p = plru.New(plru.Config{Size: cfg.MaxKeys})
	default:
		return nil, errors.Newf("cachekit: unknown local backend %q", cfg.LocalBackend)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cachekit: %s provider", cfg.LocalBackend)
	}
	return store.New(p, store.Options{
		Name:       cfg.LocalBackend,
		DefaultTTL: cfg.DefaultTTL(),
		Logger:     log,
		Hooks:      h,
	})
}
