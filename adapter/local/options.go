package local

import (
	"time"

	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
)

// Algorithm selects the compressor used for large entries.
type Algorithm string

const (
	Zstd Algorithm = "zstd"
	S2   Algorithm = "s2"
)

const (
	DefaultTTL                  = time.Hour
	DefaultCompressionThreshold = 1024
	DefaultSweepInterval        = time.Minute

	// memory pressure evicts down to this fraction of MaxMemoryBytes
	memoryLowWater = 0.8
)

type Options struct {
	// DefaultTTL applies when a write carries no TTL. Default: 1h.
	DefaultTTL time.Duration
	// MaxKeys bounds the entry count; 0 means unbounded.
	MaxKeys int
	// MaxMemoryBytes bounds the estimated footprint; 0 means unbounded.
	MaxMemoryBytes int64

	EnableCompression bool
	// CompressionThreshold is the value size in bytes above which values are compressed.
	CompressionThreshold int
	// Algorithm defaults to Zstd.
	Algorithm Algorithm

	// SweepInterval controls the background purge of expired entries.
	// 0 uses the default; negative disables the loop.
	SweepInterval time.Duration

	Logger logging.Logger
	Hooks  hooks.Hooks

	// Clock is the time source; tests inject a fake. Default: time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.MaxKeys < 0 {
		o.MaxKeys = 0
	}
	if o.MaxMemoryBytes < 0 {
		o.MaxMemoryBytes = 0
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = DefaultCompressionThreshold
	}
	if o.Algorithm == "" {
		o.Algorithm = Zstd
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	o.Logger = logging.OrNop(o.Logger)
	o.Hooks = hooks.OrNop(o.Hooks)
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
