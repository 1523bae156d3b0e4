// Package adapter defines the storage contract shared by every cachekit backend
// and the entry model stored per key.
//
// Adapters work on already-encoded values ([]byte). A miss is (nil, false, nil);
// a backend that cannot be reached returns an error instead (see ErrUnavailable),
// so callers can tell "key absent" apart from "backend down". Adapters never panic
// on backend faults and never return stale (expired) data.
package adapter

import (
	"context"
	"time"
)

// SetOptions carries the optional per-write parameters.
type SetOptions struct {
	TTL  time.Duration // <= 0 => adapter default
	Tags []string
}

// Item is one entry of a batched write.
type Item struct {
	Key   string
	Value []byte
	SetOptions
}

// Lookup is one result of a batched read, aligned with the requested keys.
type Lookup struct {
	Key   string
	Value []byte
	Found bool
}

// Adapter is the uniform contract over local and remote backends.
// Implementations must be safe for concurrent use.
type Adapter interface {
	Name() string

	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetMany(ctx context.Context, keys []string) ([]Lookup, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Set unconditionally overwrites key, including its tags and expiry.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error
	SetMany(ctx context.Context, items []Item) error

	Del(ctx context.Context, key string) (bool, error)
	DelMany(ctx context.Context, keys []string) (int, error)
	InvalidateByTags(ctx context.Context, tags []string) (int, error)

	// Clear removes every key this adapter owns.
	Clear(ctx context.Context) error
	Stats(ctx context.Context) Stats
	Close(ctx context.Context) error
}

// Stats is a point-in-time snapshot of adapter counters.
type Stats struct {
	Hits             int64         `json:"hits"`
	Misses           int64         `json:"misses"`
	Keys             int64         `json:"keys"`
	MemoryBytes      int64         `json:"memory_bytes"`
	Uptime           time.Duration `json:"uptime"`
	Evictions        int64         `json:"evictions"`
	ConnectionErrors int64         `json:"connection_errors"`
	Reconnects       int64         `json:"reconnects"`
}

// HitRate is hits / (hits + misses), 0 when there were no reads.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Health is the result of a liveness probe.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Err     error         `json:"-"`
}

// HealthChecker is implemented by adapters backed by a network service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// Availability is implemented by adapters that can be temporarily unusable.
type Availability interface {
	Available() bool
}
