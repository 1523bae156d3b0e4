// Package backend is the narrow view of a networked key-value store that the remote
// adapter needs: string get/set-with-expiry, delete, set membership for tag indices,
// key scanning and pipelined writes. The concrete client stays behind this interface.
package backend

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("backend: key not found")
	// ErrClosed marks errors caused by using a closed client. The caller must reconnect.
	ErrClosed = errors.New("backend: client closed")
)

// Pipe queues write commands; they are sent in one round-trip when the
// function passed to Pipelined returns.
type Pipe interface {
	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Expire(key string, ttl time.Duration)
}

type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one element per key; nil marks a missing key.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	SMembers(ctx context.Context, key string) ([]string, error)
	SMembersMany(ctx context.Context, keys ...string) ([][]string, error)

	// Scan calls fn with batches of keys matching the glob pattern.
	Scan(ctx context.Context, match string, fn func(keys []string) error) error
	// MemoryUsage reports the backend's own memory accounting in bytes.
	MemoryUsage(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Pipelined(ctx context.Context, fn func(Pipe)) error
	Close() error
}

// Count returns how many keys match the glob pattern.
func Count(ctx context.Context, b Backend, match string) (int64, error) {
	var n int64
	err := b.Scan(ctx, match, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	return n, err
}
