// Package provider defines the in-process byte stores that adapter/store can run on.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation). adapter/store writes its own envelope
// and enforces per-entry TTL itself, so stores that only support a global expiry
// window are fine.
package provider

import (
	"context"
	"sync/atomic"
	"time"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost or ttl if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort). Missing keys are not an error.
	Del(ctx context.Context, key string) error

	// Clear drops every entry.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Lener is implemented by stores that can report their entry count.
type Lener interface {
	Len() int64
}

// Evictor is implemented by stores that count pressure evictions.
type Evictor interface {
	Evictions() int64
}

// EvictNotifier is implemented by stores that drop entries on their own:
// capacity or cost pressure and window expiry. The callback may also run for
// Del and Clear, and may run on the store's goroutines.
type EvictNotifier interface {
	OnEvict(fn func(key string))
}

// Ranger is implemented by stores that can walk their entries. fn returning
// false stops the walk. fn must not write to the store.
type Ranger interface {
	Range(ctx context.Context, fn func(key string, value []byte) bool) error
}

// Notify is an embeddable EvictNotifier. The zero value drops notifications.
type Notify struct {
	fn atomic.Pointer[func(string)]
}

func (n *Notify) OnEvict(fn func(key string)) {
	if fn == nil {
		n.fn.Store(nil)
		return
	}
	n.fn.Store(&fn)
}

// Fire reports key as gone.
func (n *Notify) Fire(key string) {
	if f := n.fn.Load(); f != nil {
		(*f)(key)
	}
}
