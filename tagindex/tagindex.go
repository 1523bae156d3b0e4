// Package tagindex keeps the bidirectional tag <-> key association used for
// group invalidation.
package tagindex

import (
	"context"
	"sort"
	"time"
)

// Index abstracts where tag associations live.
// Use Local for in-process adapters, or Remote to keep the index next to the values.
type Index interface {
	// Replace sets the tags of key, dropping any previous association.
	// ttl bounds the lifetime of the key's own tag record; <= 0 means none.
	Replace(ctx context.Context, key string, tags []string, ttl time.Duration) error
	// Remove drops every association of the given keys.
	Remove(ctx context.Context, keys ...string) error
	// Keys returns the sorted union of keys carrying any of tags.
	Keys(ctx context.Context, tags []string) ([]string, error)
	// Tags returns the sorted tags of key.
	Tags(ctx context.Context, key string) ([]string, error)
	// Clear drops the whole index.
	Clear(ctx context.Context) error
}

func sortedSet(s map[string]struct{}) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
