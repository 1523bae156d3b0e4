package tagindex

import (
	"context"
	"sync"
	"time"
)

// Local keeps tag associations in-process.
type Local struct {
	mu      sync.RWMutex
	tagKeys map[string]map[string]struct{}
	keyTags map[string]map[string]struct{}
}

var _ Index = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		tagKeys: make(map[string]map[string]struct{}),
		keyTags: make(map[string]map[string]struct{}),
	}
}

func (x *Local) Replace(_ context.Context, key string, tags []string, _ time.Duration) error {
	x.mu.Lock()
	x.removeLocked(key)
	if len(tags) > 0 {
		own := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			own[t] = struct{}{}
			ks := x.tagKeys[t]
			if ks == nil {
				ks = make(map[string]struct{})
				x.tagKeys[t] = ks
			}
			ks[key] = struct{}{}
		}
		x.keyTags[key] = own
	}
	x.mu.Unlock()
	return nil
}

func (x *Local) Remove(_ context.Context, keys ...string) error {
	x.mu.Lock()
	for _, k := range keys {
		x.removeLocked(k)
	}
	x.mu.Unlock()
	return nil
}

// Forget is Remove for callers that hold no context, such as eviction callbacks.
func (x *Local) Forget(key string) {
	x.mu.Lock()
	x.removeLocked(key)
	x.mu.Unlock()
}

func (x *Local) removeLocked(key string) {
	own, ok := x.keyTags[key]
	if !ok {
		return
	}
	for t := range own {
		ks := x.tagKeys[t]
		delete(ks, key)
		if len(ks) == 0 {
			delete(x.tagKeys, t)
		}
	}
	delete(x.keyTags, key)
}

func (x *Local) Keys(_ context.Context, tags []string) ([]string, error) {
	union := make(map[string]struct{})
	x.mu.RLock()
	for _, t := range tags {
		for k := range x.tagKeys[t] {
			union[k] = struct{}{}
		}
	}
	x.mu.RUnlock()
	return sortedSet(union), nil
}

func (x *Local) Tags(_ context.Context, key string) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedSet(x.keyTags[key]), nil
}

func (x *Local) Clear(context.Context) error {
	x.mu.Lock()
	x.tagKeys = make(map[string]map[string]struct{})
	x.keyTags = make(map[string]map[string]struct{})
	x.mu.Unlock()
	return nil
}

// Len reports the number of distinct tags and tagged keys.
func (x *Local) Len() (tags, keys int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.tagKeys), len(x.keyTags)
}
