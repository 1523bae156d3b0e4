// Package backendtest provides an in-memory backend.Backend with failure injection.
package backendtest

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cachekit/backend"
)

type item struct {
	val []byte
	exp time.Time
}

type Fake struct {
	mu     sync.Mutex
	kv     map[string]item
	sets   map[string]map[string]struct{}
	setExp map[string]time.Time
	err    error
	closed bool
	now    func() time.Time

	calls atomic.Int64
}

var _ backend.Backend = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		kv:     map[string]item{},
		sets:   map[string]map[string]struct{}{},
		setExp: map[string]time.Time{},
		now:    time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// FailWith makes every call return err until cleared with nil.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Calls reports how many operations reached the fake.
func (f *Fake) Calls() int64 { return f.calls.Load() }

// Raw returns the stored bytes without expiry checks.
func (f *Fake) Raw(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.kv[key]
	return it.val, ok
}

// PutRaw stores bytes directly, bypassing any envelope.
func (f *Fake) PutRaw(key string, b []byte) {
	f.mu.Lock()
	f.kv[key] = item{val: b}
	f.mu.Unlock()
}

// Members returns the sorted members of a set.
func (f *Fake) Members(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedMembers(f.sets[key])
}

func (f *Fake) enter() error {
	f.calls.Add(1)
	if f.closed {
		return backend.ErrClosed
	}
	return f.err
}

func (f *Fake) live(key string) (item, bool) {
	it, ok := f.kv[key]
	if !ok {
		return item{}, false
	}
	if !it.exp.IsZero() && !f.now().Before(it.exp) {
		delete(f.kv, key)
		return item{}, false
	}
	return it, true
}

func (f *Fake) liveSet(key string) map[string]struct{} {
	if exp, ok := f.setExp[key]; ok && !f.now().Before(exp) {
		delete(f.sets, key)
		delete(f.setExp, key)
		return nil
	}
	return f.sets[key]
}

func (f *Fake) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return f.now().Add(ttl)
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	it, ok := f.live(key)
	if !ok {
		return nil, backend.ErrNotFound
	}
	return append([]byte(nil), it.val...), nil
}

func (f *Fake) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if it, ok := f.live(k); ok {
			out[i] = append([]byte(nil), it.val...)
		}
	}
	return out, nil
}

func (f *Fake) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return err
	}
	f.kv[key] = item{val: append([]byte(nil), value...), exp: f.expiry(ttl)}
	return nil
}

func (f *Fake) Del(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return 0, err
	}
	return f.del(keys...), nil
}

func (f *Fake) del(keys ...string) int64 {
	var n int64
	for _, k := range keys {
		if _, ok := f.live(k); ok {
			delete(f.kv, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			delete(f.setExp, k)
			n++
		}
	}
	return n
}

func (f *Fake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return false, err
	}
	_, ok := f.live(key)
	return ok, nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	return sortedMembers(f.liveSet(key)), nil
}

func (f *Fake) SMembersMany(_ context.Context, keys ...string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	out := make([][]string, len(keys))
	for i, k := range keys {
		out[i] = sortedMembers(f.liveSet(k))
	}
	return out, nil
}

func (f *Fake) Scan(_ context.Context, match string, fn func([]string) error) error {
	f.mu.Lock()
	if err := f.enter(); err != nil {
		f.mu.Unlock()
		return err
	}
	var keys []string
	for k := range f.kv {
		if _, ok := f.live(k); !ok {
			continue
		}
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range f.sets {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return fn(keys)
}

func (f *Fake) MemoryUsage(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return 0, err
	}
	var n int64
	for k, it := range f.kv {
		n += int64(len(k) + len(it.val))
	}
	return n, nil
}

func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter()
}

func (f *Fake) Pipelined(_ context.Context, fn func(backend.Pipe)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return err
	}
	fn(fakePipe{f})
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakePipe struct{ f *Fake }

func (p fakePipe) Set(key string, value []byte, ttl time.Duration) {
	p.f.kv[key] = item{val: append([]byte(nil), value...), exp: p.f.expiry(ttl)}
}

func (p fakePipe) Del(keys ...string) { p.f.del(keys...) }

func (p fakePipe) SAdd(key string, members ...string) {
	s := p.f.liveSet(key)
	if s == nil {
		s = map[string]struct{}{}
		p.f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
}

func (p fakePipe) SRem(key string, members ...string) {
	s := p.f.sets[key]
	for _, m := range members {
		delete(s, m)
	}
	if s != nil && len(s) == 0 {
		delete(p.f.sets, key)
		delete(p.f.setExp, key)
	}
}

func (p fakePipe) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if it, ok := p.f.kv[key]; ok {
		it.exp = p.f.now().Add(ttl)
		p.f.kv[key] = it
	}
	if _, ok := p.f.sets[key]; ok {
		p.f.setExp[key] = p.f.now().Add(ttl)
	}
}

func sortedMembers(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
