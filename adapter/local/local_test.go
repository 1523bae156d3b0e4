package local

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/hooks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recHooks struct {
	hooks.Nop
	mu       sync.Mutex
	evicted  []string
	selfHeal []string
}

func (h *recHooks) Evicted(_, key, reason string) {
	h.mu.Lock()
	h.evicted = append(h.evicted, key+":"+reason)
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(_, key, reason string) {
	h.mu.Lock()
	h.selfHeal = append(h.selfHeal, key+":"+reason)
	h.mu.Unlock()
}

func newAdapter(t *testing.T, opts Options) (*Adapter, *fakeClock) {
	t.Helper()
	clk := newClock()
	opts.Clock = clk.Now
	if opts.SweepInterval == 0 {
		opts.SweepInterval = -1
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, clk
}

func mustSet(t *testing.T, a *Adapter, key, val string, opts adapter.SetOptions) {
	t.Helper()
	if err := a.Set(context.Background(), key, []byte(val), opts); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func mustExists(t *testing.T, a *Adapter, key string, want bool) {
	t.Helper()
	ok, err := a.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists(%q): %v", key, err)
	}
	if ok != want {
		t.Fatalf("Exists(%q)=%v want %v", key, ok, want)
	}
}

func TestSetGetThenExpire(t *testing.T) {
	ctx := context.Background()
	a, clk := newAdapter(t, Options{})

	mustSet(t, a, "k", "v", adapter.SetOptions{TTL: 10 * time.Second})
	v, ok, err := a.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get=%q,%v,%v want v,true,nil", v, ok, err)
	}

	clk.Advance(10 * time.Second)
	if v, ok, _ := a.Get(ctx, "k"); ok || v != nil {
		t.Fatalf("expired entry returned: %q", v)
	}
	mustExists(t, a, "k", false)
}

func TestDefaultTTLApplies(t *testing.T) {
	a, clk := newAdapter(t, Options{DefaultTTL: time.Minute})
	mustSet(t, a, "k", "v", adapter.SetOptions{})

	m, ok := a.Meta("k")
	if !ok || m.TTL != time.Minute {
		t.Fatalf("meta=%+v ok=%v want ttl 1m", m, ok)
	}
	clk.Advance(time.Minute + time.Millisecond)
	mustExists(t, a, "k", false)
}

func TestRepeatedSetRefreshesExpiry(t *testing.T) {
	ctx := context.Background()
	a, clk := newAdapter(t, Options{})

	mustSet(t, a, "k", "v", adapter.SetOptions{TTL: 10 * time.Second})
	clk.Advance(8 * time.Second)
	mustSet(t, a, "k", "v", adapter.SetOptions{TTL: 10 * time.Second})
	clk.Advance(8 * time.Second)

	v, ok, _ := a.Get(ctx, "k")
	if !ok || string(v) != "v" {
		t.Fatalf("Get=%q,%v want v,true", v, ok)
	}
	if st := a.Stats(ctx); st.Keys != 1 {
		t.Fatalf("keys=%d want 1", st.Keys)
	}
}

func TestMaxKeysEvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	h := &recHooks{}
	a, _ := newAdapter(t, Options{MaxKeys: 2, Hooks: h})

	mustSet(t, a, "a", "1", adapter.SetOptions{})
	mustSet(t, a, "b", "2", adapter.SetOptions{})
	if _, ok, _ := a.Get(ctx, "a"); !ok {
		t.Fatalf("a should be present")
	}
	mustSet(t, a, "c", "3", adapter.SetOptions{})

	mustExists(t, a, "a", true)
	mustExists(t, a, "b", false)
	mustExists(t, a, "c", true)

	st := a.Stats(ctx)
	if st.Keys != 2 || st.Evictions != 1 {
		t.Fatalf("stats=%+v want keys=2 evictions=1", st)
	}
	if len(h.evicted) != 1 || h.evicted[0] != "b:max_keys" {
		t.Fatalf("evicted hooks=%v", h.evicted)
	}
}

func TestTouchedKeysSurviveOverflow(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t, Options{MaxKeys: 4})

	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		mustSet(t, a, k, k, adapter.SetOptions{})
	}
	for _, k := range []string{"k1", "k2", "k4"} {
		if _, ok, _ := a.Get(ctx, k); !ok {
			t.Fatalf("%s missing", k)
		}
	}
	mustSet(t, a, "k5", "k5", adapter.SetOptions{})

	for _, k := range []string{"k1", "k2", "k4", "k5"} {
		mustExists(t, a, k, true)
	}
	mustExists(t, a, "k3", false)
}

func TestExistsDoesNotTouchRecency(t *testing.T) {
	a, _ := newAdapter(t, Options{MaxKeys: 2})

	mustSet(t, a, "a", "1", adapter.SetOptions{})
	mustSet(t, a, "b", "2", adapter.SetOptions{})
	mustExists(t, a, "a", true)
	mustSet(t, a, "c", "3", adapter.SetOptions{})

	mustExists(t, a, "a", false)
	mustExists(t, a, "b", true)
}

func TestInvalidateByTags(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t, Options{})

	mustSet(t, a, "k1", "v", adapter.SetOptions{Tags: []string{"a"}})
	mustSet(t, a, "k2", "v", adapter.SetOptions{Tags: []string{"a", "b"}})
	mustSet(t, a, "k3", "v", adapter.SetOptions{Tags: []string{"c"}})

	n, err := a.InvalidateByTags(ctx, []string{"a"})
	if err != nil || n != 2 {
		t.Fatalf("invalidate a: n=%d err=%v want 2", n, err)
	}
	mustExists(t, a, "k1", false)
	mustExists(t, a, "k2", false)
	mustExists(t, a, "k3", true)

	if n, _ := a.InvalidateByTags(ctx, []string{"b"}); n != 0 {
		t.Fatalf("invalidate b: n=%d want 0", n)
	}
}

func TestInvalidateByTagsSkipsExpired(t *testing.T) {
	ctx := context.Background()
	a, clk := newAdapter(t, Options{})

	mustSet(t, a, "dead", "v", adapter.SetOptions{TTL: time.Second, Tags: []string{"a"}})
	mustSet(t, a, "live", "v", adapter.SetOptions{TTL: time.Hour, Tags: []string{"a"}})
	clk.Advance(2 * time.Second)

	n, err := a.InvalidateByTags(ctx, []string{"a"})
	if err != nil || n != 1 {
		t.Fatalf("invalidate a: n=%d err=%v want 1", n, err)
	}
	if st := a.Stats(ctx); st.Keys != 0 {
		t.Fatalf("keys=%d want 0", st.Keys)
	}
}

func TestOverwriteDropsOldTags(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t, Options{})

	mustSet(t, a, "k", "v1", adapter.SetOptions{Tags: []string{"old"}})
	mustSet(t, a, "k", "v2", adapter.SetOptions{Tags: []string{"new"}})

	if n, _ := a.InvalidateByTags(ctx, []string{"old"}); n != 0 {
		t.Fatalf("old tag still attached, removed %d", n)
	}
	m, _ := a.Meta("k")
	if len(m.Tags) != 1 || m.Tags[0] != "new" {
		t.Fatalf("tags=%v want [new]", m.Tags)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Zstd, S2} {
		t.Run(string(algo), func(t *testing.T) {
			ctx := context.Background()
			a, _ := newAdapter(t, Options{EnableCompression: true, Algorithm: algo})

			payload := bytes.Repeat([]byte(`{"rank":1,"user":"someone"}`), 200)
			if err := a.Set(ctx, "big", payload, adapter.SetOptions{}); err != nil {
				t.Fatal(err)
			}
			got, ok, _ := a.Get(ctx, "big")
			if !ok || !bytes.Equal(got, payload) {
				t.Fatalf("round trip mismatch (ok=%v len=%d)", ok, len(got))
			}
			m, _ := a.Meta("big")
			if !m.Compressed || m.CompressedSize >= m.OriginalSize || m.OriginalSize != len(payload) {
				t.Fatalf("meta=%+v want compressed smaller than %d", m, len(payload))
			}

			mustSet(t, a, "small", "tiny", adapter.SetOptions{})
			if m, _ := a.Meta("small"); m.Compressed {
				t.Fatalf("value under threshold was compressed")
			}
		})
	}
}

func TestCorruptCompressedEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	h := &recHooks{}
	a, _ := newAdapter(t, Options{EnableCompression: true, Hooks: h})

	if err := a.Set(ctx, "k", bytes.Repeat([]byte("x"), 4096), adapter.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	e, _ := a.lru.Peek("k")
	e.Value = []byte("not zstd")
	a.mu.Unlock()

	if _, ok, err := a.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("corrupt entry: ok=%v err=%v want miss", ok, err)
	}
	mustExists(t, a, "k", false)
	if len(h.selfHeal) != 1 || h.selfHeal[0] != "k:decode" {
		t.Fatalf("selfheal hooks=%v", h.selfHeal)
	}
}

func TestMemoryPressureEvictsToLowWater(t *testing.T) {
	ctx := context.Background()
	const limit = 1000
	a, _ := newAdapter(t, Options{MaxMemoryBytes: limit})

	val := string(bytes.Repeat([]byte("v"), 100))
	for _, k := range []string{"k0", "k1", "k2", "k3"} {
		mustSet(t, a, k, val, adapter.SetOptions{})
	}

	st := a.Stats(ctx)
	if st.MemoryBytes > limit*8/10 {
		t.Fatalf("memory=%d above low water %d", st.MemoryBytes, limit*8/10)
	}
	if st.Evictions == 0 {
		t.Fatalf("expected evictions under memory pressure")
	}
	mustExists(t, a, "k0", false)
	mustExists(t, a, "k3", true)
}

func TestDelAndDelMany(t *testing.T) {
	ctx := context.Background()
	a, clk := newAdapter(t, Options{})

	mustSet(t, a, "a", "1", adapter.SetOptions{Tags: []string{"t"}})
	mustSet(t, a, "b", "2", adapter.SetOptions{})
	mustSet(t, a, "c", "3", adapter.SetOptions{TTL: time.Second})

	if ok, _ := a.Del(ctx, "a"); !ok {
		t.Fatalf("Del(a)=false")
	}
	if ok, _ := a.Del(ctx, "a"); ok {
		t.Fatalf("second Del(a)=true")
	}
	if n, _ := a.InvalidateByTags(ctx, []string{"t"}); n != 0 {
		t.Fatalf("deleted key still tagged")
	}

	clk.Advance(2 * time.Second)
	if n, _ := a.DelMany(ctx, []string{"b", "c", "missing"}); n != 1 {
		t.Fatalf("DelMany=%d want 1 (c expired)", n)
	}
	if st := a.Stats(ctx); st.Keys != 0 || st.MemoryBytes != 0 {
		t.Fatalf("stats=%+v want empty", st)
	}
}

func TestGetManyAndSetMany(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t, Options{})

	err := a.SetMany(ctx, []adapter.Item{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), SetOptions: adapter.SetOptions{Tags: []string{"x"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := a.GetMany(ctx, []string{"a", "missing", "b"})
	if len(got) != 3 || !got[0].Found || got[1].Found || string(got[2].Value) != "2" {
		t.Fatalf("GetMany=%+v", got)
	}

	if err := a.SetMany(ctx, []adapter.Item{{Key: "ok"}, {Key: ""}}); err != adapter.ErrEmptyKey {
		t.Fatalf("err=%v want ErrEmptyKey", err)
	}
	mustExists(t, a, "ok", false)
}

func TestStatsCountsAndClearResets(t *testing.T) {
	ctx := context.Background()
	a, clk := newAdapter(t, Options{})

	mustSet(t, a, "k", "v", adapter.SetOptions{})
	_, _, _ = a.Get(ctx, "k")
	_, _, _ = a.Get(ctx, "k")
	_, _, _ = a.Get(ctx, "missing")
	clk.Advance(time.Second)

	st := a.Stats(ctx)
	if st.Hits != 2 || st.Misses != 1 || st.Keys != 1 || st.MemoryBytes <= 0 || st.Uptime != time.Second {
		t.Fatalf("stats=%+v", st)
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	st = a.Stats(ctx)
	if st.Hits != 0 || st.Misses != 0 || st.Keys != 0 || st.MemoryBytes != 0 {
		t.Fatalf("stats after clear=%+v", st)
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	a, clk := newAdapter(t, Options{})

	mustSet(t, a, "short", "v", adapter.SetOptions{TTL: time.Second})
	mustSet(t, a, "long", "v", adapter.SetOptions{TTL: time.Hour})
	clk.Advance(2 * time.Second)

	if n := a.Sweep(); n != 1 {
		t.Fatalf("Sweep=%d want 1", n)
	}
	mustExists(t, a, "long", true)
}

func TestCloseResetsButStaysUsable(t *testing.T) {
	ctx := context.Background()
	a, err := New(Options{SweepInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, a, "k", "v", adapter.SetOptions{})
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	mustExists(t, a, "k", false)
	mustSet(t, a, "k", "v", adapter.SetOptions{})
	mustExists(t, a, "k", true)
}

func TestEmptyKeyRejected(t *testing.T) {
	a, _ := newAdapter(t, Options{})
	if err := a.Set(context.Background(), "", []byte("v"), adapter.SetOptions{}); err != adapter.ErrEmptyKey {
		t.Fatalf("err=%v want ErrEmptyKey", err)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := New(Options{EnableCompression: true, Algorithm: "lz4"}); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}
