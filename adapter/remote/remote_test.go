package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/backend"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/internal/backendtest"
	"github.com/unkn0wn-root/cachekit/resilience"
)

type recHooks struct {
	hooks.Nop
	mu          sync.Mutex
	unavailable []string
	reconnects  []error
	selfHeal    []string
}

func (h *recHooks) BackendUnavailable(_, op string, _ error) {
	h.mu.Lock()
	h.unavailable = append(h.unavailable, op)
	h.mu.Unlock()
}

func (h *recHooks) Reconnected(_ string, _ int, _ time.Duration, err error) {
	h.mu.Lock()
	h.reconnects = append(h.reconnects, err)
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(_, key, _ string) {
	h.mu.Lock()
	h.selfHeal = append(h.selfHeal, key)
	h.mu.Unlock()
}

func waitReady(t *testing.T, a *Adapter) {
	t.Helper()
	select {
	case <-a.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter never finished connecting")
	}
}

func newConnected(t *testing.T, f *backendtest.Fake, opts Options) *Adapter {
	t.Helper()
	opts.Dial = Static(f)
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	waitReady(t, a)
	if st := a.State(); st != StateConnected {
		t.Fatalf("state=%s want connected", st)
	}
	return a
}

func TestUnavailableBeforeConnect(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	release := make(chan struct{})
	a, err := New(Options{Dial: func(ctx context.Context) (backend.Backend, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Static(f)(ctx)
	}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)

	if a.Available() {
		t.Fatalf("available before connect")
	}
	_, ok, err := a.Get(ctx, "k")
	if ok || !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("Get before connect: ok=%v err=%v", ok, err)
	}
	if resilience.Classify(err) != resilience.KindConnectionRefused || resilience.Retryable(err) {
		t.Fatalf("unavailable error should classify as connection refused and not be retried")
	}
	if err := a.Set(ctx, "k", []byte("v"), adapter.SetOptions{}); !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("Set before connect: %v", err)
	}
	if f.Calls() != 0 {
		t.Fatalf("backend touched before connect: %d calls", f.Calls())
	}

	close(release)
	waitReady(t, a)
	if !a.Available() {
		t.Fatalf("state=%s want connected", a.State())
	}
	if err := a.Set(ctx, "k", []byte("v"), adapter.SetOptions{}); err != nil {
		t.Fatalf("Set after connect: %v", err)
	}
}

func TestConnectFailureMarksFailed(t *testing.T) {
	h := &recHooks{}
	a, err := New(Options{
		Hooks: h,
		Dial: func(context.Context) (backend.Backend, error) {
			return nil, errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(context.Background())
	waitReady(t, a)

	if a.State() != StateFailed {
		t.Fatalf("state=%s want failed", a.State())
	}
	if st := a.Stats(context.Background()); st.ConnectionErrors != 1 {
		t.Fatalf("connection errors=%d want 1", st.ConnectionErrors)
	}
	if len(h.unavailable) != 1 || h.unavailable[0] != "connect" {
		t.Fatalf("hooks=%v", h.unavailable)
	}
	if ok, err := a.Exists(context.Background(), "k"); ok || !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("Exists on failed adapter: ok=%v err=%v", ok, err)
	}
}

func TestNewRequiresDialer(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoDialer) {
		t.Fatalf("err=%v want ErrNoDialer", err)
	}
}

func TestSetGetStoresEnvelopeWithExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	f := backendtest.New()
	f.SetClock(func() time.Time { return now })
	a := newConnected(t, f, Options{KeyPrefix: "app:", DefaultTTL: time.Minute})

	if err := a.Set(ctx, "k", []byte("v"), adapter.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	raw, ok := f.Raw("app:k")
	if !ok || string(raw) == "v" {
		t.Fatalf("value not stored as envelope under prefix: %q", raw)
	}
	v, ok, err := a.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get=%q,%v,%v", v, ok, err)
	}

	now = now.Add(time.Minute)
	if _, ok, _ := a.Get(ctx, "k"); ok {
		t.Fatalf("value outlived its TTL")
	}
	st := a.Stats(ctx)
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestTagSymmetry(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	a := newConnected(t, f, Options{KeyPrefix: "p:"})

	_ = a.Set(ctx, "k1", []byte("v"), adapter.SetOptions{Tags: []string{"a"}})
	_ = a.Set(ctx, "k2", []byte("v"), adapter.SetOptions{Tags: []string{"a", "b"}})
	if got := f.Members("p:tags:k2"); len(got) != 2 {
		t.Fatalf("owner record=%v", got)
	}

	n, err := a.InvalidateByTags(ctx, []string{"a"})
	if err != nil || n != 2 {
		t.Fatalf("invalidate a: n=%d err=%v want 2", n, err)
	}
	if n, _ := a.InvalidateByTags(ctx, []string{"b"}); n != 0 {
		t.Fatalf("invalidate b: n=%d want 0", n)
	}
	for _, k := range []string{"p:tag:a", "p:tag:b", "p:tags:k1", "p:tags:k2"} {
		if got := f.Members(k); len(got) != 0 {
			t.Fatalf("%s still has %v", k, got)
		}
	}
}

func TestResetMovesTagMembership(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	a := newConnected(t, f, Options{})

	_ = a.Set(ctx, "k", []byte("v1"), adapter.SetOptions{Tags: []string{"old"}})
	_ = a.Set(ctx, "k", []byte("v2"), adapter.SetOptions{Tags: []string{"new"}})

	if got := f.Members("tag:old"); len(got) != 0 {
		t.Fatalf("old tag still holds %v", got)
	}
	if n, _ := a.InvalidateByTags(ctx, []string{"new"}); n != 1 {
		t.Fatalf("invalidate new: n=%d want 1", n)
	}
}

func TestCorruptValueSelfHeals(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	h := &recHooks{}
	a := newConnected(t, f, Options{KeyPrefix: "p:", Hooks: h})

	f.PutRaw("p:k", []byte("legacy json"))
	if _, ok, err := a.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("corrupt: ok=%v err=%v want miss", ok, err)
	}
	if _, ok := f.Raw("p:k"); ok {
		t.Fatalf("corrupt value not deleted")
	}
	if len(h.selfHeal) != 1 {
		t.Fatalf("selfheal=%v", h.selfHeal)
	}
}

func TestGetManyDelManyClear(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	a := newConnected(t, f, Options{KeyPrefix: "p:"})
	f.PutRaw("other:x", []byte("keep"))

	err := a.SetMany(ctx, []adapter.Item{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), SetOptions: adapter.SetOptions{Tags: []string{"t"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := a.GetMany(ctx, []string{"a", "missing", "b"})
	if err != nil || !got[0].Found || got[1].Found || string(got[2].Value) != "2" {
		t.Fatalf("GetMany=%+v err=%v", got, err)
	}
	if st := a.Stats(ctx); st.Keys != 2 {
		t.Fatalf("keys=%d want 2 (tag records excluded)", st.Keys)
	}

	if n, _ := a.DelMany(ctx, []string{"a", "missing"}); n != 1 {
		t.Fatalf("DelMany=%d want 1", n)
	}
	if ok, _ := a.Del(ctx, "a"); ok {
		t.Fatalf("second Del(a)=true")
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Exists(ctx, "b"); ok {
		t.Fatalf("b survived Clear")
	}
	if got := f.Members("p:tag:t"); len(got) != 0 {
		t.Fatalf("tag record survived Clear")
	}
	if _, ok := f.Raw("other:x"); !ok {
		t.Fatalf("Clear removed a key outside the prefix")
	}
}

func TestClosedClientMarksFailedUntilReconnect(t *testing.T) {
	ctx := context.Background()
	first := backendtest.New()
	second := backendtest.New()
	var dials atomic.Int32
	h := &recHooks{}
	a, err := New(Options{
		Hooks: h,
		Dial: func(ctx context.Context) (backend.Backend, error) {
			if dials.Add(1) == 1 {
				return first, nil
			}
			return second, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	waitReady(t, a)

	_ = first.Close()
	if _, _, err := a.Get(ctx, "k"); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("err=%v want backend.ErrClosed", err)
	}
	if a.State() != StateFailed {
		t.Fatalf("state=%s want failed", a.State())
	}
	calls := first.Calls()
	if _, _, err := a.Get(ctx, "k"); !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if first.Calls() != calls {
		t.Fatalf("failed adapter still calls the backend")
	}

	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !a.Available() {
		t.Fatalf("state=%s after reconnect", a.State())
	}
	if err := a.Set(ctx, "k", []byte("v"), adapter.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := second.Raw("k"); !ok {
		t.Fatalf("write did not reach the new client")
	}
	st := a.Stats(ctx)
	if st.Reconnects != 1 || st.ConnectionErrors != 1 {
		t.Fatalf("stats=%+v want reconnects=1 connection_errors=1", st)
	}
	if len(h.reconnects) != 1 || h.reconnects[0] != nil {
		t.Fatalf("reconnect hooks=%v", h.reconnects)
	}
}

func TestReconnectIsBounded(t *testing.T) {
	ctx := context.Background()
	var dials atomic.Int32
	var healthy atomic.Bool
	f := backendtest.New()
	a, err := New(Options{
		MaxReconnectAttempts: 2,
		Dial: func(context.Context) (backend.Backend, error) {
			dials.Add(1)
			if healthy.Load() {
				return Static(f)(ctx)
			}
			return nil, errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	waitReady(t, a)

	for i := 0; i < 2; i++ {
		if err := a.Reconnect(ctx); err == nil || errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("attempt %d: err=%v want dial failure", i+1, err)
		}
	}
	before := dials.Load()
	if err := a.Reconnect(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("err=%v want ErrReconnectExhausted", err)
	}
	if dials.Load() != before {
		t.Fatalf("exhausted reconnect still dialed")
	}
	if a.State() != StateFailed {
		t.Fatalf("state=%s want failed", a.State())
	}
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	ctx := context.Background()
	var healthy atomic.Bool
	f := backendtest.New()
	a, err := New(Options{
		MaxReconnectAttempts: 2,
		Dial: func(ctx context.Context) (backend.Backend, error) {
			if healthy.Load() {
				return Static(f)(ctx)
			}
			return nil, errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	waitReady(t, a)

	_ = a.Reconnect(ctx)
	healthy.Store(true)
	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	// the counter restarted, so two more failures are allowed
	_ = f.Close()
	_, _, _ = a.Get(ctx, "k")
	healthy.Store(false)
	for i := 0; i < 2; i++ {
		if err := a.Reconnect(ctx); errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("attempt %d exhausted too early", i+1)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	a := newConnected(t, f, Options{})

	if h := a.HealthCheck(ctx); !h.Healthy || h.Err != nil {
		t.Fatalf("health=%+v want healthy", h)
	}

	boom := errors.New("i/o timeout")
	f.FailWith(boom)
	h := a.HealthCheck(ctx)
	if h.Healthy || !errors.Is(h.Err, boom) {
		t.Fatalf("health=%+v want unhealthy", h)
	}
	if a.State() != StateFailed {
		t.Fatalf("state=%s want failed", a.State())
	}

	f.FailWith(nil)
	if h := a.HealthCheck(ctx); !h.Healthy {
		t.Fatalf("health=%+v want healthy probe", h)
	}
	if a.State() != StateFailed || a.Available() {
		t.Fatalf("state=%s: a healthy probe must not restore a failed adapter", a.State())
	}

	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if a.State() != StateConnected {
		t.Fatalf("state=%s want connected after reconnect", a.State())
	}
	if st := a.Stats(ctx); st.Reconnects != 1 {
		t.Fatalf("reconnects=%d want 1", st.Reconnects)
	}
}

func TestBackendErrorsCountAndReturn(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	h := &recHooks{}
	a := newConnected(t, f, Options{Hooks: h})

	f.FailWith(errors.New("read tcp: i/o timeout"))
	_, _, err := a.Get(ctx, "k")
	if err == nil || resilience.Classify(err) != resilience.KindTimeout {
		t.Fatalf("err=%v want timeout", err)
	}
	if a.State() != StateConnected {
		t.Fatalf("transient error changed state to %s", a.State())
	}
	f.FailWith(nil)
	if st := a.Stats(ctx); st.ConnectionErrors != 1 {
		t.Fatalf("connection errors=%d want 1", st.ConnectionErrors)
	}
	if len(h.unavailable) != 1 || h.unavailable[0] != "get" {
		t.Fatalf("hooks=%v", h.unavailable)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	a := newConnected(t, f, Options{})

	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Get(ctx, "k"); !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("Get after close: %v", err)
	}
	if err := a.Reconnect(ctx); !errors.Is(err, adapter.ErrClosed) {
		t.Fatalf("Reconnect after close: %v", err)
	}
	if err := f.Ping(ctx); err != nil {
		t.Fatalf("adapter closed a borrowed backend: %v", err)
	}
}
