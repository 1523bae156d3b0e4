package cachekit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/adapter/local"
	"github.com/unkn0wn-root/cachekit/adapter/remote"
	"github.com/unkn0wn-root/cachekit/backend"
	"github.com/unkn0wn-root/cachekit/codec"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/internal/backendtest"
	"github.com/unkn0wn-root/cachekit/keys"
	"github.com/unkn0wn-root/cachekit/resilience"
)

type user struct {
	ID   int    `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

type healHooks struct {
	hooks.Nop
	mu   sync.Mutex
	keys []string
}

func (h *healHooks) SelfHeal(_, key, _ string) {
	h.mu.Lock()
	h.keys = append(h.keys, key)
	h.mu.Unlock()
}

type countObserver struct {
	mu          sync.Mutex
	hits, total map[string]int
}

func newCountObserver() *countObserver {
	return &countObserver{hits: map[string]int{}, total: map[string]int{}}
}

func (o *countObserver) Observe(key string, hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total[key]++
	if hit {
		o.hits[key]++
	}
}

func newLocal(t *testing.T) *local.Adapter {
	t.Helper()
	l, err := local.New(local.Options{SweepInterval: -1})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	return l
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Local == nil {
		opts.Local = newLocal(t)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newRemote(t *testing.T, f *backendtest.Fake) *remote.Adapter {
	t.Helper()
	r, err := remote.New(remote.Options{Dial: remote.Static(f), KeyPrefix: "t:"})
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("remote never connected")
	}
	if !r.Available() {
		t.Fatalf("remote state=%s want connected", r.State())
	}
	return r
}

func fastExecutor() *resilience.Executor {
	return resilience.New(resilience.Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
		MaxRetries:       -1,
		BaseDelay:        time.Millisecond,
		MaxDelay:         time.Millisecond,
	})
}

func TestLocalOnlyRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{})

	if r := c.Get(ctx, "u:1"); r.Status != Miss {
		t.Fatalf("status=%s want miss", r.Status)
	}
	if err := c.Set(ctx, "u:1", user{ID: 1, Name: "ada"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	r := c.Get(ctx, "u:1")
	if r.Status != Hit || r.Source != local.Name {
		t.Fatalf("got status=%s source=%q", r.Status, r.Source)
	}
	var u user
	if err := r.Decode(&u); err != nil || u.Name != "ada" {
		t.Fatalf("Decode: %v %+v", err, u)
	}

	got, st := Get[user](ctx, c, "u:1")
	if st != Hit || got.ID != 1 {
		t.Fatalf("Get[user]=%+v %s", got, st)
	}
	if !c.Exists(ctx, "u:1") {
		t.Fatalf("Exists=false")
	}
	if !c.Del(ctx, "u:1") || c.Del(ctx, "u:1") {
		t.Fatalf("Del should report true then false")
	}

	s := c.Stats(ctx)
	if s.Hits != 2 || s.Misses != 1 || s.Sets != 1 || s.Deletes != 1 {
		t.Fatalf("stats=%+v", s)
	}
	if s.Active != local.Name || s.Remote != nil {
		t.Fatalf("active=%q remote=%v", s.Active, s.Remote)
	}
}

func TestDecodeOnMissReturnsErrNotHit(t *testing.T) {
	c := newTestCache(t, Options{})
	var v string
	if err := c.Get(context.Background(), "nope").Decode(&v); !errors.Is(err, ErrNotHit) {
		t.Fatalf("err=%v want ErrNotHit", err)
	}
}

func TestSetRejectsEmptyKey(t *testing.T) {
	c := newTestCache(t, Options{})
	if err := c.Set(context.Background(), "", 1); !errors.Is(err, adapter.ErrEmptyKey) {
		t.Fatalf("err=%v", err)
	}
	if err := c.SetMany(context.Background(), []Item{{Key: "a", Value: 1}, {Value: 2}}); !errors.Is(err, adapter.ErrEmptyKey) {
		t.Fatalf("SetMany err=%v", err)
	}
}

func TestTTLAndTagsOptions(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	l, err := local.New(local.Options{SweepInterval: -1, Clock: clock})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	c := newTestCache(t, Options{Local: l})

	_ = c.Set(ctx, "a", 1, WithTTL(time.Second), WithTags("t1"))
	_ = c.Set(ctx, "b", 2, WithTags("t1", "t2"))
	_ = c.Set(ctx, "c", 3, WithTags("t2"))

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	if r := c.Get(ctx, "a"); r.Status != Miss {
		t.Fatalf("expired entry status=%s", r.Status)
	}
	if n := c.InvalidateByTags(ctx, "t1"); n != 1 {
		t.Fatalf("InvalidateByTags(t1)=%d want 1", n)
	}
	if c.Exists(ctx, "b") || !c.Exists(ctx, "c") {
		t.Fatalf("b should be gone and c kept")
	}
}

func TestGetCorruptPayloadSelfHeals(t *testing.T) {
	ctx := context.Background()
	h := &healHooks{}
	l := newLocal(t)
	c := newTestCache(t, Options{Local: l, Hooks: h})

	// 0xc1 is never valid msgpack
	_ = l.Set(ctx, "k", []byte{0xc1}, adapter.SetOptions{})
	if v, st := Get[int](ctx, c, "k"); st != Miss || v != 0 {
		t.Fatalf("Get[int]=%d %s want 0 miss", v, st)
	}
	if c.Exists(ctx, "k") {
		t.Fatalf("undecodable entry should be dropped")
	}
	if len(h.keys) != 1 || h.keys[0] != "k" {
		t.Fatalf("self-heal hooks=%v", h.keys)
	}
	if s := c.Stats(ctx); s.Hits != 0 || s.Misses != 1 {
		t.Fatalf("stats hits=%d misses=%d", s.Hits, s.Misses)
	}
}

func TestGetWrongTypeKeepsEntry(t *testing.T) {
	ctx := context.Background()
	h := &healHooks{}
	c := newTestCache(t, Options{Hooks: h})

	_ = c.Set(ctx, "k", "not a number")
	if v, st := Get[int](ctx, c, "k"); st != Miss || v != 0 {
		t.Fatalf("Get[int]=%d %s want 0 miss", v, st)
	}
	if len(h.keys) != 0 {
		t.Fatalf("valid entry healed: %v", h.keys)
	}
	if v, st := Get[string](ctx, c, "k"); st != Hit || v != "not a number" {
		t.Fatalf("Get[string]=%q %s want hit", v, st)
	}
}

func TestRemoteWritesDropLocalCopy(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	l := newLocal(t)
	c := newTestCache(t, Options{Local: l, Remote: newRemote(t, f), Executor: fastExecutor()})

	_ = l.Set(ctx, "k", []byte("stale"), adapter.SetOptions{})
	if err := c.Set(ctx, "k", "fresh", WithTags("t")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := f.Raw("t:k"); !ok {
		t.Fatalf("value not written to remote")
	}
	if ok, _ := l.Exists(ctx, "k"); ok {
		t.Fatalf("local copy should be dropped after a remote write")
	}

	v, st := Get[string](ctx, c, "k")
	if st != Hit || v != "fresh" {
		t.Fatalf("Get=%q %s", v, st)
	}
	if r := c.Get(ctx, "k"); r.Source != remote.Name {
		t.Fatalf("source=%q want remote", r.Source)
	}
	if c.Active() != remote.Name {
		t.Fatalf("active=%q", c.Active())
	}
	if n := c.InvalidateByTags(ctx, "t"); n != 1 {
		t.Fatalf("InvalidateByTags=%d", n)
	}
	if _, ok := f.Raw("t:k"); ok {
		t.Fatalf("remote entry survived tag invalidation")
	}
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	l := newLocal(t)
	c := newTestCache(t, Options{Local: l, Remote: newRemote(t, f), Executor: fastExecutor()})

	f.FailWith(errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"))

	if err := c.Set(ctx, "k", 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, _ := l.Exists(ctx, "k"); !ok {
		t.Fatalf("write should land in local while remote fails")
	}

	if v, st := Get[int](ctx, c, "k"); st != Hit || v != 7 {
		t.Fatalf("fallback Get=%d %s", v, st)
	}

	r := c.Get(ctx, "missing")
	if r.Status != Unavailable {
		t.Fatalf("status=%s want unavailable", r.Status)
	}
	if resilience.Classify(r.Err) != resilience.KindConnectionRefused && !errors.Is(r.Err, resilience.ErrCircuitOpen) {
		t.Fatalf("cause=%v", r.Err)
	}

	s := c.Stats(ctx)
	if s.Fallbacks < 3 || s.Unavailable != 1 {
		t.Fatalf("fallbacks=%d unavailable=%d", s.Fallbacks, s.Unavailable)
	}
}

func TestOpenBreakerStopsCallingRemote(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	c := newTestCache(t, Options{Remote: newRemote(t, f), Executor: fastExecutor()})

	f.FailWith(errors.New("connection refused"))
	c.Get(ctx, "a")
	c.Get(ctx, "a")
	calls := f.Calls()

	r := c.Get(ctx, "a")
	if r.Status != Unavailable || !errors.Is(r.Err, resilience.ErrCircuitOpen) {
		t.Fatalf("status=%s err=%v", r.Status, r.Err)
	}
	if f.Calls() != calls {
		t.Fatalf("open breaker still reached the backend")
	}

	var open bool
	for _, b := range c.Stats(ctx).Breakers {
		if b.Op == opGet && b.State == "open" {
			open = true
		}
	}
	if !open {
		t.Fatalf("get breaker not reported open")
	}
}

func TestRemoteNotConnectedUsesLocal(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	release := make(chan struct{})
	r, err := remote.New(remote.Options{Dial: func(ctx context.Context) (backend.Backend, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return remote.Static(f)(ctx)
	}})
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	defer close(release)
	c := newTestCache(t, Options{Remote: r})

	if c.Active() != local.Name {
		t.Fatalf("active=%q want local", c.Active())
	}
	if r := c.Get(ctx, "k"); r.Status != Unavailable || !errors.Is(r.Err, adapter.ErrUnavailable) {
		t.Fatalf("status=%s err=%v", r.Status, r.Err)
	}
	_ = c.Set(ctx, "k", "v")
	if _, st := Get[string](ctx, c, "k"); st != Hit {
		t.Fatalf("local write not readable: %s", st)
	}
	if f.Calls() != 0 {
		t.Fatalf("backend touched before connect")
	}
}

func TestGetManyAndSetMany(t *testing.T) {
	ctx := context.Background()
	obs := newCountObserver()
	c := newTestCache(t, Options{Observer: obs, Serializer: codec.JSON{}})

	err := c.SetMany(ctx, []Item{
		{Key: "a", Value: user{ID: 1}},
		{Key: "b", Value: user{ID: 2}, Tags: []string{"t"}},
	})
	if err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	rs := c.GetMany(ctx, []string{"a", "x", "b"})
	if len(rs) != 3 || rs[0].Status != Hit || rs[1].Status != Miss || rs[2].Status != Hit {
		t.Fatalf("GetMany=%+v", rs)
	}
	var u user
	if err := rs[2].Decode(&u); err != nil || u.ID != 2 {
		t.Fatalf("Decode: %v %+v", err, u)
	}
	if obs.hits["a"] != 1 || obs.total["x"] != 1 || obs.hits["x"] != 0 {
		t.Fatalf("observer hits=%v total=%v", obs.hits, obs.total)
	}
	if n := c.DelMany(ctx, []string{"a", "b", "x"}); n != 2 {
		t.Fatalf("DelMany=%d", n)
	}
}

func TestFetchCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{})

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const n = 8
	var started, done sync.WaitGroup
	started.Add(n)
	done.Add(n)
	results := make([]int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			v, err := Fetch(ctx, c, "answer", fn, WithTTL(time.Minute))
			if err != nil {
				t.Errorf("Fetch: %v", err)
			}
			results[i] = v
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn called %d times, want 1", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("results[%d]=%d", i, v)
		}
	}
	if v, st := Get[int](ctx, c, "answer"); st != Hit || v != 42 {
		t.Fatalf("value not written back: %d %s", v, st)
	}
}

func TestFetchPropagatesComputeError(t *testing.T) {
	c := newTestCache(t, Options{})
	boom := errors.New("db down")
	_, err := Fetch(context.Background(), c, "k", func(context.Context) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if c.Exists(context.Background(), "k") {
		t.Fatalf("failed compute must not be cached")
	}
}

func TestDomainInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{})

	votes := keys.ContestKey("42", keys.ContestVotes)
	board := keys.ContestKey("42", keys.ContestLeaderboard)
	part := keys.ContestKey("42", keys.ContestParticipation)
	tagged := keys.Build("contest", "42", map[string]any{"page": 2})
	for _, k := range []string{votes, board, part} {
		_ = c.Set(ctx, k, 1)
	}
	_ = c.Set(ctx, tagged, 1, WithTags(keys.ContestTag("42")))

	n, err := c.InvalidateContestCache(ctx, "42", keys.ContestVotes)
	if err != nil || n != 2 {
		t.Fatalf("votes invalidation n=%d err=%v", n, err)
	}
	if c.Exists(ctx, votes) || c.Exists(ctx, board) || !c.Exists(ctx, part) {
		t.Fatalf("votes should drop votes+leaderboard only")
	}

	n, err = c.InvalidateContestCache(ctx, "42", keys.ContestAll)
	if err != nil || n != 2 {
		t.Fatalf("all invalidation n=%d err=%v", n, err)
	}
	if c.Exists(ctx, tagged) {
		t.Fatalf("tagged entry survived contest invalidation")
	}

	if _, err := c.InvalidateProfileCache(ctx, "7", "bogus"); !errors.Is(err, keys.ErrUnknownKind) {
		t.Fatalf("err=%v want ErrUnknownKind", err)
	}
	if _, err := c.InvalidateGlobalCache(ctx, keys.GlobalTrending); err != nil {
		t.Fatalf("global: %v", err)
	}
}

func TestClearReportsRemoteFailure(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	c := newTestCache(t, Options{Remote: newRemote(t, f), Executor: fastExecutor()})

	_ = c.Set(ctx, "k", 1)
	c.Get(ctx, "k")

	boom := errors.New("connection refused")
	f.FailWith(boom)
	err := c.Clear(ctx)
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.RemoteErr == nil || ae.LocalErr != nil {
		t.Fatalf("err=%v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("remote cause not reachable: %v", err)
	}
	if s := c.Stats(ctx); s.Hits != 0 || s.Sets != 0 {
		t.Fatalf("counters not reset: %+v", s)
	}
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	if h := newTestCache(t, Options{}).HealthCheck(ctx); !h.Healthy || h.Remote != nil {
		t.Fatalf("local-only health=%+v", h)
	}

	f := backendtest.New()
	c := newTestCache(t, Options{Remote: newRemote(t, f)})
	if h := c.HealthCheck(ctx); !h.Healthy || h.Active != remote.Name {
		t.Fatalf("health=%+v", h)
	}
	f.FailWith(errors.New("connection refused"))
	h := c.HealthCheck(ctx)
	if h.Healthy || h.Remote == nil || h.Remote.Err == nil {
		t.Fatalf("health=%+v", h)
	}
	if h.Active != local.Name {
		t.Fatalf("failed probe should demote to local, active=%q", h.Active)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{Disabled: true})
	if err := c.Set(ctx, "k", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if r := c.Get(ctx, "k"); r.Status != Miss {
		t.Fatalf("status=%s", r.Status)
	}
	if c.Enabled() {
		t.Fatalf("Enabled()=true")
	}
}

func TestStatusString(t *testing.T) {
	for st, want := range map[Status]string{Hit: "hit", Miss: "miss", Unavailable: "unavailable"} {
		if st.String() != want {
			t.Fatalf("%d.String()=%q want %q", st, st.String(), want)
		}
	}
}
