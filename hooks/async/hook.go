// usage:
//
//	raw := loghooks.New(logger, loghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	    EvictEvery:    100,
//	})
//
//	h := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer h.Close()
//
//	local := local.New(local.Options{Hooks: h})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cachekit/hooks"
)

type Hooks struct {
	inner   hooks.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
	closed  atomic.Bool
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(inner hooks.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: hooks.OrNop(inner), q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events fired after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full or closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// send on a queue closed concurrently with this call
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(a, k, r string) { h.try(func() { h.inner.SelfHeal(a, k, r) }) }
func (h *Hooks) Evicted(a, k, r string)  { h.try(func() { h.inner.Evicted(a, k, r) }) }
func (h *Hooks) BackendUnavailable(a, op string, err error) {
	h.try(func() { h.inner.BackendUnavailable(a, op, err) })
}
func (h *Hooks) CircuitStateChanged(op, from, to string) {
	h.try(func() { h.inner.CircuitStateChanged(op, from, to) })
}
func (h *Hooks) Reconnected(a string, attempt int, took time.Duration, err error) {
	h.try(func() { h.inner.Reconnected(a, attempt, took, err) })
}
