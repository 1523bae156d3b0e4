package resilience

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/unkn0wn-root/cachekit/logging"
)

// BreakerSnapshot is a point-in-time view of one operation's breaker.
type BreakerSnapshot struct {
	Op                  string    `json:"op"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	Requests            uint32    `json:"requests"`
	TotalFailures       uint32    `json:"total_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

type breaker struct {
	cb          *gobreaker.CircuitBreaker[any]
	lastFailure atomic.Int64 // unix nanos; 0 = never
}

type breakers struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// breaker returns the breaker for op, creating it on first use.
func (x *Executor) breaker(op string) *breaker {
	x.br.mu.Lock()
	defer x.br.mu.Unlock()
	if b, ok := x.br.m[op]; ok {
		return b
	}
	b := &breaker{}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        op,
		MaxRequests: 1,
		Timeout:     x.cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(x.cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || IsNotAttempted(err) {
				return true
			}
			return Classify(err) == KindDecodeFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			x.log.Warn("circuit state changed", logging.Fields{
				"op": name, "from": from.String(), "to": to.String(),
			})
			x.hooks.CircuitStateChanged(name, from.String(), to.String())
		},
	})
	x.br.m[op] = b
	return b
}

// Breakers returns snapshots of every breaker created so far, sorted by op.
func (x *Executor) Breakers() []BreakerSnapshot {
	x.br.mu.Lock()
	ops := make([]string, 0, len(x.br.m))
	for op := range x.br.m {
		ops = append(ops, op)
	}
	bs := make([]*breaker, len(ops))
	sort.Strings(ops)
	for i, op := range ops {
		bs[i] = x.br.m[op]
	}
	x.br.mu.Unlock()

	out := make([]BreakerSnapshot, len(ops))
	for i, b := range bs {
		c := b.cb.Counts()
		s := BreakerSnapshot{
			Op:                  ops[i],
			State:               b.cb.State().String(),
			ConsecutiveFailures: c.ConsecutiveFailures,
			Requests:            c.Requests,
			TotalFailures:       c.TotalFailures,
		}
		if n := b.lastFailure.Load(); n != 0 {
			s.LastFailure = time.Unix(0, n)
		}
		out[i] = s
	}
	return out
}
