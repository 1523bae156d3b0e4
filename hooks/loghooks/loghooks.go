package loghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	EvictEvery    uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

// Hooks logs cache events through a logging.Logger.
type Hooks struct {
	l    logging.Logger
	opts Options

	selfHealCtr atomic.Uint64
	evictCtr    atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(l logging.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(adapter, key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Warn("cachekit.self_heal", logging.Fields{
		"adapter": adapter,
		"key":     h.redact(key),
		"reason":  reason,
	})
}

func (h *Hooks) Evicted(adapter, key, reason string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("cachekit.evicted", logging.Fields{
		"adapter": adapter,
		"key":     h.redact(key),
		"reason":  reason,
	})
}

func (h *Hooks) BackendUnavailable(adapter, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cachekit.backend_unavailable", logging.Fields{
		"adapter": adapter,
		"op":      op,
		"err":     err,
	})
}

func (h *Hooks) CircuitStateChanged(op, from, to string) {
	if h.l == nil {
		return
	}
	h.l.Info("cachekit.circuit_state_changed", logging.Fields{
		"op":   op,
		"from": from,
		"to":   to,
	})
}

func (h *Hooks) Reconnected(adapter string, attempt int, took time.Duration, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Error("cachekit.reconnect_failed", logging.Fields{
			"adapter": adapter,
			"attempt": attempt,
			"took_ms": took.Milliseconds(),
			"err":     err,
		})
		return
	}
	h.l.Info("cachekit.reconnected", logging.Fields{
		"adapter": adapter,
		"attempt": attempt,
		"took_ms": took.Milliseconds(),
	})
}
