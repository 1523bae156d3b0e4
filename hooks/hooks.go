// Package hooks defines lightweight callbacks for high-signal cache events.
// Implementations MUST be cheap and non-blocking: adapters call them on hot paths,
// sometimes while holding internal locks. Wrap slow sinks with hooks/async.
package hooks

import "time"

type Hooks interface {
	// An entry was dropped on read because it could not be decoded.
	// reason ∈ {"decode", "corrupt"}
	SelfHeal(adapter, key, reason string)

	// An entry was removed under pressure.
	// reason ∈ {"max_keys", "max_memory"}
	Evicted(adapter, key, reason string)

	// A backend call failed or was skipped because the backend is down.
	BackendUnavailable(adapter, op string, err error)

	// A circuit breaker moved between states ("closed", "open", "half-open").
	CircuitStateChanged(op, from, to string)

	// A reconnect attempt finished. err is nil on success.
	Reconnected(adapter string, attempt int, took time.Duration, err error)
}

// Nop is the default no-op.
type Nop struct{}

func (Nop) SelfHeal(string, string, string)               {}
func (Nop) Evicted(string, string, string)                {}
func (Nop) BackendUnavailable(string, string, error)      {}
func (Nop) CircuitStateChanged(string, string, string)    {}
func (Nop) Reconnected(string, int, time.Duration, error) {}

// OrNop returns h, or Nop when h is nil.
func OrNop(h Hooks) Hooks {
	if h == nil {
		return Nop{}
	}
	return h
}

// Multi fans every event out to hs in order. nil entries are skipped.
func Multi(hs ...Hooks) Hooks {
	out := make(multi, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multi []Hooks

func (m multi) SelfHeal(adapter, key, reason string) {
	for _, h := range m {
		h.SelfHeal(adapter, key, reason)
	}
}

func (m multi) Evicted(adapter, key, reason string) {
	for _, h := range m {
		h.Evicted(adapter, key, reason)
	}
}

func (m multi) BackendUnavailable(adapter, op string, err error) {
	for _, h := range m {
		h.BackendUnavailable(adapter, op, err)
	}
}

func (m multi) CircuitStateChanged(op, from, to string) {
	for _, h := range m {
		h.CircuitStateChanged(op, from, to)
	}
}

func (m multi) Reconnected(adapter string, attempt int, took time.Duration, err error) {
	for _, h := range m {
		h.Reconnected(adapter, attempt, took, err)
	}
}
