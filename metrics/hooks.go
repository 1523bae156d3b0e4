package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/cachekit/hooks"
)

// Hooks counts cache events. Chain it with other hooks through hooks.Multi.
type Hooks struct {
	selfHeal    *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	transitions *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
}

var _ hooks.Hooks = (*Hooks)(nil)

// NewHooks registers the event counters with reg.
func NewHooks(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      name,
			Help:      help,
		}, labels)
	}
	h := &Hooks{
		selfHeal:    vec("self_heal_total", "Entries dropped on read because they did not decode.", "adapter", "reason"),
		evicted:     vec("evicted_total", "Entries evicted under pressure.", "adapter", "reason"),
		unavailable: vec("backend_unavailable_total", "Backend calls that failed.", "adapter", "op"),
		transitions: vec("breaker_transitions_total", "Circuit breaker state changes.", "op", "to"),
		reconnects:  vec("reconnect_attempts_total", "Reconnect attempts by result.", "adapter", "result"),
	}
	for _, c := range []prometheus.Collector{h.selfHeal, h.evicted, h.unavailable, h.transitions, h.reconnects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) SelfHeal(adapter, _, reason string) {
	h.selfHeal.WithLabelValues(adapter, reason).Inc()
}

func (h *Hooks) Evicted(adapter, _, reason string) {
	h.evicted.WithLabelValues(adapter, reason).Inc()
}

func (h *Hooks) BackendUnavailable(adapter, op string, _ error) {
	h.unavailable.WithLabelValues(adapter, op).Inc()
}

func (h *Hooks) CircuitStateChanged(op, _, to string) {
	h.transitions.WithLabelValues(op, to).Inc()
}

func (h *Hooks) Reconnected(adapter string, _ int, _ time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.reconnects.WithLabelValues(adapter, result).Inc()
}
