// Package metrics exposes cache counters to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/cachekit"
	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/adapter/remote"
)

// Source is what the collector reads on every scrape; *cachekit.Cache satisfies it.
type Source interface {
	Stats(ctx context.Context) cachekit.Stats
}

// Collector turns a stats snapshot into metrics at scrape time.
type Collector struct {
	src     Source
	timeout time.Duration

	requests    *prometheus.Desc
	hitRate     *prometheus.Desc
	fallbacks   *prometheus.Desc
	sets        *prometheus.Desc
	deletes     *prometheus.Desc
	keys        *prometheus.Desc
	memory      *prometheus.Desc
	evictions   *prometheus.Desc
	connErrors  *prometheus.Desc
	reconnects  *prometheus.Desc
	uptime      *prometheus.Desc
	active      *prometheus.Desc
	breaker     *prometheus.Desc
	breakerFail *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector under namespace (e.g. "cachekit").
func NewCollector(namespace string, src Source) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:     src,
		timeout: 2 * time.Second,

		requests:    d("requests_total", "Reads by outcome.", "result"),
		hitRate:     d("hit_ratio", "Hits / (hits + misses) since the last reset."),
		fallbacks:   d("fallbacks_total", "Operations served by the local adapter because the remote failed."),
		sets:        d("sets_total", "Entries written."),
		deletes:     d("deletes_total", "Entries removed by delete or invalidation."),
		keys:        d("keys", "Entries held by an adapter.", "adapter"),
		memory:      d("memory_bytes", "Memory used by an adapter.", "adapter"),
		evictions:   d("evictions_total", "Entries evicted under pressure.", "adapter"),
		connErrors:  d("connection_errors_total", "Backend calls that failed.", "adapter"),
		reconnects:  d("reconnects_total", "Successful reconnects.", "adapter"),
		uptime:      d("uptime_seconds", "Time since the adapter started.", "adapter"),
		active:      d("active_adapter", "1 for the adapter currently serving requests.", "adapter"),
		breaker:     d("breaker_state", "Circuit breaker state: 0 closed, 1 half-open, 2 open.", "op"),
		breakerFail: d("breaker_consecutive_failures", "Consecutive failures seen by a breaker.", "op"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.hitRate, c.fallbacks, c.sets, c.deletes, c.keys, c.memory,
		c.evictions, c.connErrors, c.reconnects, c.uptime, c.active, c.breaker, c.breakerFail,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	s := c.src.Stats(ctx)

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.requests, s.Hits, "hit")
	counter(c.requests, s.Misses, "miss")
	counter(c.requests, s.Unavailable, "unavailable")
	gauge(c.hitRate, s.HitRate)
	counter(c.fallbacks, s.Fallbacks)
	counter(c.sets, s.Sets)
	counter(c.deletes, s.Deletes)

	emit := func(role string, as adapter.Stats) {
		gauge(c.keys, float64(as.Keys), role)
		gauge(c.memory, float64(as.MemoryBytes), role)
		counter(c.evictions, as.Evictions, role)
		counter(c.connErrors, as.ConnectionErrors, role)
		counter(c.reconnects, as.Reconnects, role)
		gauge(c.uptime, as.Uptime.Seconds(), role)
	}
	emit("local", s.Local)
	remoteActive := 0.0
	if s.Remote != nil {
		emit("remote", *s.Remote)
		if s.Active == remote.Name {
			remoteActive = 1
		}
		gauge(c.active, remoteActive, "remote")
	}
	gauge(c.active, 1-remoteActive, "local")

	for _, b := range s.Breakers {
		gauge(c.breaker, breakerValue(b.State), b.Op)
		gauge(c.breakerFail, float64(b.ConsecutiveFailures), b.Op)
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
