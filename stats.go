package cachekit

import (
	"context"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/resilience"
)

// Stats merges the facade counters with adapter and breaker snapshots.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Unavailable int64   `json:"unavailable"`
	Fallbacks   int64   `json:"fallbacks"`
	Sets        int64   `json:"sets"`
	Deletes     int64   `json:"deletes"`
	HitRate     float64 `json:"hit_rate"`

	// Active names the adapter serving requests; Backend is its snapshot.
	Active  string         `json:"active"`
	Backend adapter.Stats  `json:"backend"`
	Local   adapter.Stats  `json:"local"`
	Remote  *adapter.Stats `json:"remote,omitempty"`

	Breakers []resilience.BreakerSnapshot `json:"breakers,omitempty"`
}

// Requests is the number of reads that produced an outcome.
func (s Stats) Requests() int64 { return s.Hits + s.Misses + s.Unavailable }

func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Unavailable: c.unavailable.Load(),
		Fallbacks:   c.fallbacks.Load(),
		Sets:        c.sets.Load(),
		Deletes:     c.deletes.Load(),
		Local:       c.local.Stats(ctx),
		Breakers:    c.exec.Breakers(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	up := c.remoteUp()
	if c.remote != nil {
		rs := c.remote.Stats(ctx)
		s.Remote = &rs
	}
	if up {
		s.Active = c.remote.Name()
		s.Backend = *s.Remote
	} else {
		s.Active = c.local.Name()
		s.Backend = s.Local
	}
	return s
}
