// Package analytics keeps rolling hit-rate, memory and request trends for a
// cache and tracks its most accessed keys. It only reads from the cache.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit"
	"github.com/unkn0wn-root/cachekit/logging"
)

const (
	DefaultInterval   = time.Minute
	DefaultMaxSamples = 1440 // a day at the default interval
	DefaultTopN       = 100
)

var ErrRunning = errors.New("analytics: sampler already running")

// Source is what the sampler polls; *cachekit.Cache satisfies it.
type Source interface {
	Stats(ctx context.Context) cachekit.Stats
}

type Config struct {
	Interval   time.Duration
	MaxSamples int
	// TopN bounds the key table. 0 uses the default.
	TopN int

	Logger logging.Logger
	Clock  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Sample is one period's view.
type Sample struct {
	At          time.Time `json:"at"`
	HitRate     float64   `json:"hit_rate"`
	MemoryBytes int64     `json:"memory_bytes"`
	Requests    int64     `json:"requests"`
}

// Sampler polls a Source on a fixed interval. Each sample's hit rate and request
// count cover only the period since the previous sample.
type Sampler struct {
	src Source
	cfg Config
	top *TopKeys

	mu         sync.Mutex
	hitRates   []float64
	memory     []int64
	requests   []int64
	timestamps []time.Time

	primed             bool
	prevHits, prevMiss int64
	prevUnavail        int64

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSampler(src Source, cfg Config) *Sampler {
	cfg = cfg.withDefaults()
	return &Sampler{src: src, cfg: cfg, top: NewTopKeys(cfg.TopN)}
}

// TopKeys returns the key table. Pass it as cachekit.Options.Observer to feed it.
func (s *Sampler) TopKeys() *TopKeys { return s.top }

// Start launches the polling loop. It stops on Stop or when ctx is done.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return ErrRunning
	}
	s.ticker = time.NewTicker(s.cfg.Interval)
	s.stopCh = make(chan struct{})
	ticker, stop := s.ticker, s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				s.Sample(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.cfg.Logger.Debug("sampler started", logging.Fields{"interval": s.cfg.Interval.String()})
	return nil
}

// Stop halts the loop and waits for it to exit. Buffers are kept.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.ticker.Stop()
	s.stopCh, s.ticker = nil, nil
	s.mu.Unlock()
	s.wg.Wait()
}

// Sample takes one sample now and appends it to the buffers.
func (s *Sampler) Sample(ctx context.Context) Sample {
	st := s.src.Stats(ctx)
	now := s.cfg.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	dh, dm, du := st.Hits, st.Misses, st.Unavailable
	if s.primed {
		dh, dm, du = st.Hits-s.prevHits, st.Misses-s.prevMiss, st.Unavailable-s.prevUnavail
		// counters were reset by Clear; the new totals are this period's
		if dh < 0 || dm < 0 || du < 0 {
			dh, dm, du = st.Hits, st.Misses, st.Unavailable
		}
	}
	s.prevHits, s.prevMiss, s.prevUnavail = st.Hits, st.Misses, st.Unavailable
	s.primed = true

	out := Sample{At: now, MemoryBytes: st.Backend.MemoryBytes, Requests: dh + dm + du}
	if dh+dm > 0 {
		out.HitRate = float64(dh) / float64(dh+dm)
	}

	s.hitRates = appendBounded(s.hitRates, out.HitRate, s.cfg.MaxSamples)
	s.memory = appendBounded(s.memory, out.MemoryBytes, s.cfg.MaxSamples)
	s.requests = appendBounded(s.requests, out.Requests, s.cfg.MaxSamples)
	s.timestamps = appendBounded(s.timestamps, out.At, s.cfg.MaxSamples)
	return out
}

// appendBounded appends v and drops the oldest values beyond limit.
func appendBounded[T any](buf []T, v T, limit int) []T {
	buf = append(buf, v)
	if over := len(buf) - limit; over > 0 {
		buf = append(buf[:0], buf[over:]...)
	}
	return buf
}

// Report is a copy of the buffers plus derived averages.
type Report struct {
	HitRates   []float64   `json:"hit_rates"`
	Memory     []int64     `json:"memory"`
	Requests   []int64     `json:"requests"`
	Timestamps []time.Time `json:"timestamps"`

	AvgHitRate    float64    `json:"avg_hit_rate"`
	AvgMemory     float64    `json:"avg_memory"`
	TotalRequests int64      `json:"total_requests"`
	TopKeys       []KeyCount `json:"top_keys"`
}

func (s *Sampler) Report() Report {
	s.mu.Lock()
	r := Report{
		HitRates:   append([]float64(nil), s.hitRates...),
		Memory:     append([]int64(nil), s.memory...),
		Requests:   append([]int64(nil), s.requests...),
		Timestamps: append([]time.Time(nil), s.timestamps...),
	}
	s.mu.Unlock()

	if n := len(r.HitRates); n > 0 {
		var hr, mem float64
		for i := range r.HitRates {
			hr += r.HitRates[i]
			mem += float64(r.Memory[i])
			r.TotalRequests += r.Requests[i]
		}
		r.AvgHitRate = hr / float64(n)
		r.AvgMemory = mem / float64(n)
	}
	r.TopKeys = s.top.Top(0)
	return r
}
