package resilience

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const jitterFraction = 0.1

// expJitter is min(base*2^attempt, max) plus up to 10% random jitter.
type expJitter struct {
	base, max time.Duration
	attempt   int
	rnd       func() float64
}

var _ backoff.BackOff = (*expJitter)(nil)

func newExpJitter(base, max time.Duration) *expJitter {
	return &expJitter{base: base, max: max, rnd: rand.Float64}
}

func (b *expJitter) NextBackOff() time.Duration {
	d := b.max
	if b.attempt < 62 {
		if s := b.base << b.attempt; s > 0 && s < b.max {
			d = s
		}
	}
	b.attempt++
	return d + time.Duration(b.rnd()*jitterFraction*float64(d))
}

func (b *expJitter) Reset() { b.attempt = 0 }
