// Package resilience wraps calls to an unreliable dependency with retry,
// exponential backoff and per-operation circuit breakers, and classifies
// failures into a small taxonomy.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker/v2"

	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultBaseDelay        = 100 * time.Millisecond
	DefaultMaxDelay         = 5 * time.Second
)

type Config struct {
	// FailureThreshold consecutive failures open an operation's breaker.
	FailureThreshold int
	// OpenTimeout is how long an open breaker fails fast before a half-open trial.
	OpenTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt; negative disables retry.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	Logger logging.Logger
	Hooks  hooks.Hooks
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Executor runs operations keyed by an operation id. Safe for concurrent use.
type Executor struct {
	cfg   Config
	log   logging.Logger
	hooks hooks.Hooks
	br    breakers
}

func New(cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:   cfg,
		log:   logging.OrNop(cfg.Logger),
		hooks: hooks.OrNop(cfg.Hooks),
		br:    breakers{m: make(map[string]*breaker)},
	}
}

// Config returns the effective configuration.
func (x *Executor) Config() Config { return x.cfg }

// Do runs fn under op's breaker, retrying retryable failures.
func (x *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, x, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn under op's breaker. Retryable failures (connection refused,
// timeout) are retried up to MaxRetries times with exponential backoff; an open
// breaker and every other failure stop immediately.
func Execute[T any](ctx context.Context, x *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := x.breaker(op)
	attempt := 0
	bo := backoff.WithContext(
		backoff.WithMaxRetries(newExpJitter(x.cfg.BaseDelay, x.cfg.MaxDelay), uint64(x.cfg.MaxRetries)),
		ctx,
	)

	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		res, err := b.cb.Execute(func() (any, error) {
			return fn(ctx)
		})
		if err == nil {
			v, _ := res.(T)
			return v, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, backoff.Permanent(errors.Mark(errors.Wrapf(err, "%s", op), ErrCircuitOpen))
		}
		if !IsNotAttempted(err) && Classify(err) != KindDecodeFailure {
			b.lastFailure.Store(time.Now().UnixNano())
		}
		if !Retryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}, bo, func(err error, d time.Duration) {
		x.log.Debug("retrying", logging.Fields{
			"op": op, "attempt": attempt, "delay": d.String(), "err": err,
		})
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// WithFallback runs Execute and, when it ultimately fails, returns fallback's
// result instead. A nil fallback propagates the error.
func WithFallback[T any](ctx context.Context, x *Executor, op string,
	fn func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
) (T, error) {
	v, err := Execute(ctx, x, op, fn)
	if err == nil || fallback == nil {
		return v, err
	}
	x.log.Warn("operation failed, using fallback", logging.Fields{
		"op": op, "kind": Classify(err).String(), "err": err,
	})
	return fallback(ctx, err)
}

// Degrade runs Execute and returns def on ultimate failure. It never fails.
func Degrade[T any](ctx context.Context, x *Executor, op string, fn func(ctx context.Context) (T, error), def T) T {
	v, err := Execute(ctx, x, op, fn)
	if err != nil {
		x.log.Warn("operation degraded to default", logging.Fields{
			"op": op, "kind": Classify(err).String(), "err": err,
		})
		return def
	}
	return v
}
