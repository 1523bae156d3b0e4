package cachekit

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/cachekit/adapter"
	"github.com/unkn0wn-root/cachekit/codec"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
	"github.com/unkn0wn-root/cachekit/resilience"
)

// Status tells a miss apart from a backend that could not answer.
type Status int

const (
	Miss Status = iota
	Hit
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Unavailable:
		return "unavailable"
	default:
		return "miss"
	}
}

// Result is the outcome of a read. Value holds the encoded payload on Hit;
// Err holds the cause on Unavailable.
type Result struct {
	Status Status
	Value  []byte
	Source string // adapter that answered
	Err    error

	codec codec.Codec
}

func (r Result) Hit() bool { return r.Status == Hit }

// Decode unmarshals the payload into v. It returns ErrNotHit unless Status is Hit.
func (r Result) Decode(v any) error {
	if r.Status != Hit {
		return ErrNotHit
	}
	c := r.codec
	if c == nil {
		c = codec.Msgpack{}
	}
	if err := c.Unmarshal(r.Value, v); err != nil {
		return resilience.Mark(errors.Wrapf(err, "decode via %s", c.Name()), resilience.KindDecodeFailure)
	}
	return nil
}

// Item is one entry of SetMany.
type Item struct {
	Key   string
	Value any
	TTL   time.Duration // 0 => adapter default
	Tags  []string
}

type SetOption func(*adapter.SetOptions)

// WithTTL overrides the adapter's default TTL for this write.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *adapter.SetOptions) { o.TTL = ttl }
}

// WithTags attaches invalidation tags to the entry.
func WithTags(tags ...string) SetOption {
	return func(o *adapter.SetOptions) { o.Tags = append(o.Tags, tags...) }
}

// AccessObserver is told about every read that reached an adapter.
// Implementations must be cheap and safe for concurrent use.
type AccessObserver interface {
	Observe(key string, hit bool)
}

// Options configure a Cache. Everything is optional.
type Options struct {
	// Local serves reads and writes while Remote is absent or down.
	// nil => a fresh local adapter with defaults.
	Local adapter.Adapter
	// Remote is preferred whenever it reports itself available.
	Remote adapter.Adapter

	Serializer codec.Codec          // nil => msgpack
	Executor   *resilience.Executor // nil => defaults

	Logger   logging.Logger
	Hooks    hooks.Hooks
	Observer AccessObserver

	Disabled     bool // every op becomes a no-op miss
	DisableStats bool // skip facade counters and the observer
}

func New(opts Options) (*Cache, error) {
	return newCache(opts)
}
