package remote

import (
	"context"
	"time"

	"github.com/unkn0wn-root/cachekit/backend"
	"github.com/unkn0wn-root/cachekit/hooks"
	"github.com/unkn0wn-root/cachekit/logging"
)

const (
	DefaultTTL                  = time.Hour
	DefaultConnectTimeout       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Dialer opens a backend. It must honor ctx.
type Dialer func(ctx context.Context) (backend.Backend, error)

// RedisDialer dials url with go-redis; connectTimeout bounds the TCP dial.
func RedisDialer(url string, connectTimeout time.Duration) Dialer {
	return func(context.Context) (backend.Backend, error) {
		return backend.DialURL(url, connectTimeout)
	}
}

// Static returns a Dialer that always hands out b. The caller keeps ownership:
// the adapter never closes b.
func Static(b backend.Backend) Dialer {
	return func(context.Context) (backend.Backend, error) { return borrowed{b}, nil }
}

type borrowed struct{ backend.Backend }

func (borrowed) Close() error { return nil }

type Options struct {
	Dial Dialer // required

	// KeyPrefix namespaces every key, including tag records.
	KeyPrefix  string
	DefaultTTL time.Duration

	// ConnectTimeout bounds connect, reconnect and health probes.
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int

	Logger logging.Logger
	Hooks  hooks.Hooks
	Clock  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	o.Logger = logging.OrNop(o.Logger)
	o.Hooks = hooks.OrNop(o.Hooks)
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
