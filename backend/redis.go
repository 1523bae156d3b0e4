package backend

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
)

const scanBatch = 100

var ErrNilClient = errors.New("backend: nil redis client")

// Redis implements Backend on go-redis.
type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ Backend = (*Redis)(nil)

// NewRedis wraps an existing client. Set closeClient only if this backend
// exclusively owns the client.
func NewRedis(client goredis.UniversalClient, closeClient bool) (*Redis, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: client, closeClient: closeClient}, nil
}

// DialURL builds an owned client from a redis:// or rediss:// URL.
// No network traffic happens until the first command.
func DialURL(url string, connectTimeout time.Duration) (*Redis, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "backend: parse redis url")
	}
	if connectTimeout > 0 {
		opts.DialTimeout = connectTimeout
	}
	return &Redis{rdb: goredis.NewClient(opts), closeClient: true}, nil
}

// Client exposes the underlying client for tooling.
func (r *Redis) Client() goredis.UniversalClient { return r.rdb }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return ErrNotFound
	case errors.Is(err, goredis.ErrClosed):
		return errors.Mark(err, ErrClosed)
	default:
		return err
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, translate(err)
	}
	return b, nil
}

func (r *Redis) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, translate(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		switch vv := v.(type) {
		case string:
			out[i] = []byte(vv)
		case []byte:
			out[i] = vv
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return translate(r.rdb.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, keys...).Result()
	return n, translate(err)
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, translate(err)
	}
	return n > 0, nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := r.rdb.SMembers(ctx, key).Result()
	return m, translate(err)
}

func (r *Redis) SMembersMany(ctx context.Context, keys ...string) ([][]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.StringSliceCmd, len(keys))
	_, err := r.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.SMembers(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	out := make([][]string, len(keys))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

func (r *Redis) Scan(ctx context.Context, match string, fn func(keys []string) error) error {
	if cc, ok := r.rdb.(*goredis.ClusterClient); ok {
		return translate(cc.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
			return scanNode(ctx, node, match, fn)
		}))
	}
	return translate(scanNode(ctx, r.rdb, match, fn))
}

func scanNode(ctx context.Context, c goredis.Cmdable, match string, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) MemoryUsage(ctx context.Context) (int64, error) {
	info, err := r.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0, translate(err)
	}
	return parseUsedMemory(info)
}

func parseUsedMemory(info string) (int64, error) {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			return strconv.ParseInt(v, 10, 64)
		}
	}
	return 0, errors.New("backend: used_memory not reported")
}

func (r *Redis) Ping(ctx context.Context) error {
	return translate(r.rdb.Ping(ctx).Err())
}

func (r *Redis) Pipelined(ctx context.Context, fn func(Pipe)) error {
	_, err := r.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		fn(redisPipe{ctx: ctx, p: p})
		return nil
	})
	return translate(err)
}

// Close releases the client only when this backend owns it.
// Safe to call multiple times.
func (r *Redis) Close() error {
	if !r.closeClient {
		return nil
	}
	if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}

type redisPipe struct {
	ctx context.Context
	p   goredis.Pipeliner
}

func (rp redisPipe) Set(key string, value []byte, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	rp.p.Set(rp.ctx, key, value, ttl)
}

func (rp redisPipe) Del(keys ...string) {
	if len(keys) > 0 {
		rp.p.Del(rp.ctx, keys...)
	}
}

func (rp redisPipe) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	rp.p.SAdd(rp.ctx, key, args...)
}

func (rp redisPipe) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	rp.p.SRem(rp.ctx, key, args...)
}

func (rp redisPipe) Expire(key string, ttl time.Duration) {
	if ttl > 0 {
		rp.p.Expire(rp.ctx, key, ttl)
	}
}
