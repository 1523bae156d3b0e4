package tagindex

import (
	"context"
	"time"

	"github.com/unkn0wn-root/cachekit/backend"
)

// Remote keeps tag associations as sets in the backend:
//
//	<prefix>tag:<tag>  -> keys carrying tag
//	<prefix>tags:<key> -> tags of key
//
// Keys stored in the sets are caller keys, without prefix.
type Remote struct {
	b      backend.Backend
	prefix string
}

var _ Index = (*Remote)(nil)

func NewRemote(b backend.Backend, prefix string) *Remote {
	return &Remote{b: b, prefix: prefix}
}

func (x *Remote) TagKey(tag string) string   { return x.prefix + "tag:" + tag }
func (x *Remote) OwnerKey(key string) string { return x.prefix + "tags:" + key }

func (x *Remote) Replace(ctx context.Context, key string, tags []string, ttl time.Duration) error {
	old, err := x.b.SMembers(ctx, x.OwnerKey(key))
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		keep[t] = struct{}{}
	}
	return x.b.Pipelined(ctx, func(p backend.Pipe) {
		for _, t := range old {
			if _, ok := keep[t]; !ok {
				p.SRem(x.TagKey(t), key)
			}
		}
		p.Del(x.OwnerKey(key))
		if len(tags) == 0 {
			return
		}
		p.SAdd(x.OwnerKey(key), tags...)
		p.Expire(x.OwnerKey(key), ttl)
		for _, t := range tags {
			p.SAdd(x.TagKey(t), key)
		}
	})
}

func (x *Remote) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	owners := make([]string, len(keys))
	for i, k := range keys {
		owners[i] = x.OwnerKey(k)
	}
	tagsOf, err := x.b.SMembersMany(ctx, owners...)
	if err != nil {
		return err
	}
	return x.b.Pipelined(ctx, func(p backend.Pipe) {
		for i, k := range keys {
			for _, t := range tagsOf[i] {
				p.SRem(x.TagKey(t), k)
			}
		}
		p.Del(owners...)
	})
}

func (x *Remote) Keys(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	tks := make([]string, len(tags))
	for i, t := range tags {
		tks[i] = x.TagKey(t)
	}
	sets, err := x.b.SMembersMany(ctx, tks...)
	if err != nil {
		return nil, err
	}
	union := make(map[string]struct{})
	for _, s := range sets {
		for _, k := range s {
			union[k] = struct{}{}
		}
	}
	return sortedSet(union), nil
}

func (x *Remote) Tags(ctx context.Context, key string) ([]string, error) {
	tags, err := x.b.SMembers(ctx, x.OwnerKey(key))
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return sortedSet(set), nil
}

// Clear deletes every tag record under the prefix.
func (x *Remote) Clear(ctx context.Context) error {
	for _, pattern := range []string{x.prefix + "tag:*", x.prefix + "tags:*"} {
		err := x.b.Scan(ctx, pattern, func(keys []string) error {
			_, err := x.b.Del(ctx, keys...)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
