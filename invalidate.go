package cachekit

import (
	"context"

	"github.com/unkn0wn-root/cachekit/keys"
	"github.com/unkn0wn-root/cachekit/logging"
)

// InvalidateContestCache drops the contest entries affected by a change of kind
// and returns how many entries went away. Unknown kinds fail with keys.ErrUnknownKind.
func (c *Cache) InvalidateContestCache(ctx context.Context, id string, kind keys.ContestKind) (int, error) {
	inv, err := keys.Contest(id, kind)
	if err != nil {
		return 0, err
	}
	return c.apply(ctx, inv), nil
}

func (c *Cache) InvalidateProfileCache(ctx context.Context, id string, kind keys.ProfileKind) (int, error) {
	inv, err := keys.Profile(id, kind)
	if err != nil {
		return 0, err
	}
	return c.apply(ctx, inv), nil
}

func (c *Cache) InvalidateGlobalCache(ctx context.Context, kind keys.GlobalKind) (int, error) {
	inv, err := keys.Global(kind)
	if err != nil {
		return 0, err
	}
	return c.apply(ctx, inv), nil
}

func (c *Cache) apply(ctx context.Context, inv keys.Invalidation) int {
	n := 0
	if len(inv.Keys) > 0 {
		n += c.DelMany(ctx, inv.Keys)
	}
	if len(inv.Tags) > 0 {
		n += c.InvalidateByTags(ctx, inv.Tags...)
	}
	c.log.Debug("invalidated", logging.Fields{"keys": inv.Keys, "tags": inv.Tags, "removed": n})
	return n
}
