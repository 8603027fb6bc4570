package tiercache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// evictSegments frees local space until remaining capacity is
// non-negative, never touching keep. Selection:
//
//  1. Candidates are the cached segments, other than keep, whose
//     reference count equals the minimum count among them.
//  2. Candidates are evicted oldest access first.
//  3. If keep's own count sits strictly below that minimum, keep is
//     the sole least-referenced segment and nothing may be evicted.
//
// The candidate set is fixed up front: exhausting it while capacity is
// still negative returns ErrCannotEvict rather than reaching for more
// referenced segments.
func (c *Cache) evictSegments(ctx context.Context, keep string) error {
	infos, err := c.segments.List()
	if err != nil {
		return err
	}

	type victim struct {
		segmentInfo
		refs uint64
	}

	var pool []victim
	for _, info := range infos {
		if info.key == keep {
			continue
		}
		refs, err := c.refs.RefCount(info.key)
		if err != nil {
			return err
		}
		pool = append(pool, victim{segmentInfo: info, refs: refs})
	}
	if len(pool) == 0 {
		return ErrCannotEvict
	}

	minRef := pool[0].refs
	for _, v := range pool[1:] {
		if v.refs < minRef {
			minRef = v.refs
		}
	}

	keepRef, err := c.refs.RefCount(keep)
	if err != nil {
		return err
	}
	if keepRef < minRef {
		return ErrCannotEvict
	}

	candidates := pool[:0]
	for _, v := range pool {
		if v.refs == minRef {
			candidates = append(candidates, v)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].atime.Before(candidates[j].atime)
	})

	for _, v := range candidates {
		if c.space.Remaining() >= 0 {
			return nil
		}
		if !c.locks.TryLock(v.key) {
			// In use right now, and freshly stamped anyway.
			continue
		}
		err := c.evictOne(ctx, v.key, v.size)
		c.locks.Unlock(v.key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
	}

	if c.space.Remaining() >= 0 {
		return nil
	}
	return ErrCannotEvict
}

// evictOne moves one cached segment back to the object store. Upload
// happens before the local delete: eviction changes a segment's
// location, it never loses data. The size is released only after the
// local file is gone.
func (c *Cache) evictOne(ctx context.Context, key string, size int64) error {
	if !c.segments.Exists(key) {
		return ErrNotFound
	}
	if err := c.remoteUpload(ctx, key, c.segments.PathFor(key)); err != nil {
		return err
	}
	if err := c.segments.Remove(key); err != nil {
		return err
	}
	c.space.Release(size)
	c.metrics.ObserveEviction(size)
	slog.Debug("tiercache: evicted segment",
		"key", key, "size", size, "remaining", c.space.Remaining())
	return nil
}
