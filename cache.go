// Package tiercache is the caching tier of a content-addressed tiering
// filesystem. Given a segment key it decides whether the segment's
// compressed bytes live in a bounded local directory or in a remote
// object store, keeps a live accounting of remaining local capacity,
// and evicts cached segments under a reference-count + recency policy
// when capacity is exceeded. At rest a segment is local-only or
// remote-only, never both.
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chuyinsu/tiercache/blobstore"
	"github.com/chuyinsu/tiercache/compress"
)

// Cache tiers segments between the local cache directory and the
// object store. Operations on different keys may run concurrently;
// operations on the same key are serialized by per-key locks, and the
// eviction scan is serialized by its own mutex. The capacity lock is
// never held across a network transfer.
type Cache struct {
	space    *accountant
	segments *segmentStore
	remote   *blobstore.Store
	codec    Codec
	refs     RefCounter
	metrics  *CacheMetrics

	locks   *keyedMutex
	evictMu sync.Mutex

	remoteTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Open wires up a Cache. When opts.UsedAtStart is negative the cache
// directory is scanned and the warm entries count against capacity.
func Open(opts Options) (*Cache, error) {
	if opts.Remote == nil {
		return nil, errors.New("tiercache: object store is required")
	}
	if opts.Refs == nil {
		return nil, errors.New("tiercache: reference-count ledger is required")
	}

	segments, err := newSegmentStore(opts.CacheDir)
	if err != nil {
		return nil, err
	}

	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	used := opts.UsedAtStart
	if used < 0 {
		infos, err := segments.List()
		if err != nil {
			return nil, err
		}
		used = 0
		for _, info := range infos {
			used += info.size
		}
	}

	codec := opts.Codec
	if codec == nil {
		codec = compress.New(compress.Options{})
	}

	timeout := opts.RemoteTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}

	return &Cache{
		space:         newAccountant(capacity, used),
		segments:      segments,
		remote:        opts.Remote,
		codec:         codec,
		refs:          opts.Refs,
		metrics:       opts.Metrics,
		locks:         newKeyedMutex(),
		remoteTimeout: timeout,
	}, nil
}

// Close releases the object-store client if the cache owns it. Cached
// segments stay on disk for the next Open. Close is idempotent.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.remote.Close()
	})
	return c.closeErr
}

// TotalSpace returns the configured capacity in bytes.
func (c *Cache) TotalSpace() int64 { return c.space.Total() }

// RemainingSpace returns the unreserved capacity in bytes.
func (c *Cache) RemainingSpace() int64 { return c.space.Remaining() }

// Download materializes the segment's decompressed bytes at targetPath,
// fetching from the object store when the segment is not cached. The
// target is always produced on success, whether or not the segment
// could be retained locally.
func (c *Cache) Download(ctx context.Context, targetPath, key string) error {
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if c.segments.Exists(key) {
		c.metrics.ObserveHit()
		if err := c.segments.Touch(key); err != nil {
			return err
		}
		return c.codec.Decompress(c.segments.PathFor(key), targetPath)
	}

	c.metrics.ObserveMiss()
	size, err := c.fetchSegment(ctx, key)
	if err != nil {
		return err
	}

	c.space.Reserve(size)
	if c.space.Remaining() >= 0 {
		return c.finishAdmission(ctx, targetPath, key)
	}

	c.evictMu.Lock()
	evictErr := c.evictSegments(ctx, key)
	c.evictMu.Unlock()

	switch {
	case evictErr == nil:
		return c.finishAdmission(ctx, targetPath, key)

	case errors.Is(evictErr, ErrCannotEvict):
		// Serve once and discard: the remote copy stays the system of
		// record and the caller still gets their bytes.
		c.space.Release(size)
		c.metrics.ObserveEvictFailure()
		slog.Debug("tiercache: serving segment without caching",
			"key", key, "size", size)
		if err := c.codec.Decompress(c.segments.PathFor(key), targetPath); err != nil {
			_ = c.segments.Remove(key)
			return err
		}
		return c.segments.Remove(key)

	default:
		// The fetch already succeeded, so deliver the bytes even though
		// the eviction scan failed. The admission stays applied.
		if err := c.codec.Decompress(c.segments.PathFor(key), targetPath); err != nil {
			return errors.Join(evictErr, err)
		}
		return evictErr
	}
}

// fetchSegment pulls the compressed object into the cache under key
// and reports its on-disk size. The transfer lands in a temp file so a
// partial download is never observable as a cached segment.
func (c *Cache) fetchSegment(ctx context.Context, key string) (int64, error) {
	tmp := c.segments.TempPath()
	if err := c.remoteDownload(ctx, key, tmp); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := c.segments.Promote(tmp, key); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return c.segments.SizeOf(key)
}

// finishAdmission keeps the fetched segment local: stamp it, drop the
// now-redundant remote copy, and hand the caller their bytes.
func (c *Cache) finishAdmission(ctx context.Context, targetPath, key string) error {
	if err := c.segments.Touch(key); err != nil {
		return err
	}
	if err := c.remoteDelete(ctx, key); err != nil {
		return err
	}
	c.metrics.ObserveAdmission()
	return c.codec.Decompress(c.segments.PathFor(key), targetPath)
}

// Upload compresses length bytes of sourcePath starting at offset and
// stores the result under key: locally when there is headroom,
// remotely otherwise. Uploads never trigger eviction; a segment that
// does not fit bypasses the cache instead of displacing segments that
// are known to be read.
func (c *Cache) Upload(ctx context.Context, sourcePath string, offset int64, key string, length int64) error {
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if c.segments.Exists(key) {
		// Same key means same bytes upstream. Re-admitting would
		// double-count the capacity already reserved for this entry.
		c.metrics.ObserveHit()
		return c.segments.Touch(key)
	}

	tmp := c.segments.TempPath()
	n, err := c.codec.Compress(sourcePath, offset, length, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if !c.space.TryReserve(n) {
		if err := c.remoteUpload(ctx, key, tmp); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		c.metrics.ObserveBypass()
		return os.Remove(tmp)
	}

	if err := c.segments.Promote(tmp, key); err != nil {
		c.space.Release(n)
		_ = os.Remove(tmp)
		return err
	}
	if err := c.segments.Touch(key); err != nil {
		return err
	}
	c.metrics.ObserveAdmission()
	return nil
}

// Remove deletes the segment from whichever tier holds it. Callers are
// expected to have verified existence against the metadata layer; a
// key absent from both tiers is not reported specially.
func (c *Cache) Remove(ctx context.Context, key string) error {
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if !c.segments.Exists(key) {
		return c.remoteDelete(ctx, key)
	}

	size, err := c.segments.SizeOf(key)
	if err != nil {
		return err
	}
	if err := c.segments.Remove(key); err != nil {
		return err
	}
	c.space.Release(size)
	return nil
}

func (c *Cache) remoteDownload(ctx context.Context, key, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	start := time.Now()
	err := c.remote.Download(ctx, key, path)
	c.metrics.ObserveRemoteGet(start, err)
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("segment %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return &RemoteError{Op: "get", Key: key, Err: err}
	}
	return nil
}

func (c *Cache) remoteUpload(ctx context.Context, key, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	start := time.Now()
	err := c.remote.Upload(ctx, key, path)
	c.metrics.ObserveRemotePut(start, err)
	if err != nil {
		return &RemoteError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (c *Cache) remoteDelete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	start := time.Now()
	err := c.remote.Delete(ctx, key)
	c.metrics.ObserveRemoteDelete(start, err)
	if err != nil {
		return &RemoteError{Op: "delete", Key: key, Err: err}
	}
	return nil
}
