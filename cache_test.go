package tiercache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chuyinsu/tiercache/blobstore"
)

// rawCodec copies bytes verbatim so tests control compressed sizes
// exactly.
type rawCodec struct{}

func (rawCodec) Compress(srcPath string, offset, length int64, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, io.NewSectionReader(src, offset, length))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return 0, err
	}
	return n, nil
}

func (rawCodec) Decompress(srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return os.WriteFile(dstPath, data, 0o644)
}

// mapRefs is a RefCounter with hand-set counts.
type mapRefs map[string]uint64

func (m mapRefs) RefCount(key string) (uint64, error) { return m[key], nil }

// failingRefs breaks every ledger lookup.
type failingRefs struct{ err error }

func (f failingRefs) RefCount(key string) (uint64, error) { return 0, f.err }

type cacheHarness struct {
	cache  *Cache
	remote *blobstore.Store
	refs   mapRefs
	dir    string
}

func newTestCache(t *testing.T, capacity int64) *cacheHarness {
	t.Helper()

	dir := t.TempDir()
	requireXattrSupport(t, dir)

	remote := blobstore.NewMemory("test")
	t.Cleanup(func() { _ = remote.Close() })

	refs := mapRefs{}
	cache, err := Open(Options{
		CacheDir:    dir,
		Capacity:    capacity,
		UsedAtStart: -1,
		Remote:      remote,
		Refs:        refs,
		Codec:       rawCodec{},
	})
	require.NoError(t, err)

	return &cacheHarness{cache: cache, remote: remote, refs: refs, dir: dir}
}

// seedLocal installs a segment directly into the cache as if it had
// been admitted at stamp time.
func (h *cacheHarness) seedLocal(t *testing.T, key string, data []byte, at time.Time) {
	t.Helper()
	path := h.cache.segments.PathFor(key)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, h.cache.segments.stamp(path, at))
	h.cache.space.Reserve(int64(len(data)))
}

// seedRemote installs a compressed segment in the object store only.
func (h *cacheHarness) seedRemote(t *testing.T, key string, data []byte) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, h.remote.Upload(context.Background(), key, tmp))
}

func (h *cacheHarness) requireLocalOnly(t *testing.T, key string) {
	t.Helper()
	require.True(t, h.cache.segments.Exists(key), "segment %s should be cached", key)
	exists, err := h.remote.Exists(context.Background(), key)
	require.NoError(t, err)
	require.False(t, exists, "segment %s should not be remote", key)
}

func (h *cacheHarness) requireRemoteOnly(t *testing.T, key string) {
	t.Helper()
	require.False(t, h.cache.segments.Exists(key), "segment %s should not be cached", key)
	exists, err := h.remote.Exists(context.Background(), key)
	require.NoError(t, err)
	require.True(t, exists, "segment %s should be remote", key)
}

// requireCapacityInvariant checks remaining == total - sum of cached
// segment sizes.
func (h *cacheHarness) requireCapacityInvariant(t *testing.T) {
	t.Helper()
	infos, err := h.cache.segments.List()
	require.NoError(t, err)
	var used int64
	for _, info := range infos {
		used += info.size
	}
	require.Equal(t, h.cache.TotalSpace()-used, h.cache.RemainingSpace())
}

func writeSource(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func targetPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "target")
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	requireXattrSupport(t, dir)

	remote := blobstore.NewMemory("test")
	t.Cleanup(func() { _ = remote.Close() })

	// Defaults select the real zstd codec: the round trip covers the
	// whole pipeline.
	opts := DefaultOptions()
	opts.CacheDir = dir
	opts.Remote = remote
	opts.Refs = mapRefs{}
	cache, err := Open(opts)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("tiered segment payload "), 500)
	src := writeSource(t, data)

	ctx := context.Background()
	require.NoError(t, cache.Upload(ctx, src, 100, "seg1", 1000))

	target := targetPath(t)
	require.NoError(t, cache.Download(ctx, target, "seg1"))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, data[100:1100], got)
}

func TestUploadFitsStaysLocal(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	src := writeSource(t, make([]byte, 600))
	require.NoError(t, h.cache.Upload(ctx, src, 0, "a", 600))

	h.requireLocalOnly(t, "a")
	require.Equal(t, int64(400), h.cache.RemainingSpace())
	h.requireCapacityInvariant(t)
}

func TestUploadBypassesWhenFull(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	require.NoError(t, h.cache.Upload(ctx, writeSource(t, make([]byte, 600)), 0, "a", 600))
	require.NoError(t, h.cache.Upload(ctx, writeSource(t, make([]byte, 500)), 0, "b", 500))

	// b does not fit into the remaining 400 bytes and goes straight to
	// the object store. No eviction on the upload path.
	h.requireLocalOnly(t, "a")
	h.requireRemoteOnly(t, "b")
	require.Equal(t, int64(400), h.cache.RemainingSpace())

	// Reading a is a pure cache hit.
	target := targetPath(t)
	require.NoError(t, h.cache.Download(ctx, target, "a"))
	require.Equal(t, int64(400), h.cache.RemainingSpace())
	h.requireCapacityInvariant(t)
}

func TestUploadExistingKeyRefreshes(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	src := writeSource(t, make([]byte, 300))
	require.NoError(t, h.cache.Upload(ctx, src, 0, "a", 300))
	remaining := h.cache.RemainingSpace()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, h.cache.segments.stamp(h.cache.segments.PathFor("a"), old))

	require.NoError(t, h.cache.Upload(ctx, src, 0, "a", 300))
	require.Equal(t, remaining, h.cache.RemainingSpace())

	ts, err := h.cache.segments.Timestamp("a")
	require.NoError(t, err)
	require.True(t, ts.After(old))
	h.requireCapacityInvariant(t)
}

func TestDownloadAdmitsRemoteSegment(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x5A}, 500)
	h.seedRemote(t, "b", data)

	target := targetPath(t)
	require.NoError(t, h.cache.Download(ctx, target, "b"))

	// Admission succeeded: the remote copy is redundant and dropped.
	h.requireLocalOnly(t, "b")
	require.Equal(t, int64(500), h.cache.RemainingSpace())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, data, got)
	h.requireCapacityInvariant(t)
}

func TestDownloadEvictsForAdmission(t *testing.T) {
	h := newTestCache(t, 100)
	ctx := context.Background()

	h.seedLocal(t, "a", bytes.Repeat([]byte{0x01}, 60), time.Now().Add(-time.Hour))
	h.seedRemote(t, "b", bytes.Repeat([]byte{0x02}, 80))
	h.refs["a"] = 0
	h.refs["b"] = 1

	target := targetPath(t)
	require.NoError(t, h.cache.Download(ctx, target, "b"))

	// a moved out to make room, b moved in.
	h.requireRemoteOnly(t, "a")
	h.requireLocalOnly(t, "b")
	require.Equal(t, int64(20), h.cache.RemainingSpace())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0x02}, 80), got)
	h.requireCapacityInvariant(t)
}

func TestDownloadServesWithoutCachingWhenCannotEvict(t *testing.T) {
	h := newTestCache(t, 50)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x07}, 80)
	h.seedRemote(t, "a", data)

	target := targetPath(t)
	require.NoError(t, h.cache.Download(ctx, target, "a"))

	// Nothing could be evicted, so the segment was served once and
	// discarded; the remote copy remains the system of record.
	h.requireRemoteOnly(t, "a")
	require.Equal(t, int64(50), h.cache.RemainingSpace())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, data, got)
	h.requireCapacityInvariant(t)
}

func TestDownloadDeliversDespiteEvictionScanError(t *testing.T) {
	h := newTestCache(t, 100)
	ctx := context.Background()

	h.seedLocal(t, "other", make([]byte, 60), time.Now().Add(-time.Hour))

	data := bytes.Repeat([]byte{0x09}, 80)
	h.seedRemote(t, "b", data)

	ledgerErr := errors.New("ledger unavailable")
	h.cache.refs = failingRefs{err: ledgerErr}

	target := targetPath(t)
	err := h.cache.Download(ctx, target, "b")
	require.ErrorIs(t, err, ledgerErr)

	// The fetch already succeeded: the caller still gets their bytes
	// and the admission stays applied.
	got, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	require.Equal(t, data, got)
	require.True(t, h.cache.segments.Exists("b"))
	require.Equal(t, int64(-40), h.cache.RemainingSpace())

	// The remote copy is only dropped once an admission completes.
	exists, existsErr := h.remote.Exists(ctx, "b")
	require.NoError(t, existsErr)
	require.True(t, exists)
	require.True(t, h.cache.segments.Exists("other"))
}

func TestCacheCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	requireXattrSupport(t, dir)

	remote := blobstore.NewMemory("test")
	cache, err := Open(Options{
		CacheDir: dir,
		Capacity: 100,
		Remote:   remote,
		Refs:     mapRefs{},
		Codec:    rawCodec{},
	})
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
}

func TestDownloadMissingEverywhere(t *testing.T) {
	h := newTestCache(t, 100)
	err := h.cache.Download(context.Background(), targetPath(t), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(100), h.cache.RemainingSpace())
}

func TestDownloadHitRefreshesStamp(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	h.seedLocal(t, "a", []byte("cached bytes"), old)

	require.NoError(t, h.cache.Download(ctx, targetPath(t), "a"))

	ts, err := h.cache.segments.Timestamp("a")
	require.NoError(t, err)
	require.True(t, ts.After(old))
}

func TestRemoveLocal(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	require.NoError(t, h.cache.Upload(ctx, writeSource(t, make([]byte, 400)), 0, "a", 400))
	require.Equal(t, int64(600), h.cache.RemainingSpace())

	require.NoError(t, h.cache.Remove(ctx, "a"))
	require.False(t, h.cache.segments.Exists("a"))
	require.Equal(t, int64(1000), h.cache.RemainingSpace())
	h.requireCapacityInvariant(t)
}

func TestRemoveRemoteOnly(t *testing.T) {
	h := newTestCache(t, 1000)
	ctx := context.Background()

	h.seedRemote(t, "a", make([]byte, 200))

	require.NoError(t, h.cache.Remove(ctx, "a"))

	exists, err := h.remote.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, exists)
	// Remote removal never touches local accounting.
	require.Equal(t, int64(1000), h.cache.RemainingSpace())
	h.requireCapacityInvariant(t)
}

func TestWarmBootScan(t *testing.T) {
	dir := t.TempDir()
	requireXattrSupport(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "warm1"), make([]byte, 300), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "warm2"), make([]byte, 200), 0o644))

	remote := blobstore.NewMemory("test")
	t.Cleanup(func() { _ = remote.Close() })

	cache, err := Open(Options{
		CacheDir:    dir,
		Capacity:    1000,
		UsedAtStart: -1,
		Remote:      remote,
		Refs:        mapRefs{},
		Codec:       rawCodec{},
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), cache.RemainingSpace())
}

func TestOpenRequiresCollaborators(t *testing.T) {
	_, err := Open(Options{CacheDir: t.TempDir(), Refs: mapRefs{}})
	require.Error(t, err)

	_, err = Open(Options{CacheDir: t.TempDir(), Remote: blobstore.NewMemory("test")})
	require.Error(t, err)
}
