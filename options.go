package tiercache

import (
	"time"

	"github.com/chuyinsu/tiercache/blobstore"
)

const (
	// DefaultCapacity bounds the cache directory when Options.Capacity
	// is left zero.
	DefaultCapacity = 1 << 30

	// DefaultRemoteTimeout caps a single object-store transfer.
	DefaultRemoteTimeout = 2 * time.Minute
)

// RefCounter reports how many logical files reference a segment key.
// The deduplication layer owns the counts; the cache tier only reads
// them to order eviction.
type RefCounter interface {
	RefCount(key string) (uint64, error)
}

// Codec compresses a byte range of a source file into a target file
// and reverses it. Compressed size is the unit of capacity accounting.
type Codec interface {
	Compress(srcPath string, offset, length int64, dstPath string) (int64, error)
	Decompress(srcPath, dstPath string) error
}

type Options struct {
	// CacheDir is the local directory holding cached segments (required).
	CacheDir string

	// Capacity is the total local budget in bytes.
	Capacity int64

	// UsedAtStart is the space already consumed by a warm cache
	// directory at boot. Negative means derive it by scanning CacheDir.
	UsedAtStart int64

	// Remote is the object store holding remote-only segments (required).
	Remote *blobstore.Store

	// Refs is the reference-count ledger (required).
	Refs RefCounter

	// Codec compresses and decompresses segment bytes. Nil selects the
	// built-in zstd codec.
	Codec Codec

	// RemoteTimeout caps each object-store call.
	RemoteTimeout time.Duration

	// Metrics is optional instrumentation.
	Metrics *CacheMetrics
}

func DefaultOptions() Options {
	return Options{
		Capacity:      DefaultCapacity,
		UsedAtStart:   -1,
		RemoteTimeout: DefaultRemoteTimeout,
	}
}
