package tiercache

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/xattr"
	"github.com/segmentio/ksuid"
)

// timestampAttr is the reserved metadata slot on every cached segment
// file: the last access time as big-endian nanoseconds since the Unix
// epoch.
const timestampAttr = "user.tiercache.atime"

// tempPrefix marks in-flight transfer files. They are invisible to
// List and the warm-boot scan and are never addressable by key.
const tempPrefix = ".in-"

// segmentStore maps content keys to files under the cache root and
// owns all local state for cached segments.
type segmentStore struct {
	root string
}

func newSegmentStore(root string) (*segmentStore, error) {
	if root == "" {
		return nil, errors.New("tiercache: cache directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &segmentStore{root: root}, nil
}

// PathFor maps a key to its cache file. Keys are hex digests upstream,
// so they are used as file names directly.
func (s *segmentStore) PathFor(key string) string {
	return filepath.Join(s.root, key)
}

// TempPath returns a unique path for an in-flight transfer on the same
// filesystem as the cache root, so Promote is an atomic rename.
func (s *segmentStore) TempPath() string {
	return filepath.Join(s.root, tempPrefix+ksuid.New().String())
}

// Exists reports local presence. A missing file is a valid false, not
// a fault.
func (s *segmentStore) Exists(key string) bool {
	_, err := os.Lstat(s.PathFor(key))
	return err == nil
}

// SizeOf reports the on-disk (compressed) size of a cached segment.
func (s *segmentStore) SizeOf(key string) (int64, error) {
	fi, err := os.Lstat(s.PathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Touch stamps the segment with the current wall-clock time. Called on
// every read or write of a cached entry; the stamp is the sole input
// to recency ordering.
func (s *segmentStore) Touch(key string) error {
	return s.stamp(s.PathFor(key), time.Now())
}

func (s *segmentStore) stamp(path string, t time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return xattr.LSet(path, timestampAttr, buf[:])
}

// Timestamp reads the access stamp of a cached segment.
func (s *segmentStore) Timestamp(key string) (time.Time, error) {
	buf, err := xattr.LGet(s.PathFor(key), timestampAttr)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if len(buf) != 8 {
		return time.Time{}, errors.New("tiercache: malformed access stamp")
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(buf))), nil
}

// Remove deletes a cached segment file.
func (s *segmentStore) Remove(key string) error {
	err := os.Remove(s.PathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Promote moves an in-flight temp file into place under key.
func (s *segmentStore) Promote(tempPath, key string) error {
	return os.Rename(tempPath, s.PathFor(key))
}

// segmentInfo describes one cached segment during an eviction or
// warm-boot scan.
type segmentInfo struct {
	key   string
	size  int64
	atime time.Time
}

// List scans the cache root for cached segments. Entries racing with a
// concurrent removal are skipped; entries without a readable stamp
// sort as oldest.
func (s *segmentStore) List() ([]segmentInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	infos := make([]segmentInfo, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || strings.HasPrefix(ent.Name(), tempPrefix) {
			continue
		}
		fi, err := ent.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		atime, err := s.Timestamp(ent.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			atime = time.Time{}
		}

		infos = append(infos, segmentInfo{
			key:   ent.Name(),
			size:  fi.Size(),
			atime: atime,
		})
	}
	return infos, nil
}
