// Package blobstore is the object-store client of the cache tier. It
// wraps a gocloud.dev bucket behind a segment-oriented surface: put,
// get, and delete of compressed segment files identified by key, with
// explicit byte sources and sinks (local files) instead of ambient
// callback state.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound reports that no object exists under the requested key.
var ErrNotFound = errors.New("object not found")

// Store is a prefix-scoped view of a bucket holding compressed
// segments.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owns   bool
}

// Open opens a bucket by URL (s3://, gs://, azblob://, file://, mem://
// depending on the drivers linked in) and scopes it under prefix.
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   true,
	}, nil
}

// New wraps an existing bucket without taking ownership of it.
func New(bkt *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   false,
	}
}

func (s *Store) Close() error {
	if s.owns && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *Store) Prefix() string {
	return s.prefix
}

// SegmentPath maps a segment key to its object key.
func (s *Store) SegmentPath(key string) string {
	if s.prefix == "" {
		return path.Join("segments", key)
	}
	return path.Join(s.prefix, "segments", key)
}

func (s *Store) segmentPrefix() string {
	if s.prefix == "" {
		return "segments/"
	}
	return s.prefix + "/segments/"
}

// Upload streams the file at localPath into the bucket under key.
func (s *Store) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(ctx, s.SegmentPath(key), &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return s.mapError(err)
	}

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return s.mapError(w.Close())
}

// Download streams the object under key into a new file at localPath.
// A failed transfer leaves no file behind.
func (s *Store) Download(ctx context.Context, key, localPath string) error {
	r, err := s.bucket.NewReader(ctx, s.SegmentPath(key), nil)
	if err != nil {
		return s.mapError(err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(localPath)
		return err
	}
	return nil
}

// Exists reports whether an object is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.SegmentPath(key))
}

// Size reports the stored size of the object under key.
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	attr, err := s.bucket.Attributes(ctx, s.SegmentPath(key))
	if err != nil {
		return 0, s.mapError(err)
	}
	return attr.Size, nil
}

// Delete removes the object under key. Deleting an absent object is
// not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.SegmentPath(key))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Keys lists the segment keys currently stored.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	prefix := s.segmentPrefix()
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, prefix))
	}
	return keys, nil
}

func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ErrNotFound
	}
	return err
}
