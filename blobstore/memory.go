package blobstore

import (
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

// NewMemory creates a segment store on a fresh in-memory bucket. Tests
// use it as the remote tier.
func NewMemory(prefix string) *Store {
	bkt := memblob.OpenBucket(nil)
	return &Store{
		bucket: bkt,
		prefix: prefix,
		owns:   true,
	}
}

// NewMemoryFromBucket scopes a segment store onto an existing memblob
// bucket, so several prefixes can share one bucket.
func NewMemoryFromBucket(bkt *blob.Bucket, prefix string) *Store {
	return New(bkt, prefix)
}
