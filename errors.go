package tiercache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a segment is absent from the location the
	// operation required it in.
	ErrNotFound = errors.New("segment not found")

	// ErrCannotEvict reports that the eviction scan exhausted its
	// candidate set without restoring non-negative capacity.
	ErrCannotEvict = errors.New("cannot evict any segments")
)

// RemoteError wraps an object-store failure with the operation and the
// segment key it was issued for.
type RemoteError struct {
	Op  string
	Key string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
