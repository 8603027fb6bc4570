package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "gocloud.dev/blob/fileblob"
)

// NewFile creates a segment store rooted in a local directory, for
// tests and single-host setups where the "remote" tier is another
// disk.
func NewFile(ctx context.Context, dir, prefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path %s: %w", dir, err)
	}

	return Open(ctx, "file://"+absDir, prefix)
}

// NewFileTemp creates a file-backed segment store in a fresh temp
// directory and returns the directory for cleanup.
func NewFileTemp(prefix string) (*Store, string, error) {
	dir, err := os.MkdirTemp("", "tiercache-*")
	if err != nil {
		return nil, "", fmt.Errorf("create temp dir: %w", err)
	}

	store, err := NewFile(context.Background(), dir, prefix)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}

	return store, dir, nil
}
