package storage

import (
	"context"
	"errors"
	"io"
)

// ErrImmutableConflict is returned when a copy would overwrite an object
// with different bytes. Canonical and public objects are write-once per key.
var ErrImmutableConflict = errors.New("object exists with different content")

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Size int64
	MD5  string // hex
}

// BlobStorage defines the interface for archive storage
type BlobStorage interface {
	// Store saves content at the given path
	Store(ctx context.Context, path string, content io.Reader, contentType string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// Info returns size and MD5 of the object at the given path
	Info(ctx context.Context, path string) (*ObjectInfo, error)

	// Copy duplicates src to dst. Copying over an existing dst with
	// different content fails with ErrImmutableConflict; a byte-identical
	// dst is a no-op.
	Copy(ctx context.Context, src, dst string) error

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)
}
