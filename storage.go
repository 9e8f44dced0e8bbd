package sboxd

import (
	"context"
	"errors"
	"os"
)

// StorageEngine is the filesystem contract every backend resolves a drive
// to. Paths are relative to the engine root and use forward slashes.
type StorageEngine interface {
	// Stat returns metadata about a file or directory.
	Stat(ctx context.Context, path string) (*EntryInfo, error)

	// Open opens a file for reading.
	Open(ctx context.Context, path string) (ReadSeekCloser, error)

	// Create creates or overwrites a file for writing, creating parents.
	Create(ctx context.Context, path string) (WriteCloser, error)

	// Remove deletes a file or directory (and all children).
	Remove(ctx context.Context, path string) error

	// Rename moves or renames a file or directory within the engine.
	Rename(ctx context.Context, oldPath, newPath string) error

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(ctx context.Context, path string) error

	// ReadDir returns the contents of a directory.
	ReadDir(ctx context.Context, path string) ([]*EntryInfo, error)
}

// Exists reports whether path exists on engine. Errors other than
// not-exist are treated as existing so callers never overwrite blindly.
func Exists(ctx context.Context, engine StorageEngine, path string) bool {
	_, err := engine.Stat(ctx, path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// TypeOf classifies path on engine.
func TypeOf(ctx context.Context, engine StorageEngine, path string) FileType {
	info, err := engine.Stat(ctx, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return FileTypeUnavailable
	case err != nil:
		return FileTypeUnknown
	case info.IsDir:
		return FileTypeDirectory
	case info.Mode&os.ModeSymlink != 0:
		return FileTypeSymlink
	case info.Mode.IsRegular():
		return FileTypeRegular
	default:
		return FileTypeUnknown
	}
}
