package sboxd

import (
	"context"
)

// Copier supports file/directory copy inside one engine. Some backends
// implement this as a server-side operation.
type Copier interface {
	Copy(ctx context.Context, src, dst string) error
}

// SpaceReporter reports capacity for the volume holding path.
type SpaceReporter interface {
	Space(ctx context.Context, path string) (*SpaceInfo, error)
}

// PermissionReporter reports the write permission bits of path.
// Engines without a permission model (cloud remotes) omit it and are
// treated as writable.
type PermissionReporter interface {
	Permissions(ctx context.Context, path string) (*Permissions, error)
}

// SpaceOf returns the engine's space report, or ErrNotSupported.
func SpaceOf(ctx context.Context, engine StorageEngine, path string) (*SpaceInfo, error) {
	sr, ok := engine.(SpaceReporter)
	if !ok {
		return nil, ErrNotSupported
	}
	return sr.Space(ctx, path)
}

// PermissionsOf returns the permission bits of path, defaulting to
// owner-writable for engines without a permission model.
func PermissionsOf(ctx context.Context, engine StorageEngine, path string) (*Permissions, error) {
	pr, ok := engine.(PermissionReporter)
	if !ok {
		return &Permissions{OwnerWrite: true}, nil
	}
	return pr.Permissions(ctx, path)
}
