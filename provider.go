package sboxd

import (
	"context"
	"sort"
	"sync"
)

// InternalDriveID names the built-in drive of the internal backend. It is
// never registered and needs no authorization.
const InternalDriveID = "INTERNAL_STORAGE"

// Provider is one backend: it admits requests into its own dispatcher and
// resolves drive handles it owns for cross-backend transfers.
type Provider interface {
	// Name returns the storage type this provider serves.
	Name() string

	// Enqueue admits req without blocking. After Shutdown it completes
	// req with an internal error and returns ErrClosed.
	Enqueue(req *Request) error

	// Locate authorizes driveID for sessionID and resolves it to a drive.
	Locate(ctx context.Context, driveID, sessionID string) (*Drive, error)

	// Shutdown stops admission and drains queued and in-flight requests.
	Shutdown(ctx context.Context) error
}

// Locator resolves a drive of any backend. The service implements it so
// a provider can reach the other side of a cross-backend copy.
type Locator interface {
	Locate(ctx context.Context, storageType, driveID, sessionID string) (*Drive, error)
}

// Drive is an authorized drive resolved to its engine.
type Drive struct {
	StorageType string
	DriveID     string
	Engine      StorageEngine
	ReadOnly    bool

	// Lock serializes this drive against exclusive operations (eject,
	// format). Nil means the drive has no lock.
	Lock *sync.RWMutex
}

// Key orders drives globally for lock acquisition.
func (d *Drive) Key() string { return d.StorageType + "/" + d.DriveID }

// LockShared read-locks every distinct drive in canonical Key order and
// returns the matching unlock.
func LockShared(drives ...*Drive) (unlock func()) {
	sorted := make([]*Drive, 0, len(drives))
	seen := make(map[*sync.RWMutex]bool)
	for _, d := range drives {
		if d == nil || d.Lock == nil || seen[d.Lock] {
			continue
		}
		seen[d.Lock] = true
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })
	for _, d := range sorted {
		d.Lock.RLock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].Lock.RUnlock()
		}
	}
}

// StorageInfo is one entry of a ListStorages reply.
type StorageInfo struct {
	StorageType string
	DriveID     string
	DriveName   string
	Extra       map[string]any
}

// Fields renders the entry for a reply.
func (s StorageInfo) Fields() map[string]any {
	fields := map[string]any{
		"storageType": s.StorageType,
		"driveId":     s.DriveID,
		"driveName":   s.DriveName,
	}
	for k, v := range s.Extra {
		fields[k] = v
	}
	return fields
}
