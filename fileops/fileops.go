// Package fileops implements the file operations every backend shares
// once a drive handle has been resolved to a storage engine.
package fileops

import (
	"context"
	"errors"
	"os"
	"path"
	"sort"
	"time"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/dispatch"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/internal/metrics"
	"github.com/nuln/sboxd/progress"
)

// LocateFunc authorizes a drive of any backend for sessionID and
// resolves it.
type LocateFunc func(ctx context.Context, storageType, driveID, sessionID string) (*sboxd.Drive, error)

// Ops carries what the shared handlers need from their backend.
type Ops struct {
	Backend string
	Locate  LocateFunc

	// ProgressInterval is the copy/move polling interval. Zero means one
	// second.
	ProgressInterval time.Duration

	// Translate maps engine errors for copy/move terminal replies.
	Translate func(error) *sboxd.Error

	Metrics *metrics.Metrics
}

// Handlers returns the handler table entries for the shared operations.
func (o *Ops) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		sboxd.OpList:          o.List,
		sboxd.OpGetProperties: o.GetProperties,
		sboxd.OpCopy:          o.Copy,
		sboxd.OpMove:          o.Move,
		sboxd.OpRemove:        o.Remove,
		sboxd.OpRename:        o.Rename,
	}
}

func (o *Ops) locate(ctx context.Context, storageType, driveID, sessionID string) (*sboxd.Drive, error) {
	if o.Locate == nil {
		return nil, sboxd.Errorf(sboxd.CodeInternal, "%s has no drive locator", o.Backend)
	}
	return o.Locate(ctx, storageType, driveID, sessionID)
}

func (o *Ops) interval() time.Duration {
	if o.ProgressInterval <= 0 {
		return time.Second
	}
	return o.ProgressInterval
}

// stat wraps not-exist errors in code so source and destination failures
// stay distinguishable.
func stat(ctx context.Context, engine sboxd.StorageEngine, p string, code int) (*sboxd.EntryInfo, error) {
	info, err := engine.Stat(ctx, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, sboxd.Wrap(code, err)
	}
	return info, err
}

// List replies with one page of a directory's entries sorted by name,
// and the directory's total entry count.
func (o *Ops) List(ctx context.Context, req *sboxd.Request) error {
	var p ListParams
	if err := Decode(req.Params, &p); err != nil {
		return err
	}
	dir, err := CleanPath(p.Path, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	drive, err := o.locate(ctx, p.StorageType, p.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	unlock := sboxd.LockShared(drive)
	defer unlock()

	info, err := stat(ctx, drive.Engine, dir, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	if !info.IsDir {
		return sboxd.Errorf(sboxd.CodeInvalidSourcePath, "%s is not a directory", describe(drive, dir))
	}
	entries, err := drive.Engine.ReadDir(ctx, dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	total := len(entries)
	start := min(p.Offset, total)
	end := total
	if p.Limit > 0 {
		end = min(start+p.Limit, total)
	}

	files := make([]map[string]any, 0, end-start)
	for _, e := range entries[start:end] {
		files = append(files, e.Fields())
	}
	req.Complete(sboxd.Success(map[string]any{
		"files":      files,
		"totalCount": total,
	}))
	return nil
}

// GetProperties replies with the drive's space and writability, plus the
// entry's own attributes when a path is given.
func (o *Ops) GetProperties(ctx context.Context, req *sboxd.Request) error {
	var p PathParams
	if err := Decode(req.Params, &p); err != nil {
		return err
	}
	rel, err := CleanPath(p.Path, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	drive, err := o.locate(ctx, p.StorageType, p.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	unlock := sboxd.LockShared(drive)
	defer unlock()

	fields, err := Properties(ctx, drive, rel)
	if err != nil {
		return err
	}
	req.Complete(sboxd.Success(fields))
	return nil
}

// Properties gathers the GetProperties fields of rel on drive.
func Properties(ctx context.Context, drive *sboxd.Drive, rel string) (map[string]any, error) {
	info, err := stat(ctx, drive.Engine, rel, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"storageType": drive.StorageType,
		"driveId":     drive.DriveID,
	}

	space, err := sboxd.SpaceOf(ctx, drive.Engine, rel)
	switch {
	case err == nil:
		fields["totalSpace"] = space.Capacity
		fields["freeSpace"] = space.Available
	case !errors.Is(err, sboxd.ErrNotSupported):
		return nil, err
	}

	perms, err := sboxd.PermissionsOf(ctx, drive.Engine, rel)
	if err != nil {
		return nil, err
	}
	writable := !drive.ReadOnly && perms.Writable()
	fields["writable"] = writable
	fields["deletable"] = writable && rel != ""

	if rel != "" {
		size := info.Size
		if info.IsDir {
			if size, err = sboxd.Size(ctx, drive.Engine, rel); err != nil {
				return nil, err
			}
		}
		fields["name"] = info.Name
		fields["isDir"] = info.IsDir
		fields["size"] = size
		fields["lastModified"] = info.ModTime.UTC().Format(time.RFC3339)
	}
	return fields, nil
}

// Copy copies between any two drives the session can access, reporting
// progress until the terminal reply.
func (o *Ops) Copy(ctx context.Context, req *sboxd.Request) error {
	return o.transfer(ctx, req, false)
}

// Move is Copy followed by removal of the source.
func (o *Ops) Move(ctx context.Context, req *sboxd.Request) error {
	return o.transfer(ctx, req, true)
}

func (o *Ops) transfer(ctx context.Context, req *sboxd.Request, move bool) error {
	var p TransferParams
	if err := Decode(req.Params, &p); err != nil {
		return err
	}
	if p.SrcDriveID == p.DestDriveID && p.SrcStorageType != p.DestStorageType {
		return sboxd.NewError(sboxd.CodeNotSupported, "Transfers between storage types of one account are not supported")
	}
	srcPath, err := CleanPath(p.SrcPath, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	dstPath, err := CleanPath(p.DestPath, sboxd.CodeInvalidDestinationPath)
	if err != nil {
		return err
	}
	if dstPath == "" {
		return sboxd.NewError(sboxd.CodeInvalidDestinationPath, "Destination cannot be the drive root")
	}
	if move && srcPath == "" {
		return sboxd.NewError(sboxd.CodeInvalidSourcePath, "Cannot move the drive root")
	}

	// Both sides authorize for the caller's session before any I/O.
	src, err := o.locate(ctx, p.SrcStorageType, p.SrcDriveID, req.SessionID)
	if err != nil {
		return err
	}
	dst, err := o.locate(ctx, p.DestStorageType, p.DestDriveID, req.SessionID)
	if err != nil {
		return err
	}
	if dst.ReadOnly || (move && src.ReadOnly) {
		return sboxd.NewError(sboxd.CodePermissionDenied, "")
	}

	unlock := sboxd.LockShared(src, dst)
	defer unlock()

	if _, err := stat(ctx, src.Engine, srcPath, sboxd.CodeInvalidSourcePath); err != nil {
		return err
	}
	if src.Key() == dst.Key() {
		if within(srcPath, dstPath) {
			return sboxd.NewError(sboxd.CodeInvalidDestinationPath, "Destination is inside the source")
		}
		if within(dstPath, srcPath) {
			return sboxd.NewError(sboxd.CodeInvalidDestinationPath, "Destination contains the source")
		}
	}
	var backup string
	if sboxd.Exists(ctx, dst.Engine, dstPath) {
		if !p.Overwrite {
			return sboxd.NewError(sboxd.CodeFileAlreadyExists, "")
		}
		if backup, err = progress.SetAside(ctx, dst.Engine, dstPath); err != nil {
			return sboxd.Wrap(sboxd.CodeInvalidDestinationPath, err)
		}
	}

	logger.Debug("Transfer started",
		logger.KeyBackend, o.Backend,
		logger.KeyOperation, req.Operation.String(),
		logger.KeySrcPath, describe(src, srcPath),
		logger.KeyDestPath, describe(dst, dstPath))

	res, err := progress.Run(ctx, req, progress.Job{
		Src:     src.Engine,
		SrcPath: srcPath,
		Dst:     dst.Engine,
		DstPath: dstPath,
		Move:    move,
		Backup:  backup,
	}, o.interval(), o.Translate)
	if err != nil {
		// The job never started, so the overwritten entry is still aside.
		if backup != "" {
			if rbErr := dst.Engine.Rename(context.WithoutCancel(ctx), backup, dstPath); rbErr != nil {
				logger.Error("Failed to restore overwritten entry",
					logger.KeyDestPath, describe(dst, dstPath),
					logger.KeyError, rbErr)
			}
		}
		return err
	}
	if res.Status == progress.StatusDone {
		o.Metrics.Transferred(o.Backend, req.Operation.String(), res.Bytes)
	}
	return nil
}

// Remove deletes a file or a directory tree.
func (o *Ops) Remove(ctx context.Context, req *sboxd.Request) error {
	var p PathParams
	if err := Decode(req.Params, &p); err != nil {
		return err
	}
	rel, err := CleanPath(p.Path, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	if rel == "" {
		return sboxd.NewError(sboxd.CodeInvalidSourcePath, "Cannot remove the drive root")
	}
	drive, err := o.locate(ctx, p.StorageType, p.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	if drive.ReadOnly {
		return sboxd.NewError(sboxd.CodePermissionDenied, "")
	}
	unlock := sboxd.LockShared(drive)
	defer unlock()

	if _, err := stat(ctx, drive.Engine, rel, sboxd.CodeInvalidSourcePath); err != nil {
		return err
	}
	if err := drive.Engine.Remove(ctx, rel); err != nil {
		return err
	}
	req.Complete(sboxd.Success(nil))
	return nil
}

// Rename gives an entry a new name in the same directory.
func (o *Ops) Rename(ctx context.Context, req *sboxd.Request) error {
	var p RenameParams
	if err := Decode(req.Params, &p); err != nil {
		return err
	}
	if err := ValidName(p.NewName); err != nil {
		return err
	}
	rel, err := CleanPath(p.Path, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	if rel == "" {
		return sboxd.NewError(sboxd.CodeInvalidSourcePath, "Cannot rename the drive root")
	}
	drive, err := o.locate(ctx, p.StorageType, p.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	if drive.ReadOnly {
		return sboxd.NewError(sboxd.CodePermissionDenied, "")
	}
	unlock := sboxd.LockShared(drive)
	defer unlock()

	if _, err := stat(ctx, drive.Engine, rel, sboxd.CodeInvalidSourcePath); err != nil {
		return err
	}
	target := path.Join(path.Dir(rel), p.NewName)
	if target != rel {
		if sboxd.Exists(ctx, drive.Engine, target) {
			return sboxd.NewError(sboxd.CodeFileAlreadyExists, "")
		}
		if err := drive.Engine.Rename(ctx, rel, target); err != nil {
			return err
		}
	}
	req.Complete(sboxd.Success(map[string]any{"path": target}))
	return nil
}

// Route resolves drives of backend through own and every other storage
// type through loc. A nil loc limits the backend to its own drives.
func Route(backend string, own func(ctx context.Context, driveID, sessionID string) (*sboxd.Drive, error), loc sboxd.Locator) LocateFunc {
	return func(ctx context.Context, storageType, driveID, sessionID string) (*sboxd.Drive, error) {
		if storageType == backend {
			return own(ctx, driveID, sessionID)
		}
		if loc == nil {
			return nil, sboxd.Errorf(sboxd.CodeNotSupported, "storage type %q is not reachable from %s", storageType, backend)
		}
		return loc.Locate(ctx, storageType, driveID, sessionID)
	}
}
