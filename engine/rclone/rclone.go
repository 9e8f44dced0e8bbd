// Package rclone adapts any rclone remote to sboxd.StorageEngine. The
// cloud driver uses it with the "drive" backend.
package rclone

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/operations"

	"github.com/nuln/sboxd"
)

// Engine implements sboxd.StorageEngine using rclone's fs.Fs.
type Engine struct {
	remote fs.Fs
}

// New creates an Engine from a remote path, e.g. "gdrive:backup" or a
// connection string such as ":drive,client_id='...':".
func New(ctx context.Context, remotePath string) (*Engine, error) {
	remote, err := fs.NewFs(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	return &Engine{remote: remote}, nil
}

// NewFromFs wraps an already constructed remote.
func NewFromFs(remote fs.Fs) *Engine {
	return &Engine{remote: remote}
}

// Remote returns the underlying rclone filesystem.
func (e *Engine) Remote() fs.Fs { return e.remote }

func (e *Engine) Stat(ctx context.Context, p string) (*sboxd.EntryInfo, error) {
	obj, err := e.remote.NewObject(ctx, p)
	if err != nil {
		// Might be a directory
		if _, errDir := e.remote.List(ctx, p); errDir == nil {
			return &sboxd.EntryInfo{
				Name:  path.Base(p),
				Path:  p,
				Mode:  os.ModeDir | 0o755,
				IsDir: true,
			}, nil
		}
		return nil, convertError(err)
	}

	return &sboxd.EntryInfo{
		Name:    path.Base(obj.Remote()),
		Path:    p,
		Size:    obj.Size(),
		ModTime: obj.ModTime(ctx),
		Mode:    0o644,
	}, nil
}

func (e *Engine) Open(ctx context.Context, p string) (sboxd.ReadSeekCloser, error) {
	obj, err := e.remote.NewObject(ctx, p)
	if err != nil {
		return nil, convertError(err)
	}

	// Rclone objects don't natively support Seek. Download to a temp file.
	tmp, err := os.CreateTemp("", "sboxd-rclone-*")
	if err != nil {
		return nil, err
	}

	rc, err := obj.Open(ctx)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, convertError(err)
	}

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = rc.Close()
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	_ = rc.Close()

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	return &tempFileReader{File: tmp}, nil
}

// tempFileReader wraps an os.File and deletes it on Close.
type tempFileReader struct {
	*os.File
}

func (t *tempFileReader) Close() error {
	name := t.File.Name()
	err := t.File.Close()
	_ = os.Remove(name)
	return err
}

func (e *Engine) Create(ctx context.Context, p string) (sboxd.WriteCloser, error) {
	return &rcloneWriter{
		engine: e,
		path:   p,
		ctx:    ctx,
	}, nil
}

// rcloneWriter buffers writes and uploads them on Close.
type rcloneWriter struct {
	engine *Engine
	path   string
	ctx    context.Context
	buf    bytes.Buffer
}

func (w *rcloneWriter) Write(p []byte) (n int, err error) {
	return w.buf.Write(p)
}

func (w *rcloneWriter) Close() error {
	rc := io.NopCloser(bytes.NewReader(w.buf.Bytes()))
	_, err := operations.Rcat(w.ctx, w.engine.remote, w.path, rc, time.Now(), nil)
	return convertError(err)
}

func (e *Engine) Remove(ctx context.Context, p string) error {
	obj, err := e.remote.NewObject(ctx, p)
	if err != nil {
		// Try as directory
		return convertError(operations.Purge(ctx, e.remote, p))
	}
	return convertError(obj.Remove(ctx))
}

func (e *Engine) Rename(ctx context.Context, oldPath, newPath string) error {
	info, err := e.Stat(ctx, oldPath)
	if err != nil {
		return err
	}
	if info.IsDir {
		return convertError(operations.DirMove(ctx, e.remote, oldPath, newPath))
	}
	return convertError(operations.MoveFile(ctx, e.remote, e.remote, newPath, oldPath))
}

func (e *Engine) MkdirAll(ctx context.Context, p string) error {
	return convertError(e.remote.Mkdir(ctx, p))
}

func (e *Engine) ReadDir(ctx context.Context, dirPath string) ([]*sboxd.EntryInfo, error) {
	entries, err := e.remote.List(ctx, dirPath)
	if err != nil {
		return nil, convertError(err)
	}

	result := make([]*sboxd.EntryInfo, 0, len(entries))
	for _, entry := range entries {
		name := path.Base(entry.Remote())
		info := &sboxd.EntryInfo{
			Name: name,
			Path: path.Join(dirPath, name),
		}
		if obj, ok := entry.(fs.Object); ok {
			info.Size = obj.Size()
			info.ModTime = obj.ModTime(ctx)
			info.Mode = 0o644
		} else {
			info.IsDir = true
			info.Mode = os.ModeDir | 0o755
			info.ModTime = entry.ModTime(ctx)
		}
		result = append(result, info)
	}
	return result, nil
}

// === Extension: Copier ===

// Copy copies a single object server-side where the remote allows it.
// Directories report ErrNotSupported so sboxd.Transfer walks them.
func (e *Engine) Copy(ctx context.Context, src, dst string) error {
	if _, err := e.remote.NewObject(ctx, src); err != nil {
		if errors.Is(err, fs.ErrorIsDir) || errors.Is(err, fs.ErrorObjectNotFound) {
			return sboxd.ErrNotSupported
		}
		return convertError(err)
	}
	return convertError(operations.CopyFile(ctx, e.remote, e.remote, dst, src))
}

// === Extension: SpaceReporter ===

func (e *Engine) Space(ctx context.Context, _ string) (*sboxd.SpaceInfo, error) {
	about := e.remote.Features().About
	if about == nil {
		return nil, sboxd.ErrNotSupported
	}
	usage, err := about(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	info := &sboxd.SpaceInfo{}
	if usage.Total != nil {
		info.Capacity = uint64(*usage.Total)
	}
	if usage.Free != nil {
		info.Free = uint64(*usage.Free)
	} else if usage.Total != nil && usage.Used != nil {
		info.Free = uint64(*usage.Total - *usage.Used)
	}
	info.Available = info.Free
	return info, nil
}

// Helpers

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrorObjectNotFound), errors.Is(err, fs.ErrorDirNotFound):
		return os.ErrNotExist
	case errors.Is(err, fs.ErrorDirExists):
		return os.ErrExist
	case errors.Is(err, fs.ErrorPermissionDenied):
		return os.ErrPermission
	case errors.Is(err, fs.ErrorCantCopy), errors.Is(err, fs.ErrorCantMove), errors.Is(err, fs.ErrorCantDirMove):
		return sboxd.ErrNotSupported
	}
	return err
}

// Compile-time interface checks.
var (
	_ sboxd.StorageEngine = (*Engine)(nil)
	_ sboxd.Copier        = (*Engine)(nil)
	_ sboxd.SpaceReporter = (*Engine)(nil)
)
