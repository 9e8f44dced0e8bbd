// Package local is the afero-backed StorageEngine for mounted filesystems:
// the internal storage root, USB mount points and Samba mounts.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/nuln/sboxd"
)

// StatfsFunc reports filesystem statistics for a host path.
type StatfsFunc func(path string, buf *unix.Statfs_t) error

// Engine implements sboxd.StorageEngine over an afero.Fs rooted at a
// host directory.
type Engine struct {
	fs     afero.Fs
	root   string
	statfs StatfsFunc
}

// New creates an Engine rooted at root, creating the directory if needed.
func New(root string) (*Engine, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0750); err != nil {
		return nil, err
	}
	return &Engine{
		fs:     afero.NewBasePathFs(afero.NewOsFs(), absRoot),
		root:   absRoot,
		statfs: unix.Statfs,
	}, nil
}

// NewWithFs creates an Engine backed by a custom afero.Fs. Space reports
// go through statfs with root as the host path; tests pass a fake.
func NewWithFs(fs afero.Fs, root string, statfs StatfsFunc) *Engine {
	if root == "" {
		root = "."
	}
	return &Engine{fs: fs, root: root, statfs: statfs}
}

// Root returns the host directory the engine is rooted at.
func (e *Engine) Root() string { return e.root }

func (e *Engine) Stat(ctx context.Context, path string) (*sboxd.EntryInfo, error) {
	info, err := e.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	return &sboxd.EntryInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
		IsDir:   info.IsDir(),
		Path:    path,
	}, nil
}

func (e *Engine) Open(ctx context.Context, path string) (sboxd.ReadSeekCloser, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (e *Engine) Create(ctx context.Context, path string) (sboxd.WriteCloser, error) {
	if err := e.fs.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	return e.fs.Create(path)
}

func (e *Engine) Remove(ctx context.Context, path string) error {
	if _, err := e.fs.Stat(path); err != nil {
		return err
	}
	return e.fs.RemoveAll(path)
}

func (e *Engine) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := e.fs.MkdirAll(filepath.Dir(newPath), 0750); err != nil {
		return err
	}
	return e.fs.Rename(oldPath, newPath)
}

func (e *Engine) MkdirAll(ctx context.Context, path string) error {
	return e.fs.MkdirAll(path, 0750)
}

func (e *Engine) ReadDir(ctx context.Context, path string) ([]*sboxd.EntryInfo, error) {
	infos, err := afero.ReadDir(e.fs, path)
	if err != nil {
		return nil, err
	}

	result := make([]*sboxd.EntryInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, &sboxd.EntryInfo{
			Name:    info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
			IsDir:   info.IsDir(),
			Path:    filepath.ToSlash(filepath.Join(path, info.Name())),
		})
	}
	return result, nil
}

// === Extension: Copier ===

func (e *Engine) Copy(ctx context.Context, src, dst string) error {
	srcInfo, err := e.fs.Stat(src)
	if err != nil {
		return err
	}
	if srcInfo.IsDir() {
		return e.copyDir(ctx, src, dst)
	}
	return e.copyFile(ctx, src, dst)
}

func (e *Engine) copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.fs.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	sf, err := e.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = sf.Close() }()

	df, err := e.fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(df, sf); err != nil {
		_ = df.Close()
		return err
	}
	return df.Close()
}

func (e *Engine) copyDir(ctx context.Context, src, dst string) error {
	if err := e.fs.MkdirAll(dst, 0750); err != nil {
		return err
	}
	entries, err := afero.ReadDir(e.fs, src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			err = e.copyDir(ctx, srcPath, dstPath)
		} else {
			err = e.copyFile(ctx, srcPath, dstPath)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// === Extension: SpaceReporter ===

func (e *Engine) Space(ctx context.Context, path string) (*sboxd.SpaceInfo, error) {
	if e.statfs == nil {
		return nil, sboxd.ErrNotSupported
	}
	var st unix.Statfs_t
	if err := e.statfs(filepath.Join(e.root, path), &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return &sboxd.SpaceInfo{
		Capacity:  st.Blocks * bsize,
		Free:      st.Bfree * bsize,
		Available: st.Bavail * bsize,
	}, nil
}

// === Extension: PermissionReporter ===

func (e *Engine) Permissions(ctx context.Context, path string) (*sboxd.Permissions, error) {
	info, err := e.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	mode := info.Mode().Perm()
	return &sboxd.Permissions{
		OwnerWrite: mode&0o200 != 0,
		GroupWrite: mode&0o020 != 0,
	}, nil
}

// Compile-time interface checks.
var (
	_ sboxd.StorageEngine      = (*Engine)(nil)
	_ sboxd.Copier             = (*Engine)(nil)
	_ sboxd.SpaceReporter      = (*Engine)(nil)
	_ sboxd.PermissionReporter = (*Engine)(nil)
)
