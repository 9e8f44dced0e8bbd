package sboxd

import (
	"context"
	"errors"
	"io"
	"path"
)

// Transfer copies srcPath on src to dstPath on dst, recursing into
// directories. Within a single engine that implements Copier the engine's
// own copy is used unless it reports ErrNotSupported; otherwise bytes are
// streamed through the daemon.
func Transfer(ctx context.Context, src StorageEngine, srcPath string, dst StorageEngine, dstPath string) error {
	if c, ok := src.(Copier); ok && src == dst {
		err := c.Copy(ctx, srcPath, dstPath)
		if !errors.Is(err, ErrNotSupported) {
			return err
		}
	}
	info, err := src.Stat(ctx, srcPath)
	if err != nil {
		return err
	}
	if info.IsDir {
		return transferDir(ctx, src, srcPath, dst, dstPath)
	}
	return transferFile(ctx, src, srcPath, dst, dstPath)
}

func transferDir(ctx context.Context, src StorageEngine, srcPath string, dst StorageEngine, dstPath string) error {
	if err := dst.MkdirAll(ctx, dstPath); err != nil {
		return err
	}
	entries, err := src.ReadDir(ctx, srcPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		s := path.Join(srcPath, entry.Name)
		d := path.Join(dstPath, entry.Name)
		if entry.IsDir {
			err = transferDir(ctx, src, s, dst, d)
		} else {
			err = transferFile(ctx, src, s, dst, d)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func transferFile(ctx context.Context, src StorageEngine, srcPath string, dst StorageEngine, dstPath string) error {
	r, err := src.Open(ctx, srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	w, err := dst.Create(ctx, dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
