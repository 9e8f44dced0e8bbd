package progress

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/internal/logger"
)

// Job describes one copy or move between two engines, possibly the same.
type Job struct {
	Src     sboxd.StorageEngine
	SrcPath string
	Dst     sboxd.StorageEngine
	DstPath string
	Move    bool

	// Backup is where SetAside put the entry being overwritten. It is
	// restored if the job fails and removed once it succeeds.
	Backup string
}

// Work returns the data-moving unit for the job.
func (j Job) Work() WorkFunc {
	work := CopyWork(j.Src, j.SrcPath, j.Dst, j.DstPath)
	if j.Move {
		work = MoveWork(j.Src, j.SrcPath, j.Dst, j.DstPath)
	}
	if j.Backup == "" {
		return work
	}
	return func(ctx context.Context) error {
		err := work(ctx)
		cleanup := context.WithoutCancel(ctx)
		// A failed copy leaves nothing at DstPath. Anything there is a
		// completed copy whose source could not be removed, and it wins.
		if err != nil && !sboxd.Exists(cleanup, j.Dst, j.DstPath) {
			if rbErr := j.Dst.Rename(cleanup, j.Backup, j.DstPath); rbErr != nil {
				logger.Error("Failed to restore overwritten entry",
					logger.KeyDestPath, j.DstPath,
					"backup", j.Backup,
					logger.KeyError, rbErr)
			}
			return err
		}
		if rmErr := j.Dst.Remove(cleanup, j.Backup); rmErr != nil {
			logger.Warn("Failed to remove overwritten entry",
				"backup", j.Backup,
				logger.KeyError, rmErr)
		}
		return err
	}
}

// SetAside renames p to a hidden sibling so an overwrite can be undone,
// and returns the new path.
func SetAside(ctx context.Context, engine sboxd.StorageEngine, p string) (string, error) {
	backup := path.Join(path.Dir(p), "."+path.Base(p)+".replaced-"+uuid.NewString()[:8])
	if err := engine.Rename(ctx, p, backup); err != nil {
		return "", err
	}
	return backup, nil
}

// CopyWork copies src to dst. A failed copy removes whatever part of the
// destination it wrote; the source is never touched.
func CopyWork(src sboxd.StorageEngine, srcPath string, dst sboxd.StorageEngine, dstPath string) WorkFunc {
	return func(ctx context.Context) error {
		if err := sboxd.Transfer(ctx, src, srcPath, dst, dstPath); err != nil {
			if rmErr := dst.Remove(context.WithoutCancel(ctx), dstPath); rmErr != nil {
				logger.Debug("Partial copy cleanup failed",
					logger.KeyDestPath, dstPath,
					logger.KeyError, rmErr)
			}
			return err
		}
		return nil
	}
}

// MoveWork renames within one engine when it can and otherwise copies
// then removes the source. A move succeeds only if both steps do: a copy
// failure leaves the source untouched, a removal failure is reported
// with the copy left in place.
func MoveWork(src sboxd.StorageEngine, srcPath string, dst sboxd.StorageEngine, dstPath string) WorkFunc {
	return func(ctx context.Context) error {
		if src == dst {
			err := src.Rename(ctx, srcPath, dstPath)
			if err == nil {
				return nil
			}
			logger.Debug("Rename failed, falling back to copy",
				logger.KeySrcPath, srcPath,
				logger.KeyDestPath, dstPath,
				logger.KeyError, err)
		}
		if err := CopyWork(src, srcPath, dst, dstPath)(ctx); err != nil {
			return err
		}
		if err := src.Remove(ctx, srcPath); err != nil {
			return fmt.Errorf("remove source after copy: %w", err)
		}
		return nil
	}
}

// Result summarizes a finished job.
type Result struct {
	Status int
	Bytes  int64
}

// Run measures the source, starts the job and reports through req until
// the terminal reply: progress replies carry {progress: n}, and the
// terminal reply has the same shape plus errorCode and errorText on
// failure.
func Run(ctx context.Context, req *sboxd.Request, job Job, interval time.Duration, translate func(error) *sboxd.Error) (Result, error) {
	size, err := sboxd.Size(ctx, job.Src, job.SrcPath)
	if err != nil {
		return Result{}, err
	}
	tracker, err := NewTracker(ctx, size, func(ctx context.Context) (int64, error) {
		return sboxd.Size(ctx, job.Dst, job.DstPath)
	}, translate)
	if err != nil {
		return Result{}, err
	}

	tracker.Start(ctx, job.Work())
	status := tracker.Poll(ctx, interval, func(status int) {
		req.Progress(sboxd.Success(map[string]any{"progress": status}))
	})

	if status == StatusDone {
		req.Complete(sboxd.Success(map[string]any{"progress": StatusDone}))
		return Result{Status: status, Bytes: size}, nil
	}
	fields := tracker.Err().Fields()
	fields["progress"] = status
	req.Complete(sboxd.Reply(fields))
	return Result{Status: status}, nil
}
