package progress

import (
	"context"
	"errors"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/sboxtest"
)

const interval = time.Millisecond

func memEngine(t *testing.T, files map[string]string) *local.Engine {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, body := range files {
		require.NoError(t, fs.MkdirAll(path.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	return local.NewWithFs(fs, "", nil)
}

// failingRemove refuses to delete anything.
type failingRemove struct {
	sboxd.StorageEngine
}

func (f failingRemove) Remove(context.Context, string) error { return os.ErrPermission }

// failingCreate refuses to write anything.
type failingCreate struct {
	sboxd.StorageEngine
}

func (f failingCreate) Create(context.Context, string) (sboxd.WriteCloser, error) {
	return nil, os.ErrPermission
}

func nonDecreasing(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		if values[i] >= 0 && values[i-1] >= 0 {
			assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards: %v", values)
		}
	}
}

func TestZeroByteCopy(t *testing.T) {
	src := memEngine(t, map[string]string{"empty.txt": ""})
	dst := memEngine(t, nil)
	req, rec := sboxtest.Request(sboxd.OpCopy, nil, "s1")

	res, err := Run(context.Background(), req, Job{Src: src, SrcPath: "empty.txt", Dst: dst, DstPath: "out.txt"}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	last := rec.Last()
	assert.True(t, last.OK())
	assert.Equal(t, StatusDone, last["progress"])
	assert.True(t, sboxd.Exists(context.Background(), dst, "out.txt"))
}

func TestCopyDirectory(t *testing.T) {
	src := memEngine(t, map[string]string{"album/a.jpg": "aaaa", "album/raw/b.cr2": "bbbbbbbb"})
	dst := memEngine(t, nil)
	req, rec := sboxtest.Request(sboxd.OpCopy, nil, "s1")

	res, err := Run(context.Background(), req, Job{Src: src, SrcPath: "album", Dst: dst, DstPath: "backup/album"}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(12), res.Bytes)
	assert.True(t, rec.Last().OK())
	size, err := sboxd.Size(context.Background(), dst, "backup/album")
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
	nonDecreasing(t, rec.Progress())
	assert.True(t, sboxd.Exists(context.Background(), src, "album/a.jpg"))
}

func TestCopyFailureCleansDestination(t *testing.T) {
	src := memEngine(t, map[string]string{"a.txt": "data"})
	dst := failingCreate{memEngine(t, nil)}
	req, rec := sboxtest.Request(sboxd.OpCopy, nil, "s1")

	res, err := Run(context.Background(), req, Job{Src: src, SrcPath: "a.txt", Dst: dst, DstPath: "a.txt"}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, sboxd.CodePermissionDenied, res.Status)
	last := rec.Last()
	assert.False(t, last.OK())
	assert.Equal(t, sboxd.CodePermissionDenied, last["progress"])
	assert.Equal(t, sboxd.CodePermissionDenied, last.ErrorCode())
	assert.NotEmpty(t, last["errorText"])
	assert.True(t, sboxd.Exists(context.Background(), src, "a.txt"))
}

func TestMoveDeleteFailureIsReported(t *testing.T) {
	inner := memEngine(t, map[string]string{"a.txt": "data"})
	src := failingRemove{inner}
	dst := memEngine(t, nil)
	req, rec := sboxtest.Request(sboxd.OpMove, nil, "s1")

	res, err := Run(context.Background(), req, Job{Src: src, SrcPath: "a.txt", Dst: dst, DstPath: "a.txt", Move: true}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, sboxd.CodePermissionDenied, res.Status)
	assert.False(t, rec.Last().OK())
	assert.True(t, sboxd.Exists(context.Background(), inner, "a.txt"))
	assert.True(t, sboxd.Exists(context.Background(), dst, "a.txt"))
}

func TestMoveCopyFailureKeepsSource(t *testing.T) {
	src := memEngine(t, map[string]string{"a.txt": "data"})
	dst := failingCreate{memEngine(t, nil)}
	req, _ := sboxtest.Request(sboxd.OpMove, nil, "s1")

	res, err := Run(context.Background(), req, Job{Src: src, SrcPath: "a.txt", Dst: dst, DstPath: "a.txt", Move: true}, interval, nil)
	require.NoError(t, err)

	assert.Less(t, res.Status, 0)
	assert.True(t, sboxd.Exists(context.Background(), src, "a.txt"))
}

func TestFailedOverwriteRestoresDestination(t *testing.T) {
	ctx := context.Background()
	src := memEngine(t, map[string]string{"a.txt": "data"})
	inner := memEngine(t, map[string]string{"a.txt": "old"})
	dst := failingCreate{inner}

	backup, err := SetAside(ctx, dst, "a.txt")
	require.NoError(t, err)
	assert.False(t, sboxd.Exists(ctx, inner, "a.txt"))

	req, rec := sboxtest.Request(sboxd.OpCopy, nil, "s1")
	res, err := Run(ctx, req, Job{Src: src, SrcPath: "a.txt", Dst: dst, DstPath: "a.txt", Backup: backup}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, sboxd.CodePermissionDenied, res.Status)
	assert.False(t, rec.Last().OK())
	info, err := inner.Stat(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.False(t, sboxd.Exists(ctx, inner, backup))
}

func TestOverwriteDropsBackup(t *testing.T) {
	ctx := context.Background()
	src := memEngine(t, map[string]string{"a.txt": "data"})
	dst := memEngine(t, map[string]string{"a.txt": "old"})

	backup, err := SetAside(ctx, dst, "a.txt")
	require.NoError(t, err)

	req, rec := sboxtest.Request(sboxd.OpCopy, nil, "s1")
	res, err := Run(ctx, req, Job{Src: src, SrcPath: "a.txt", Dst: dst, DstPath: "a.txt", Backup: backup}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.True(t, rec.Last().OK())
	info, err := dst.Stat(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.False(t, sboxd.Exists(ctx, dst, backup))
}

func TestOverwriteKeptWhenSourceRemovalFails(t *testing.T) {
	ctx := context.Background()
	inner := memEngine(t, map[string]string{"a.txt": "data"})
	src := failingRemove{inner}
	dst := memEngine(t, map[string]string{"a.txt": "old"})

	backup, err := SetAside(ctx, dst, "a.txt")
	require.NoError(t, err)

	req, _ := sboxtest.Request(sboxd.OpMove, nil, "s1")
	res, err := Run(ctx, req, Job{Src: src, SrcPath: "a.txt", Dst: dst, DstPath: "a.txt", Move: true, Backup: backup}, interval, nil)
	require.NoError(t, err)

	assert.Equal(t, sboxd.CodePermissionDenied, res.Status)
	assert.True(t, sboxd.Exists(ctx, inner, "a.txt"))
	info, err := dst.Stat(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.False(t, sboxd.Exists(ctx, dst, backup))
}

func TestMoveWithinEngineRenames(t *testing.T) {
	e := memEngine(t, map[string]string{"a.txt": "data"})
	req, rec := sboxtest.Request(sboxd.OpMove, nil, "s1")

	_, err := Run(context.Background(), req, Job{Src: e, SrcPath: "a.txt", Dst: e, DstPath: "moved/a.txt", Move: true}, interval, nil)
	require.NoError(t, err)

	assert.True(t, rec.Last().OK())
	assert.False(t, sboxd.Exists(context.Background(), e, "a.txt"))
	assert.True(t, sboxd.Exists(context.Background(), e, "moved/a.txt"))
}

func TestMissingSource(t *testing.T) {
	e := memEngine(t, nil)
	req, _ := sboxtest.Request(sboxd.OpCopy, nil, "s1")

	res, err := Run(context.Background(), req, Job{Src: e, SrcPath: "nope", Dst: e, DstPath: "x"}, interval, nil)
	require.NoError(t, err)
	assert.Equal(t, sboxd.CodeInvalidSourcePath, res.Status)
}

func TestStatusIsMonotonic(t *testing.T) {
	sizes := []int64{0, 50, 30, 80, 20}
	var i atomic.Int32
	tr, err := NewTracker(context.Background(), 100, func(context.Context) (int64, error) {
		n := i.Add(1) - 1
		return sizes[n], nil
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, 50, tr.Status(ctx))
	assert.Equal(t, 50, tr.Status(ctx))
	assert.Equal(t, 80, tr.Status(ctx))
	assert.Equal(t, 80, tr.Status(ctx))
}

func TestStatusCountsFromDestinationStart(t *testing.T) {
	var size atomic.Int64
	size.Store(1000)
	tr, err := NewTracker(context.Background(), 200, func(context.Context) (int64, error) {
		return size.Load(), nil
	}, nil)
	require.NoError(t, err)

	size.Store(1100)
	assert.Equal(t, 50, tr.Status(context.Background()))

	size.Store(5000)
	assert.Equal(t, 99, tr.Status(context.Background()))
}

func TestPollReportsChangesUntilTerminal(t *testing.T) {
	var size atomic.Int64
	tr, err := NewTracker(context.Background(), 100, func(context.Context) (int64, error) {
		return size.Load(), nil
	}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	tr.Start(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	var mu sync.Mutex
	var reports []int
	seen := func(v int) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range reports {
			if r == v {
				return true
			}
		}
		return false
	}

	final := make(chan int, 1)
	go func() {
		final <- tr.Poll(context.Background(), interval, func(s int) {
			mu.Lock()
			reports = append(reports, s)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return seen(0) }, time.Second, interval)
	size.Store(40)
	require.Eventually(t, func() bool { return seen(40) }, time.Second, interval)
	size.Store(90)
	require.Eventually(t, func() bool { return seen(90) }, time.Second, interval)
	close(release)

	assert.Equal(t, StatusDone, <-final)
	mu.Lock()
	defer mu.Unlock()
	nonDecreasing(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.NotEqual(t, reports[i-1], reports[i], "duplicate report")
	}
}

func TestTrackerError(t *testing.T) {
	tr, err := NewTracker(context.Background(), 10, func(context.Context) (int64, error) { return 0, nil }, nil)
	require.NoError(t, err)
	tr.Start(context.Background(), func(context.Context) error { return errors.New("disk on fire") })
	<-tr.Done()

	assert.Equal(t, sboxd.CodeInternal, tr.Status(context.Background()))
	assert.Equal(t, sboxd.CodeInternal, tr.Err().Code)
	assert.True(t, Terminal(tr.Status(context.Background())))
}
