package sboxd_test

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/engine/local"
)

func walkTree(t *testing.T) (afero.Fs, *local.Engine) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, body := range map[string]string{
		"t/a.txt":       "a",
		"t/b/c.txt":     "cc",
		"t/b/deep/e.md": "eee",
		"t/d.txt":       "dddd",
	} {
		require.NoError(t, fs.MkdirAll(path.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	return fs, local.NewWithFs(fs, "", nil)
}

func TestWalkOrder(t *testing.T) {
	_, e := walkTree(t)

	var seen []string
	err := sboxd.Walk(context.Background(), e, "t", func(entry *sboxd.EntryInfo) error {
		seen = append(seen, entry.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "t/a.txt", "t/b", "t/b/c.txt", "t/b/deep", "t/b/deep/e.md", "t/d.txt"}, seen)
}

func TestWalkSkipDir(t *testing.T) {
	_, e := walkTree(t)

	var seen []string
	err := sboxd.Walk(context.Background(), e, "t", func(entry *sboxd.EntryInfo) error {
		seen = append(seen, entry.Path)
		if entry.Path == "t/b" {
			return sboxd.SkipDir
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "t/a.txt", "t/b", "t/d.txt"}, seen)
}

func TestWalkPassesOverVanishedEntries(t *testing.T) {
	fs, e := walkTree(t)

	var seen []string
	err := sboxd.Walk(context.Background(), e, "t", func(entry *sboxd.EntryInfo) error {
		seen = append(seen, entry.Path)
		if entry.Path == "t/b" {
			return fs.RemoveAll("t/b")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "t/a.txt", "t/b", "t/d.txt"}, seen)
}

func TestWalkErrors(t *testing.T) {
	_, e := walkTree(t)
	ctx := context.Background()

	err := sboxd.Walk(ctx, e, "missing", func(*sboxd.EntryInfo) error { return nil })
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = sboxd.Walk(ctx, e, "t", func(entry *sboxd.EntryInfo) error {
		if entry.Name == "c.txt" {
			return os.ErrPermission
		}
		return nil
	})
	assert.ErrorIs(t, err, os.ErrPermission)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = sboxd.Walk(cancelled, e, "t", func(*sboxd.EntryInfo) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSizeCountsFiles(t *testing.T) {
	_, e := walkTree(t)
	ctx := context.Background()

	size, err := sboxd.Size(ctx, e, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	size, err = sboxd.Size(ctx, e, "t/b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	size, err = sboxd.Size(ctx, e, "t/d.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
}
