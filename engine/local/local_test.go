package local_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/sboxtest"
)

func fakeStatfs(path string, buf *unix.Statfs_t) error {
	buf.Bsize = 4096
	buf.Blocks = 100
	buf.Bfree = 40
	buf.Bavail = 30
	return nil
}

func TestLocalEngine(t *testing.T) {
	engine := local.NewWithFs(afero.NewMemMapFs(), "/data", fakeStatfs)
	sboxtest.StorageTestSuite(t, engine)
}

func TestSpace(t *testing.T) {
	var seen string
	engine := local.NewWithFs(afero.NewMemMapFs(), "/data", func(path string, buf *unix.Statfs_t) error {
		seen = path
		return fakeStatfs(path, buf)
	})

	space, err := engine.Space(context.Background(), "photos")
	require.NoError(t, err)
	assert.Equal(t, "/data/photos", seen)
	assert.Equal(t, uint64(409600), space.Capacity)
	assert.Equal(t, uint64(163840), space.Free)
	assert.Equal(t, uint64(122880), space.Available)
}

func TestSpaceError(t *testing.T) {
	engine := local.NewWithFs(afero.NewMemMapFs(), "/data", func(string, *unix.Statfs_t) error {
		return unix.ENOENT
	})
	_, err := engine.Space(context.Background(), "")
	assert.True(t, errors.Is(err, unix.ENOENT))
}

func TestPermissions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "ro.txt", []byte("x"), 0o444))
	require.NoError(t, afero.WriteFile(fs, "group.txt", []byte("x"), 0o464))
	engine := local.NewWithFs(fs, "", nil)
	ctx := context.Background()

	p, err := engine.Permissions(ctx, "ro.txt")
	require.NoError(t, err)
	assert.False(t, p.Writable())

	p, err = engine.Permissions(ctx, "group.txt")
	require.NoError(t, err)
	assert.False(t, p.OwnerWrite)
	assert.True(t, p.GroupWrite)

	_, err = sboxd.SpaceOf(ctx, engine, "")
	assert.ErrorIs(t, err, sboxd.ErrNotSupported)
}

func TestRemoveMissing(t *testing.T) {
	engine := local.NewWithFs(afero.NewMemMapFs(), "", nil)
	err := engine.Remove(context.Background(), "nope")
	assert.Equal(t, sboxd.CodeInvalidSourcePath, sboxd.CodeOf(err))
}
