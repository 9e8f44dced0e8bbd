package fileops

import (
	"context"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/dispatch"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/sboxtest"
)

type fixture struct {
	drives map[string]*sboxd.Drive
	owners map[string]string
	fs     map[string]afero.Fs
	d      *dispatch.Dispatcher
}

func statfs(_ string, buf *unix.Statfs_t) error {
	buf.Bsize = 1024
	buf.Blocks = 1000
	buf.Bfree = 600
	buf.Bavail = 500
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		drives: map[string]*sboxd.Drive{},
		owners: map[string]string{},
		fs:     map[string]afero.Fs{},
	}
	f.addDrive("internal", sboxd.InternalDriveID, "", false)
	f.addDrive("usb", "usb-1", "s1", false)
	f.addDrive("network", "usb-1", "s1", false)
	f.addDrive("network", "nas", "s2", false)
	f.addDrive("network", "upnp", "s1", true)

	ops := &Ops{
		Backend:          "test",
		ProgressInterval: time.Millisecond,
		Locate: func(ctx context.Context, storageType, driveID, sessionID string) (*sboxd.Drive, error) {
			key := storageType + "/" + driveID
			d, ok := f.drives[key]
			if !ok {
				return nil, sboxd.NewError(sboxd.CodeInvalidDriveHandle, "")
			}
			if owner := f.owners[key]; owner != "" && owner != sessionID {
				return nil, sboxd.NewError(sboxd.CodeSessionMismatch, "")
			}
			return d, nil
		},
	}
	f.d = dispatch.New("test", ops.Handlers(), dispatch.Options{})
	t.Cleanup(func() { _ = f.d.Shutdown(context.Background()) })
	return f
}

func (f *fixture) addDrive(storageType, id, owner string, readOnly bool) {
	fs := afero.NewMemMapFs()
	key := storageType + "/" + id
	f.fs[key] = fs
	f.owners[key] = owner
	f.drives[key] = &sboxd.Drive{
		StorageType: storageType,
		DriveID:     id,
		Engine:      local.NewWithFs(fs, "/mnt/"+id, statfs),
		ReadOnly:    readOnly,
		Lock:        &sync.RWMutex{},
	}
}

func (f *fixture) write(t *testing.T, drive, p, body string) {
	t.Helper()
	fs := f.fs[drive]
	require.NoError(t, fs.MkdirAll(path.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
}

func (f *fixture) exists(drive, p string) bool {
	ok, _ := afero.Exists(f.fs[drive], p)
	return ok
}

func (f *fixture) call(t *testing.T, op sboxd.Operation, params sboxd.Params, session string) (sboxd.Reply, *sboxtest.Recorder) {
	t.Helper()
	req, rec := sboxtest.Request(op, params, session)
	require.NoError(t, f.d.Enqueue(req))
	return sboxtest.Wait(t, req, rec, 2*time.Second), rec
}

func TestList(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"c.txt", "a.txt", "b.txt", "d.txt"} {
		f.write(t, "usb/usb-1", "docs/"+name, name)
	}
	f.write(t, "usb/usb-1", "docs/sub/x", "x")

	reply, rec := f.call(t, sboxd.OpList, sboxd.Params{
		"storageType": "usb", "driveId": "usb-1", "path": "/docs", "offset": 1, "limit": 2,
	}, "s1")

	require.True(t, reply.OK(), reply)
	assert.Equal(t, 5, reply["totalCount"])
	files := reply["files"].([]map[string]any)
	require.Len(t, files, 2)
	assert.Equal(t, "b.txt", files[0]["name"])
	assert.Equal(t, "c.txt", files[1]["name"])
	assert.Equal(t, "file", files[0]["type"])
	assert.Len(t, rec.Replies(), 1)

	reply, _ = f.call(t, sboxd.OpList, sboxd.Params{
		"storageType": "usb", "driveId": "usb-1", "path": "docs", "offset": "3",
	}, "s1")
	files = reply["files"].([]map[string]any)
	require.Len(t, files, 2)
	assert.Equal(t, "sub", files[1]["name"])
	assert.Equal(t, "directory", files[1]["type"])

	reply, _ = f.call(t, sboxd.OpList, sboxd.Params{
		"storageType": "usb", "driveId": "usb-1", "path": "docs", "offset": 40,
	}, "s1")
	assert.Empty(t, reply["files"])
	assert.Equal(t, 5, reply["totalCount"])
}

func TestListErrors(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "file.txt", "x")

	cases := []struct {
		name    string
		params  sboxd.Params
		session string
		code    int
	}{
		{"missing drive id", sboxd.Params{"storageType": "usb", "path": "x"}, "s1", sboxd.CodeInvalidParameter},
		{"negative offset", sboxd.Params{"storageType": "usb", "driveId": "usb-1", "offset": -1}, "s1", sboxd.CodeInvalidParameter},
		{"missing dir", sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "nope"}, "s1", sboxd.CodeInvalidSourcePath},
		{"not a dir", sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "file.txt"}, "s1", sboxd.CodeInvalidSourcePath},
		{"escape", sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "../etc"}, "s1", sboxd.CodeInvalidSourcePath},
		{"unknown handle", sboxd.Params{"storageType": "usb", "driveId": "usb-9"}, "s1", sboxd.CodeInvalidDriveHandle},
		{"other session", sboxd.Params{"storageType": "usb", "driveId": "usb-1"}, "s2", sboxd.CodeSessionMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply, rec := f.call(t, sboxd.OpList, tc.params, tc.session)
			assert.False(t, reply.OK())
			assert.Equal(t, tc.code, reply.ErrorCode())
			assert.Len(t, rec.Replies(), 1)
		})
	}
}

func TestGetProperties(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "dir/a.bin", "12345")
	f.write(t, "usb/usb-1", "dir/b.bin", "678")

	reply, _ := f.call(t, sboxd.OpGetProperties, sboxd.Params{"storageType": "usb", "driveId": "usb-1"}, "s1")
	require.True(t, reply.OK(), reply)
	assert.Equal(t, uint64(1024000), reply["totalSpace"])
	assert.Equal(t, uint64(512000), reply["freeSpace"])
	assert.Equal(t, true, reply["writable"])
	assert.Equal(t, false, reply["deletable"])
	assert.NotContains(t, reply, "name")

	reply, _ = f.call(t, sboxd.OpGetProperties, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "dir"}, "s1")
	require.True(t, reply.OK(), reply)
	assert.Equal(t, "dir", reply["name"])
	assert.Equal(t, true, reply["isDir"])
	assert.Equal(t, int64(8), reply["size"])
	assert.Equal(t, true, reply["deletable"])

	reply, _ = f.call(t, sboxd.OpGetProperties, sboxd.Params{"storageType": "network", "driveId": "upnp"}, "s1")
	require.True(t, reply.OK(), reply)
	assert.Equal(t, false, reply["writable"])
}

func TestCopyAcrossDrives(t *testing.T) {
	f := newFixture(t)
	f.write(t, "internal/"+sboxd.InternalDriveID, "photos/a.jpg", "aaaaaaaa")
	f.write(t, "internal/"+sboxd.InternalDriveID, "photos/b.jpg", "bbbb")

	reply, rec := f.call(t, sboxd.OpCopy, sboxd.Params{
		"srcStorageType": "internal", "srcDriveId": sboxd.InternalDriveID, "srcPath": "photos",
		"destStorageType": "usb", "destDriveId": "usb-1", "destPath": "backup/photos",
	}, "s1")

	require.True(t, reply.OK(), reply)
	assert.Equal(t, 100, reply["progress"])
	assert.True(t, f.exists("usb/usb-1", "backup/photos/a.jpg"))
	assert.True(t, f.exists("internal/"+sboxd.InternalDriveID, "photos/a.jpg"))
	for _, p := range rec.Progress() {
		assert.True(t, p >= 0 && p <= 100)
	}
}

func TestCopyConflicts(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "a.txt", "new")
	f.write(t, "usb/usb-1", "dir/x", "x")
	f.write(t, "internal/"+sboxd.InternalDriveID, "a.txt", "old")

	params := sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "a.txt",
		"destStorageType": "internal", "destDriveId": sboxd.InternalDriveID, "destPath": "a.txt",
	}
	reply, _ := f.call(t, sboxd.OpCopy, params, "s1")
	assert.Equal(t, sboxd.CodeFileAlreadyExists, reply.ErrorCode())

	params["overwrite"] = true
	reply, _ = f.call(t, sboxd.OpCopy, params, "s1")
	require.True(t, reply.OK(), reply)
	data, err := afero.ReadFile(f.fs["internal/"+sboxd.InternalDriveID], "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	reply, _ = f.call(t, sboxd.OpCopy, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "dir",
		"destStorageType": "usb", "destDriveId": "usb-1", "destPath": "dir/inner",
	}, "s1")
	assert.Equal(t, sboxd.CodeInvalidDestinationPath, reply.ErrorCode())
}

func TestTransferOntoAncestorKeepsSource(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "a/b/keep.txt", "keep")

	for _, op := range []sboxd.Operation{sboxd.OpMove, sboxd.OpCopy} {
		reply, _ := f.call(t, op, sboxd.Params{
			"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "a/b",
			"destStorageType": "usb", "destDriveId": "usb-1", "destPath": "a",
			"overwrite": true,
		}, "s1")
		assert.Equal(t, sboxd.CodeInvalidDestinationPath, reply.ErrorCode(), op.String())
		assert.True(t, f.exists("usb/usb-1", "a/b/keep.txt"), op.String())
	}
}

func TestOverwriteLeavesNoBackup(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "in/a.txt", "new")
	f.write(t, "usb/usb-1", "docs/b.txt", "old")

	reply, _ := f.call(t, sboxd.OpMove, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "in/a.txt",
		"destStorageType": "usb", "destDriveId": "usb-1", "destPath": "docs/b.txt",
		"overwrite": true,
	}, "s1")
	require.True(t, reply.OK(), reply)

	data, err := afero.ReadFile(f.fs["usb/usb-1"], "docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	names, err := afero.ReadDir(f.fs["usb/usb-1"], "docs")
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "b.txt", names[0].Name())
	assert.False(t, f.exists("usb/usb-1", "in/a.txt"))
}

func TestCopyAuthorizesBothSides(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "a.txt", "data")

	reply, _ := f.call(t, sboxd.OpCopy, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "a.txt",
		"destStorageType": "network", "destDriveId": "nas", "destPath": "a.txt",
	}, "s1")
	assert.Equal(t, sboxd.CodeSessionMismatch, reply.ErrorCode())
	assert.False(t, f.exists("network/nas", "a.txt"))

	reply, _ = f.call(t, sboxd.OpCopy, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "a.txt",
		"destStorageType": "network", "destDriveId": "usb-1", "destPath": "a.txt",
	}, "s1")
	assert.Equal(t, sboxd.CodeNotSupported, reply.ErrorCode())
	assert.False(t, f.exists("network/usb-1", "a.txt"))

	reply, _ = f.call(t, sboxd.OpCopy, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "a.txt",
		"destStorageType": "network", "destDriveId": "upnp", "destPath": "a.txt",
	}, "s1")
	assert.Equal(t, sboxd.CodePermissionDenied, reply.ErrorCode())
}

func TestMove(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "a.txt", "data")

	reply, _ := f.call(t, sboxd.OpMove, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "a.txt",
		"destStorageType": "internal", "destDriveId": sboxd.InternalDriveID, "destPath": "in/a.txt",
	}, "s1")
	require.True(t, reply.OK(), reply)
	assert.False(t, f.exists("usb/usb-1", "a.txt"))
	assert.True(t, f.exists("internal/"+sboxd.InternalDriveID, "in/a.txt"))

	reply, _ = f.call(t, sboxd.OpMove, sboxd.Params{
		"srcStorageType": "usb", "srcDriveId": "usb-1", "srcPath": "missing",
		"destStorageType": "usb", "destDriveId": "usb-1", "destPath": "b",
	}, "s1")
	assert.Equal(t, sboxd.CodeInvalidSourcePath, reply.ErrorCode())
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "dir/a.txt", "data")

	reply, _ := f.call(t, sboxd.OpRemove, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "dir"}, "s1")
	require.True(t, reply.OK(), reply)
	assert.False(t, f.exists("usb/usb-1", "dir/a.txt"))

	reply, _ = f.call(t, sboxd.OpRemove, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "dir"}, "s1")
	assert.Equal(t, sboxd.CodeInvalidSourcePath, reply.ErrorCode())

	reply, _ = f.call(t, sboxd.OpRemove, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "/"}, "s1")
	assert.Equal(t, sboxd.CodeInvalidSourcePath, reply.ErrorCode())

	reply, _ = f.call(t, sboxd.OpRemove, sboxd.Params{"storageType": "network", "driveId": "upnp", "path": "x"}, "s1")
	assert.Equal(t, sboxd.CodePermissionDenied, reply.ErrorCode())
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	f.write(t, "usb/usb-1", "dir/a.txt", "a")
	f.write(t, "usb/usb-1", "dir/b.txt", "b")

	reply, _ := f.call(t, sboxd.OpRename, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "dir/a.txt", "newName": "c.txt"}, "s1")
	require.True(t, reply.OK(), reply)
	assert.Equal(t, "dir/c.txt", reply["path"])
	assert.True(t, f.exists("usb/usb-1", "dir/c.txt"))

	reply, _ = f.call(t, sboxd.OpRename, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "dir/c.txt", "newName": "b.txt"}, "s1")
	assert.Equal(t, sboxd.CodeFileAlreadyExists, reply.ErrorCode())

	reply, _ = f.call(t, sboxd.OpRename, sboxd.Params{"storageType": "usb", "driveId": "usb-1", "path": "dir/c.txt", "newName": "../x"}, "s1")
	assert.Equal(t, sboxd.CodeInvalidParameter, reply.ErrorCode())
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"/":         "",
		"a/b/":      "a/b",
		"/a//b/./c": "a/b/c",
	}
	for in, want := range cases {
		got, err := CleanPath(in, sboxd.CodeInvalidSourcePath)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := CleanPath("a/../../b", sboxd.CodeInvalidDestinationPath)
	assert.Equal(t, sboxd.CodeInvalidDestinationPath, sboxd.CodeOf(err))
}

func TestDecodeFormatParams(t *testing.T) {
	var p FormatParams
	require.NoError(t, Decode(sboxd.Params{"storageType": "usb", "driveId": "d", "fileSystem": "exfat"}, &p))
	assert.Equal(t, "exfat", p.FileSystem)

	err := Decode(sboxd.Params{"storageType": "usb", "driveId": "d", "fileSystem": "zfs"}, &p)
	assert.Equal(t, sboxd.CodeInvalidParameter, sboxd.CodeOf(err))
}
