package service

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nuln/sboxd"
	_ "github.com/nuln/sboxd/drivers"
	"github.com/nuln/sboxd/driver/cloud"
	"github.com/nuln/sboxd/driver/internalfs"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/internal/config"
	"github.com/nuln/sboxd/sboxtest"
)

const owner = "uid:1000"

type fixture struct {
	s        *Service
	internal afero.Fs
	cloud    afero.Fs
}

func exchange(_ context.Context, _ *oauth2.Config, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	}
	return &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{s: New(), internal: afero.NewMemMapFs(), cloud: afero.NewMemMapFs()}

	in := internalfs.NewWithEngine(&sboxd.Config{
		Type: internalfs.Name, Locator: f.s, ProgressInterval: time.Millisecond,
	}, local.NewWithFs(f.internal, "", nil), "")
	cl := cloud.NewWith(&sboxd.Config{
		Type: cloud.Name, Locator: f.s, ProgressInterval: time.Millisecond,
	}, cloud.Options{}, exchange, func(context.Context, *oauth2.Config, *oauth2.Token) (sboxd.StorageEngine, error) {
		return local.NewWithFs(f.cloud, "", nil), nil
	})
	require.NoError(t, f.s.Add(in))
	require.NoError(t, f.s.Add(cl))
	t.Cleanup(func() { _ = f.s.Shutdown(context.Background()) })
	return f
}

func (f *fixture) call(t *testing.T, op sboxd.Operation, params sboxd.Params, sessionID string) sboxd.Reply {
	t.Helper()
	req, rec := sboxtest.Request(op, params, sessionID)
	_ = f.s.Enqueue(req)
	return sboxtest.Wait(t, req, rec, 2*time.Second)
}

// cloudDrive attaches and authenticates a cloud drive for sessionID.
func (f *fixture) cloudDrive(t *testing.T, sessionID string) string {
	t.Helper()
	reply := f.call(t, sboxd.OpAttach, sboxd.Params{
		"storageType": cloud.Name, "clientId": "client-" + sessionID, "clientSecret": "s3cret",
	}, sessionID)
	require.True(t, reply.OK(), "%v", reply)
	handle := reply["driveId"].(string)

	reply = f.call(t, sboxd.OpAuthenticate, sboxd.Params{
		"storageType": cloud.Name, "driveId": handle, "secretToken": "good-code",
	}, sessionID)
	require.True(t, reply.OK(), "%v", reply)
	return handle
}

func TestProviders(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"cloud", "internal"}, f.s.Providers())
}

func TestAddTwice(t *testing.T) {
	f := newFixture(t)
	p := internalfs.NewWithEngine(&sboxd.Config{Type: internalfs.Name}, local.NewWithFs(afero.NewMemMapFs(), "", nil), "")
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	assert.Error(t, f.s.Add(p))
}

func TestRouting(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.internal.MkdirAll("docs", 0o755))

	reply := f.call(t, sboxd.OpList, sboxd.Params{
		"storageType": internalfs.Name, "driveId": sboxd.InternalDriveID, "path": "",
	}, owner)
	require.True(t, reply.OK(), "%v", reply)
	assert.Equal(t, 1, reply["totalCount"])

	reply = f.call(t, sboxd.OpList, sboxd.Params{"storageType": "floppy", "driveId": "x"}, owner)
	assert.Equal(t, sboxd.CodeNotSupported, reply.ErrorCode())

	reply = f.call(t, sboxd.OpList, sboxd.Params{"driveId": "x"}, owner)
	assert.Equal(t, sboxd.CodeInvalidParameter, reply.ErrorCode())

	req, rec := sboxtest.Request(sboxd.OpUnknown, sboxd.Params{"storageType": internalfs.Name}, owner)
	assert.Error(t, f.s.Enqueue(req))
	assert.Equal(t, sboxd.CodeInternal, sboxtest.Wait(t, req, rec, time.Second).ErrorCode())
}

func TestCopyAcrossProviders(t *testing.T) {
	f := newFixture(t)
	handle := f.cloudDrive(t, owner)
	require.NoError(t, afero.WriteFile(f.internal, "report.txt", []byte("quarterly numbers"), 0o644))

	params := sboxd.Params{
		"srcStorageType": internalfs.Name, "srcDriveId": sboxd.InternalDriveID, "srcPath": "report.txt",
		"destStorageType": cloud.Name, "destDriveId": handle, "destPath": "report.txt",
	}
	reply := f.call(t, sboxd.OpCopy, params, owner)
	require.True(t, reply.OK(), "%v", reply)

	data, err := afero.ReadFile(f.cloud, "report.txt")
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))

	// The other direction runs on the cloud provider.
	params = sboxd.Params{
		"srcStorageType": cloud.Name, "srcDriveId": handle, "srcPath": "report.txt",
		"destStorageType": internalfs.Name, "destDriveId": sboxd.InternalDriveID, "destPath": "back.txt",
	}
	reply = f.call(t, sboxd.OpMove, params, owner)
	require.True(t, reply.OK(), "%v", reply)
	exists, err := afero.Exists(f.cloud, "report.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	data, err = afero.ReadFile(f.internal, "back.txt")
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
}

func TestCopyToForeignSession(t *testing.T) {
	f := newFixture(t)
	handle := f.cloudDrive(t, owner)
	require.NoError(t, afero.WriteFile(f.internal, "secret.txt", []byte("x"), 0o644))

	reply := f.call(t, sboxd.OpCopy, sboxd.Params{
		"srcStorageType": internalfs.Name, "srcDriveId": sboxd.InternalDriveID, "srcPath": "secret.txt",
		"destStorageType": cloud.Name, "destDriveId": handle, "destPath": "secret.txt",
	}, "uid:1001")
	assert.False(t, reply.OK())
	assert.Equal(t, sboxd.CodeSessionMismatch, reply.ErrorCode())

	exists, err := afero.Exists(f.cloud, "secret.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListStoragesMerges(t *testing.T) {
	f := newFixture(t)
	f.cloudDrive(t, owner)

	reply := f.call(t, sboxd.OpListStorages, sboxd.Params{}, owner)
	require.True(t, reply.OK(), "%v", reply)
	storages := reply["storages"].([]map[string]any)
	require.Len(t, storages, 2)
	assert.Equal(t, cloud.Name, storages[0]["storageType"])
	assert.Equal(t, internalfs.Name, storages[1]["storageType"])
	assert.NotContains(t, reply, "unavailable")

	// Another session only sees the shared internal drive.
	reply = f.call(t, sboxd.OpListStorages, sboxd.Params{}, "uid:1001")
	require.True(t, reply.OK(), "%v", reply)
	assert.Len(t, reply["storages"], 1)

	// A storage type narrows the listing to one provider.
	reply = f.call(t, sboxd.OpListStorages, sboxd.Params{"storageType": cloud.Name}, owner)
	require.True(t, reply.OK(), "%v", reply)
	assert.Len(t, reply["storages"], 1)
}

// broken fails every request it is given.
type broken struct{ name string }

func (b broken) Name() string { return b.name }

func (b broken) Enqueue(req *sboxd.Request) error {
	go req.Fail(sboxd.Errorf(sboxd.CodeDeviceUnavailable, "%s is down", b.name))
	return nil
}

func (b broken) Locate(context.Context, string, string) (*sboxd.Drive, error) {
	return nil, sboxd.NewError(sboxd.CodeDeviceUnavailable, "")
}

func (b broken) Shutdown(context.Context) error { return nil }

func TestListStoragesUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Add(broken{name: "usb"}))

	reply := f.call(t, sboxd.OpListStorages, sboxd.Params{}, owner)
	require.True(t, reply.OK(), "%v", reply)
	assert.Len(t, reply["storages"], 1)
	assert.Equal(t, []string{"usb"}, reply["unavailable"])
}

func TestListStoragesAllFail(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(broken{name: "usb"}))
	require.NoError(t, s.Add(broken{name: "network"}))

	req, rec := sboxtest.Request(sboxd.OpListStorages, sboxd.Params{}, owner)
	require.NoError(t, s.Enqueue(req))
	reply := sboxtest.Wait(t, req, rec, time.Second)
	assert.False(t, reply.OK())
	assert.Equal(t, sboxd.CodeDeviceUnavailable, reply.ErrorCode())
	assert.Len(t, rec.Replies(), 1)
}

func TestListStoragesEmpty(t *testing.T) {
	s := New()
	req, rec := sboxtest.Request(sboxd.OpListStorages, sboxd.Params{}, owner)
	require.NoError(t, s.Enqueue(req))
	reply := sboxtest.Wait(t, req, rec, time.Second)
	require.True(t, reply.OK())
	assert.Empty(t, reply["storages"])
}

func TestEnqueueAfterShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Shutdown(context.Background()))

	req, rec := sboxtest.Request(sboxd.OpList, sboxd.Params{
		"storageType": internalfs.Name, "driveId": sboxd.InternalDriveID,
	}, owner)
	assert.Error(t, f.s.Enqueue(req))
	assert.Equal(t, sboxd.CodeInternal, sboxtest.Wait(t, req, rec, time.Second).ErrorCode())
}

func TestOpenFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Internal = config.ProviderConfig{Enabled: true, Options: map[string]any{"root": t.TempDir()}}
	cfg.Providers.Network = config.ProviderConfig{Enabled: true, Options: map[string]any{"mount_root": t.TempDir()}}
	config.ApplyDefaults(cfg)

	s, err := Open(cfg, sboxd.Default, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	assert.Equal(t, []string{"internal", "network"}, s.Providers())

	drive, err := s.Locate(context.Background(), internalfs.Name, sboxd.InternalDriveID, owner)
	require.NoError(t, err)
	assert.Equal(t, internalfs.Name, drive.StorageType)
}

func TestOpenFailureStopsStarted(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Internal = config.ProviderConfig{Enabled: true, Options: map[string]any{"root": t.TempDir()}}
	cfg.Providers.Network = config.ProviderConfig{Enabled: true, Options: map[string]any{}}
	config.ApplyDefaults(cfg)

	_, err := Open(cfg, sboxd.Default, nil)
	assert.ErrorContains(t, err, "network")
}
