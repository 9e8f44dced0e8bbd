// Package network is the network storage backend: Samba shares mounted
// with the kernel cifs client, and UPnP media servers browsed read-only.
package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/dispatch"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/fileops"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/session"
)

// Name is the storage type this backend serves.
const Name = "network"

func init() {
	sboxd.Register(Name, func(cfg *sboxd.Config) (sboxd.Provider, error) {
		return New(cfg)
	})
}

// Share types.
const (
	ShareSamba = "samba"
	ShareUPnP  = "upnp"
)

// DefaultDiscoveryTimeout bounds a UPnP search.
const DefaultDiscoveryTimeout = 3 * time.Second

// Options are the driver options under providers.network.options.
type Options struct {
	MountRoot        string        `mapstructure:"mount_root"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
}

// AttachParams are the parameters of Attach.
type AttachParams struct {
	ShareType string `mapstructure:"shareType" validate:"required,oneof=samba"`
	Address   string `mapstructure:"address" validate:"required"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Domain    string `mapstructure:"domain"`
	Version   string `mapstructure:"version" validate:"omitempty,oneof=1.0 2.0 2.1 3.0 3.1.1"`
}

// ExtraParams are the parameters of Extra.
type ExtraParams struct {
	Operation string `mapstructure:"operation" validate:"required,oneof=discover"`
}

// EngineFunc opens the storage engine of a mount point.
type EngineFunc func(mountPoint string) (sboxd.StorageEngine, error)

type share struct {
	kind       string
	address    string
	name       string
	mountPoint string
	engine     sboxd.StorageEngine
}

// Provider serves network shares.
type Provider struct {
	*dispatch.Dispatcher
	opts      Options
	shares    *session.Registry[*share]
	mounter   Mounter
	browser   Browser
	newEngine EngineFunc

	// attachMu keeps two attaches of one share from both mounting it.
	attachMu sync.Mutex
	uid, gid int
}

// New decodes cfg.Options and uses the kernel cifs client and goupnp.
func New(cfg *sboxd.Config) (*Provider, error) {
	var opts Options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &opts,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cfg.Options); err != nil {
		return nil, fmt.Errorf("network: invalid options: %w", err)
	}
	if opts.MountRoot == "" {
		return nil, fmt.Errorf("network: mount_root is required")
	}
	return NewWith(cfg, opts, kernelMounter{}, goupnpBrowser{}, func(mp string) (sboxd.StorageEngine, error) {
		return local.New(mp)
	}), nil
}

// NewWith builds the provider over the given collaborators.
func NewWith(cfg *sboxd.Config, opts Options, mounter Mounter, browser Browser, newEngine EngineFunc) *Provider {
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	p := &Provider{
		opts:      opts,
		shares:    session.New[*share](),
		mounter:   mounter,
		browser:   browser,
		newEngine: newEngine,
		uid:       os.Getuid(),
		gid:       os.Getgid(),
	}

	ops := &fileops.Ops{
		Backend:          Name,
		Locate:           fileops.Route(Name, p.Locate, cfg.Locator),
		ProgressInterval: cfg.ProgressInterval,
		Translate:        Translate,
		Metrics:          cfg.Metrics,
	}
	handlers := ops.Handlers()
	handlers[sboxd.OpListStorages] = p.listStorages
	handlers[sboxd.OpAttach] = p.attach
	handlers[sboxd.OpEject] = p.eject
	handlers[sboxd.OpExtra] = p.extra
	handlers[sboxd.OpFormat] = dispatch.NotSupported
	handlers[sboxd.OpAuthenticate] = dispatch.NotSupported

	p.Dispatcher = dispatch.New(Name, handlers, dispatch.Options{
		Translate: Translate,
		Metrics:   cfg.Metrics,
	})
	return p
}

// Locate authorizes driveID for sessionID. Media servers resolve to
// read-only drives.
func (p *Provider) Locate(_ context.Context, driveID, sessionID string) (*sboxd.Drive, error) {
	s, err := p.shares.Authorize(driveID, sessionID)
	if err != nil {
		return nil, err
	}
	lock, err := p.shares.Lock(driveID, sessionID)
	if err != nil {
		return nil, err
	}
	return &sboxd.Drive{
		StorageType: Name,
		DriveID:     driveID,
		Engine:      s.engine,
		ReadOnly:    s.kind == ShareUPnP,
		Lock:        lock,
	}, nil
}

// mountPoint places a share under the mount root by the hash of its
// address.
func (p *Provider) mountPoint(key string) string {
	return filepath.Join(p.opts.MountRoot, sboxd.KeyPath(key))
}

// attach mounts a Samba share and registers it to the caller.
func (p *Provider) attach(_ context.Context, req *sboxd.Request) error {
	var params AttachParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	unc, err := sambaShare(params.Address)
	if err != nil {
		return sboxd.Wrap(sboxd.CodeInvalidParameter, err)
	}
	key := ShareSamba + ":" + unc

	p.attachMu.Lock()
	defer p.attachMu.Unlock()

	if _, ok := p.shares.HandleForKey(key); ok {
		return sboxd.NewError(sboxd.CodeAlreadyAuthenticated, "")
	}
	mp := p.mountPoint(key)
	if err := os.MkdirAll(mp, 0o750); err != nil {
		return err
	}
	if err := p.mounter.Mount(unc, mp, "cifs", 0, cifsOptions(params, p.uid, p.gid)); err != nil {
		_ = os.Remove(mp)
		return mountError("mount", unc, err)
	}
	handle, err := p.register(key, unc, mp, req.SessionID)
	if err != nil {
		if uerr := p.mounter.Unmount(mp, 0); uerr != nil {
			logger.Warn("Unmount after failed attach", logger.KeyBackend, Name, logger.KeyPath, mp, logger.KeyError, uerr)
		}
		return err
	}
	logger.Info("Share mounted", logger.KeyBackend, Name, logger.KeyDrive, handle, logger.KeyPath, mp, logger.KeyTarget, unc)
	req.Complete(sboxd.Success(map[string]any{"driveId": handle, "mountPath": mp}))
	return nil
}

func (p *Provider) register(key, unc, mp, sessionID string) (string, error) {
	engine, err := p.newEngine(mp)
	if err != nil {
		return "", err
	}
	return p.shares.Register(key, sessionID, &share{
		kind:       ShareSamba,
		address:    unc,
		name:       unc,
		mountPoint: mp,
		engine:     engine,
	})
}

// eject unmounts a Samba share, or forgets a media server, and then drops
// the handle. A failed unmount leaves the handle usable.
func (p *Provider) eject(_ context.Context, req *sboxd.Request) error {
	var params fileops.DriveParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	s, err := p.shares.Authorize(params.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	lock, err := p.shares.Lock(params.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if s.kind == ShareSamba {
		if err := p.mounter.Unmount(s.mountPoint, 0); err != nil {
			return mountError("unmount", s.address, err)
		}
		_ = os.Remove(s.mountPoint)
	}
	if err := p.shares.Unregister(params.DriveID); err != nil {
		return err
	}
	logger.Info("Share released", logger.KeyBackend, Name, logger.KeyDrive, params.DriveID, logger.KeyTarget, s.address)
	req.Complete(sboxd.Success(map[string]any{"driveId": params.DriveID}))
	return nil
}

// extra runs backend-specific operations. "discover" searches for media
// servers and registers the new ones to the caller.
func (p *Provider) extra(ctx context.Context, req *sboxd.Request) error {
	var params ExtraParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.DiscoveryTimeout)
	defer cancel()

	servers, err := p.browser.Discover(ctx)
	if err != nil {
		return err
	}
	for _, srv := range servers {
		key := ShareUPnP + ":" + srv.UDN
		if _, ok := p.shares.HandleForKey(key); ok {
			continue
		}
		handle, err := p.shares.Register(key, req.SessionID, &share{
			kind:    ShareUPnP,
			address: srv.Location,
			name:    srv.FriendlyName,
			engine:  &mediaEngine{browser: p.browser, server: srv},
		})
		if err != nil {
			continue
		}
		logger.Info("Media server found", logger.KeyBackend, Name, logger.KeyDrive, handle, logger.KeyTarget, srv.Location)
	}
	req.Complete(sboxd.Success(map[string]any{"storages": p.storages(req.SessionID, ShareUPnP)}))
	return nil
}

func (p *Provider) storages(sessionID, kind string) []map[string]any {
	records := p.shares.Records(sessionID)
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		s := rec.Context
		if kind != "" && s.kind != kind {
			continue
		}
		info := sboxd.StorageInfo{
			StorageType: Name,
			DriveID:     rec.Handle,
			DriveName:   s.name,
			Extra: map[string]any{
				"shareType": s.kind,
				"address":   s.address,
			},
		}
		if s.mountPoint != "" {
			info.Extra["mountPath"] = s.mountPoint
		}
		out = append(out, info.Fields())
	}
	return out
}

func (p *Provider) listStorages(_ context.Context, req *sboxd.Request) error {
	req.Complete(sboxd.Success(map[string]any{"storages": p.storages(req.SessionID, "")}))
	return nil
}

var _ sboxd.Provider = (*Provider)(nil)
