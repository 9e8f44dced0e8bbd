// Package usb is the removable storage backend. Drives are discovered,
// mounted, ejected and formatted through the UDisks2 device manager and
// served from their mount points.
package usb

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/chain"
	"github.com/nuln/sboxd/dispatch"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/fileops"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/session"
)

// Name is the storage type this backend serves.
const Name = "usb"

func init() {
	sboxd.Register(Name, func(cfg *sboxd.Config) (sboxd.Provider, error) {
		return New(cfg)
	})
}

// Options are the driver options under providers.usb.options.
type Options struct {
	// AutoMount mounts discovered filesystems that are not mounted yet.
	AutoMount bool `mapstructure:"auto_mount"`

	// Seats assigns drives on a seat to a session. Drives on unlisted
	// seats belong to the session that discovers them.
	Seats map[string]string `mapstructure:"seats"`
}

// EngineFunc opens the storage engine of a mount point.
type EngineFunc func(mountPoint string) (sboxd.StorageEngine, error)

func openLocal(mountPoint string) (sboxd.StorageEngine, error) {
	return local.New(mountPoint)
}

type device struct {
	volume
	engine sboxd.StorageEngine
}

// Provider serves removable drives.
type Provider struct {
	*dispatch.Dispatcher
	bus       chain.Caller
	drives    *session.Registry[*device]
	newEngine EngineFunc
	opts      Options

	// discover serializes ListStorages so concurrent scans agree on the
	// registry.
	discover sync.Mutex
}

// New decodes cfg.Options and talks to UDisks2 on the system bus.
func New(cfg *sboxd.Config) (*Provider, error) {
	return NewWithBus(cfg, NewDBusCaller(), openLocal)
}

// NewWithBus builds the provider over any device manager caller.
func NewWithBus(cfg *sboxd.Config, bus chain.Caller, newEngine EngineFunc) (*Provider, error) {
	opts := Options{AutoMount: true}
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, fmt.Errorf("usb: invalid options: %w", err)
	}
	p := &Provider{
		bus:       bus,
		drives:    session.New[*device](),
		newEngine: newEngine,
		opts:      opts,
	}

	ops := &fileops.Ops{
		Backend:          Name,
		Locate:           fileops.Route(Name, p.Locate, cfg.Locator),
		ProgressInterval: cfg.ProgressInterval,
		Translate:        Translate,
		Metrics:          cfg.Metrics,
	}
	handlers := ops.Handlers()
	handlers[sboxd.OpGetProperties] = p.getProperties
	handlers[sboxd.OpListStorages] = p.listStorages
	handlers[sboxd.OpEject] = p.eject
	handlers[sboxd.OpFormat] = p.format
	handlers[sboxd.OpAttach] = dispatch.NotSupported
	handlers[sboxd.OpAuthenticate] = dispatch.NotSupported
	handlers[sboxd.OpExtra] = dispatch.NotSupported

	p.Dispatcher = dispatch.New(Name, handlers, dispatch.Options{
		Translate: Translate,
		Metrics:   cfg.Metrics,
	})
	return p, nil
}

// Locate authorizes a drive handle for sessionID.
func (p *Provider) Locate(_ context.Context, driveID, sessionID string) (*sboxd.Drive, error) {
	dev, err := p.drives.Authorize(driveID, sessionID)
	if err != nil {
		return nil, err
	}
	lock, err := p.drives.Lock(driveID, sessionID)
	if err != nil {
		return nil, err
	}
	return &sboxd.Drive{
		StorageType: Name,
		DriveID:     driveID,
		Engine:      dev.engine,
		Lock:        lock,
	}, nil
}

// Shutdown drains the dispatcher and releases the bus.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.Dispatcher.Shutdown(ctx)
	if c, ok := p.bus.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Provider) owner(seat, sessionID string) string {
	if s, ok := p.opts.Seats[seat]; ok && s != "" {
		return s
	}
	return sessionID
}

// scan refreshes the registry from the device manager: new volumes get
// handles, known ones keep theirs and vanished ones are dropped.
func (p *Provider) scan(ctx context.Context, sessionID string) error {
	p.discover.Lock()
	defer p.discover.Unlock()

	replies, err := chain.Run(ctx, p.bus, []chain.Step{{
		Target: target(udisksRoot, ifaceObjectManager+".GetManagedObjects"),
		Tag:    "objects",
	}}, Translate)
	if err != nil {
		return err
	}
	objects, _ := body(chain.Last(replies), 0).(map[string]any)

	seen := make(map[string]bool)
	for _, v := range parseVolumes(objects) {
		seen[v.Block] = true
		if _, ok := p.drives.HandleForKey(v.Block); ok {
			continue
		}
		log := logger.With(logger.KeyBackend, Name, logger.KeyTarget, v.Block)
		if v.MountPoint == "" {
			if !p.opts.AutoMount {
				continue
			}
			mp, err := p.mount(ctx, v.Block)
			if err != nil {
				log.Warn("Mount failed", logger.KeyError, err)
				continue
			}
			v.MountPoint = mp
		}
		engine, err := p.newEngine(v.MountPoint)
		if err != nil {
			log.Warn("Open mount point failed", logger.KeyPath, v.MountPoint, logger.KeyError, err)
			continue
		}
		handle, err := p.drives.Register(v.Block, p.owner(v.Seat, sessionID), &device{volume: v, engine: engine})
		if err != nil {
			return err
		}
		log.Info("Drive attached", logger.KeyDrive, handle, logger.KeyPath, v.MountPoint)
	}

	for _, rec := range p.drives.Records("") {
		if !seen[rec.Key] {
			_ = p.drives.Unregister(rec.Handle)
			logger.Info("Drive removed", logger.KeyBackend, Name, logger.KeyDrive, rec.Handle)
		}
	}
	return nil
}

func (p *Provider) mount(ctx context.Context, block string) (string, error) {
	replies, err := chain.Run(ctx, p.bus, []chain.Step{{
		Target:  target(block, ifaceFilesystem+".Mount"),
		Payload: args(map[string]any{}),
		Tag:     "mount",
	}}, Translate)
	if err != nil {
		return "", err
	}
	mp, _ := body(chain.Last(replies), 0).(string)
	if mp == "" {
		return "", &DeviceError{Code: ErrNotMounted, Name: "mount", Message: "no mount point returned"}
	}
	return mp, nil
}

func (p *Provider) listStorages(ctx context.Context, req *sboxd.Request) error {
	if err := p.scan(ctx, req.SessionID); err != nil {
		return err
	}
	records := p.drives.Records(req.SessionID)
	storages := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		info := sboxd.StorageInfo{
			StorageType: Name,
			DriveID:     rec.Handle,
			DriveName:   rec.Context.Name(),
			Extra: map[string]any{
				"device":     rec.Context.Device,
				"fileSystem": rec.Context.FSType,
				"mountPath":  rec.Context.MountPoint,
			},
		}
		storages = append(storages, info.Fields())
	}
	req.Complete(sboxd.Success(map[string]any{"storages": storages}))
	return nil
}

// getProperties adds the drive's hardware identity, looked up through the
// block device, to the shared properties.
func (p *Provider) getProperties(ctx context.Context, req *sboxd.Request) error {
	var params fileops.PathParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	rel, err := fileops.CleanPath(params.Path, sboxd.CodeInvalidSourcePath)
	if err != nil {
		return err
	}
	if params.StorageType != Name {
		return sboxd.Errorf(sboxd.CodeInvalidParameter, "storage type %q is not %s", params.StorageType, Name)
	}
	drive, err := p.Locate(ctx, params.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	rec, _ := p.drives.Lookup(params.DriveID)
	unlock := sboxd.LockShared(drive)
	defer unlock()

	replies, err := chain.Run(ctx, p.bus, []chain.Step{
		{
			Target:  target(rec.Context.Block, ifaceProperties+".GetAll"),
			Payload: args(ifaceBlock),
			Tag:     "block",
		},
		{
			Tag: "drive",
			Prepare: func(step *chain.Step, replies []chain.Reply) error {
				block, _ := chain.Find(replies, "block")
				props, _ := body(block, 0).(map[string]any)
				object := str(props, "Drive")
				if object == "" || object == noObject {
					return &DeviceError{Code: ErrNoDevice, Name: "lookup", Message: "block has no drive"}
				}
				step.Target = target(object, ifaceProperties+".GetAll")
				step.Payload = args(ifaceDrive)
				return nil
			},
		},
	}, Translate)
	if err != nil {
		return err
	}

	fields, err := fileops.Properties(ctx, drive, rel)
	if err != nil {
		return err
	}
	block, _ := chain.Find(replies, "block")
	blockProps, _ := body(block, 0).(map[string]any)
	driveProps, _ := body(chain.Last(replies), 0).(map[string]any)
	fields["driveName"] = rec.Context.Name()
	fields["device"] = str(blockProps, "Device")
	fields["vendor"] = str(driveProps, "Vendor")
	fields["model"] = str(driveProps, "Model")
	fields["serial"] = str(driveProps, "Serial")
	fields["removable"] = flag(driveProps, "Removable") || flag(driveProps, "MediaRemovable")
	fields["capacity"] = size(driveProps, "Size")
	req.Complete(sboxd.Success(fields))
	return nil
}

// exclusive authorizes a drive handle and write-locks it, waiting for
// in-flight file operations to finish.
func (p *Provider) exclusive(params fileops.DriveParams, sessionID string) (*device, func(), error) {
	if params.StorageType != Name {
		return nil, nil, sboxd.Errorf(sboxd.CodeInvalidParameter, "storage type %q is not %s", params.StorageType, Name)
	}
	dev, err := p.drives.Authorize(params.DriveID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	lock, err := p.drives.Lock(params.DriveID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	lock.Lock()
	return dev, lock.Unlock, nil
}

// eject unmounts and powers off the drive. The handle is dropped once the
// filesystem is unmounted, even if power off fails.
func (p *Provider) eject(ctx context.Context, req *sboxd.Request) error {
	var params fileops.DriveParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	dev, unlock, err := p.exclusive(params, req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	replies, err := chain.Run(ctx, p.bus, []chain.Step{
		{Target: target(dev.Block, ifaceFilesystem+".Unmount"), Payload: args(map[string]any{}), Tag: "unmount"},
		{Target: target(dev.Drive, ifaceDrive+".PowerOff"), Payload: args(map[string]any{}), Tag: "poweroff"},
	}, Translate)
	if _, unmounted := chain.Find(replies, "unmount"); !unmounted {
		return err
	}
	if err != nil {
		logger.Warn("Power off failed", logger.KeyBackend, Name, logger.KeyDrive, params.DriveID, logger.KeyError, err)
	}
	if uerr := p.drives.Unregister(params.DriveID); uerr != nil {
		return uerr
	}
	logger.Info("Drive ejected", logger.KeyBackend, Name, logger.KeyDrive, params.DriveID)
	req.Complete(sboxd.Success(map[string]any{
		"driveId":    params.DriveID,
		"poweredOff": err == nil,
	}))
	return nil
}

// format unmounts, formats and remounts the drive, then points its handle
// at the new mount.
func (p *Provider) format(ctx context.Context, req *sboxd.Request) error {
	var params fileops.FormatParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	dev, unlock, err := p.exclusive(params.DriveParams, req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	options := map[string]any{}
	if params.VolumeLabel != "" {
		options["label"] = params.VolumeLabel
	}
	replies, err := chain.Run(ctx, p.bus, []chain.Step{
		{Target: target(dev.Block, ifaceFilesystem+".Unmount"), Payload: args(map[string]any{}), Tag: "unmount"},
		{Target: target(dev.Block, ifaceBlock+".Format"), Payload: args(params.FileSystem, options), Tag: "format"},
		{Target: target(dev.Block, ifaceFilesystem+".Mount"), Payload: args(map[string]any{}), Tag: "mount"},
	}, Translate)
	if err != nil {
		return err
	}
	mp, _ := body(chain.Last(replies), 0).(string)
	if mp == "" {
		return &DeviceError{Code: ErrNotMounted, Name: "mount", Message: "no mount point returned"}
	}
	engine, err := p.newEngine(mp)
	if err != nil {
		return err
	}

	err = p.drives.Update(params.DriveID, req.SessionID, func(d *device) (*device, error) {
		next := *d
		next.MountPoint = mp
		next.FSType = params.FileSystem
		next.Label = params.VolumeLabel
		next.engine = engine
		return &next, nil
	})
	if err != nil {
		return err
	}
	logger.Info("Drive formatted", logger.KeyBackend, Name, logger.KeyDrive, params.DriveID, "file_system", params.FileSystem)
	req.Complete(sboxd.Success(map[string]any{
		"driveId":   params.DriveID,
		"mountPath": mp,
	}))
	return nil
}

var _ sboxd.Provider = (*Provider)(nil)
