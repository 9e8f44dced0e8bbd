// Package internalfs is the internal storage backend: one drive,
// INTERNAL_STORAGE, rooted at a host directory and open to every session.
package internalfs

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/dispatch"
	"github.com/nuln/sboxd/engine/local"
	"github.com/nuln/sboxd/fileops"
)

// Name is the storage type this backend serves.
const Name = "internal"

// Auto-register the internal storage driver.
func init() {
	sboxd.Register(Name, func(cfg *sboxd.Config) (sboxd.Provider, error) {
		return New(cfg)
	})
}

// Options are the driver options under providers.internal.options.
type Options struct {
	Root      string `mapstructure:"root"`
	DriveName string `mapstructure:"drive_name"`
}

var translator = sboxd.NewTranslator(Name, nil).WithErrno(local.ErrnoTable())

// Translate maps internal filesystem failures into the unified taxonomy.
func Translate(err error) *sboxd.Error { return translator.TranslateError(err) }

// Provider serves the internal drive.
type Provider struct {
	*dispatch.Dispatcher
	drive *sboxd.Drive
	name  string
}

// New decodes cfg.Options and opens the internal root.
func New(cfg *sboxd.Config) (*Provider, error) {
	var opts Options
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, fmt.Errorf("internal: invalid options: %w", err)
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("internal: root is required")
	}
	engine, err := local.New(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("internal: open root %s: %w", opts.Root, err)
	}
	return NewWithEngine(cfg, engine, opts.DriveName), nil
}

// NewWithEngine builds the provider over an existing engine.
func NewWithEngine(cfg *sboxd.Config, engine sboxd.StorageEngine, driveName string) *Provider {
	if driveName == "" {
		driveName = "Internal Storage"
	}
	p := &Provider{
		drive: &sboxd.Drive{
			StorageType: Name,
			DriveID:     sboxd.InternalDriveID,
			Engine:      engine,
		},
		name: driveName,
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
	handlers[sboxd.OpEject] = dispatch.NotSupported
	handlers[sboxd.OpFormat] = dispatch.NotSupported
	handlers[sboxd.OpAttach] = dispatch.NotSupported
	handlers[sboxd.OpAuthenticate] = dispatch.NotSupported
	handlers[sboxd.OpExtra] = dispatch.NotSupported

	p.Dispatcher = dispatch.New(Name, handlers, dispatch.Options{
		Translate: Translate,
		Metrics:   cfg.Metrics,
	})
	return p
}

// Locate resolves the internal drive. It needs no session.
func (p *Provider) Locate(_ context.Context, driveID, _ string) (*sboxd.Drive, error) {
	if driveID != sboxd.InternalDriveID {
		return nil, sboxd.Errorf(sboxd.CodeInvalidDriveHandle, "internal storage has no drive %q", driveID)
	}
	return p.drive, nil
}

func (p *Provider) listStorages(_ context.Context, req *sboxd.Request) error {
	info := sboxd.StorageInfo{
		StorageType: Name,
		DriveID:     sboxd.InternalDriveID,
		DriveName:   p.name,
	}
	req.Complete(sboxd.Success(map[string]any{
		"storages": []map[string]any{info.Fields()},
	}))
	return nil
}

var _ sboxd.Provider = (*Provider)(nil)
