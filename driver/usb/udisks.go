package usb

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/chain"
)

const (
	udisksService = "org.freedesktop.UDisks2"
	udisksRoot    = "/org/freedesktop/UDisks2"

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceDrive         = "org.freedesktop.UDisks2.Drive"
	ifaceBlock         = "org.freedesktop.UDisks2.Block"
	ifaceFilesystem    = "org.freedesktop.UDisks2.Filesystem"

	noObject = "/"
)

// target addresses a device manager method on an object.
func target(object, method string) string { return object + ":" + method }

// args builds a call payload.
func args(values ...any) chain.Payload { return chain.Payload{"args": values} }

// body returns the i-th return value of a call reply.
func body(p chain.Payload, i int) any {
	values, _ := p["body"].([]any)
	if i >= len(values) {
		return nil
	}
	return values[i]
}

// DBusCaller issues device manager calls on the system bus. The
// connection is opened on first use.
type DBusCaller struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	connect func() (*dbus.Conn, error)
}

// NewDBusCaller returns a caller for the UDisks2 service.
func NewDBusCaller() *DBusCaller {
	return &DBusCaller{connect: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() }}
}

func (c *DBusCaller) get() (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.connect()
	if err != nil {
		return nil, &DeviceError{Code: ErrNoDevice, Name: "connect", Message: err.Error()}
	}
	c.conn = conn
	return conn, nil
}

// Call implements chain.Caller. target is "<object path>:<interface>.<method>".
func (c *DBusCaller) Call(ctx context.Context, target string, payload chain.Payload, done func(chain.Payload, error)) {
	object, method, ok := strings.Cut(target, ":")
	if !ok {
		done(nil, sboxd.Errorf(sboxd.CodeInternal, "malformed device call %q", target))
		return
	}
	conn, err := c.get()
	if err != nil {
		done(nil, err)
		return
	}
	values, _ := payload["args"].([]any)
	wire := make([]any, len(values))
	for i, v := range values {
		wire[i] = toDBus(v)
	}

	call := conn.Object(udisksService, dbus.ObjectPath(object)).
		GoWithContext(ctx, method, 0, make(chan *dbus.Call, 1), wire...)
	go func() {
		<-call.Done
		if call.Err != nil {
			done(nil, deviceError(call.Err))
			return
		}
		done(chain.Payload{"body": plain(call.Body)}, nil)
	}()
}

// Close releases the bus connection.
func (c *DBusCaller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// toDBus turns option maps into the a{sv} dictionaries UDisks2 expects.
func toDBus(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]dbus.Variant, len(m))
	for k, val := range m {
		out[k] = dbus.MakeVariant(val)
	}
	return out
}

// plain strips D-Bus wire types: variants are unwrapped, object paths and
// NUL-terminated byte arrays become strings, maps become map[string]any
// and slices []any.
func plain(v any) any {
	switch t := v.(type) {
	case dbus.Variant:
		return plain(t.Value())
	case dbus.ObjectPath:
		return string(t)
	case []byte:
		return string(bytes.TrimRight(t, "\x00"))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(plain(iter.Key().Interface()))] = plain(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = plain(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// volume is a mountable filesystem on a removable drive.
type volume struct {
	Block      string
	Drive      string
	Device     string
	Label      string
	FSType     string
	Seat       string
	Vendor     string
	Model      string
	MountPoint string
	Size       uint64
}

// Name is the label shown to clients.
func (v volume) Name() string {
	switch {
	case v.Label != "":
		return v.Label
	case strings.TrimSpace(v.Vendor+" "+v.Model) != "":
		return strings.TrimSpace(v.Vendor + " " + v.Model)
	default:
		return v.Device
	}
}

func str(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func flag(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}

func size(props map[string]any, key string) uint64 {
	switch n := props[key].(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	}
	return 0
}

func ifaces(objects map[string]any, path string) map[string]any {
	m, _ := objects[path].(map[string]any)
	return m
}

func props(ifs map[string]any, iface string) (map[string]any, bool) {
	m, ok := ifs[iface].(map[string]any)
	return m, ok
}

// removable reports whether a drive belongs on the USB backend.
func removable(drive map[string]any) bool {
	return str(drive, "ConnectionBus") == "usb" || flag(drive, "Removable") || flag(drive, "MediaRemovable")
}

// parseVolumes picks the filesystems on removable drives out of a
// GetManagedObjects reply, ordered by block object path.
func parseVolumes(objects map[string]any) []volume {
	var out []volume
	for path := range objects {
		ifs := ifaces(objects, path)
		block, ok := props(ifs, ifaceBlock)
		if !ok {
			continue
		}
		fsys, ok := props(ifs, ifaceFilesystem)
		if !ok || flag(block, "HintIgnore") {
			continue
		}
		drivePath := str(block, "Drive")
		if drivePath == "" || drivePath == noObject {
			continue
		}
		drive, ok := props(ifaces(objects, drivePath), ifaceDrive)
		if !ok || !removable(drive) {
			continue
		}

		v := volume{
			Block:  path,
			Drive:  drivePath,
			Device: str(block, "Device"),
			Label:  str(block, "IdLabel"),
			FSType: str(block, "IdType"),
			Seat:   str(drive, "Seat"),
			Vendor: str(drive, "Vendor"),
			Model:  str(drive, "Model"),
			Size:   size(block, "Size"),
		}
		if points, _ := fsys["MountPoints"].([]any); len(points) > 0 {
			v.MountPoint, _ = points[0].(string)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out
}
