package network

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/av1"

	"github.com/nuln/sboxd"
)

// MediaServer is a discovered UPnP ContentDirectory service.
type MediaServer struct {
	UDN          string
	FriendlyName string
	Location     string
}

// Object is one DIDL-Lite entry of a ContentDirectory listing.
type Object struct {
	ID        string
	Title     string
	Class     string
	Container bool
	Size      int64
	Date      string
	URL       string
}

// Browser finds media servers and lists their content.
type Browser interface {
	Discover(ctx context.Context) ([]MediaServer, error)
	Browse(ctx context.Context, server MediaServer, objectID string) ([]Object, error)
}

// goupnpBrowser talks SSDP and SOAP through goupnp.
type goupnpBrowser struct{}

func (goupnpBrowser) Discover(ctx context.Context) ([]MediaServer, error) {
	devices, err := goupnp.DiscoverDevicesCtx(ctx, av1.URN_ContentDirectory_1)
	if err != nil {
		return nil, &MountError{Code: ErrDiscovery, Op: "discover", Target: av1.URN_ContentDirectory_1, Err: err}
	}
	seen := make(map[string]bool)
	var out []MediaServer
	for _, d := range devices {
		if d.Err != nil || d.Root == nil || seen[d.Root.Device.UDN] {
			continue
		}
		seen[d.Root.Device.UDN] = true
		out = append(out, MediaServer{
			UDN:          d.Root.Device.UDN,
			FriendlyName: d.Root.Device.FriendlyName,
			Location:     d.Location.String(),
		})
	}
	return out, nil
}

func (goupnpBrowser) Browse(ctx context.Context, server MediaServer, objectID string) ([]Object, error) {
	fail := func(err error) error {
		return &MountError{Code: ErrDiscovery, Op: "browse", Target: server.Location, Err: err}
	}
	loc, err := url.Parse(server.Location)
	if err != nil {
		return nil, fail(err)
	}
	root, err := goupnp.DeviceByURLCtx(ctx, loc)
	if err != nil {
		return nil, fail(err)
	}
	clients, err := av1.NewContentDirectory1ClientsFromRootDevice(root, loc)
	if err != nil || len(clients) == 0 {
		return nil, fail(fmt.Errorf("no content directory: %v", err))
	}

	var objects []Object
	const page = 200
	for start := uint32(0); ; {
		result, returned, total, _, err := clients[0].BrowseCtx(ctx, objectID, "BrowseDirectChildren", "*", start, page, "")
		if err != nil {
			return nil, fail(err)
		}
		batch, err := parseDIDL(result)
		if err != nil {
			return nil, fail(err)
		}
		objects = append(objects, batch...)
		start += returned
		if returned == 0 || start >= total {
			return objects, nil
		}
	}
}

type didlLite struct {
	Containers []didlObject `xml:"container"`
	Items      []didlObject `xml:"item"`
}

type didlObject struct {
	ID    string `xml:"id,attr"`
	Title string `xml:"title"`
	Class string `xml:"class"`
	Date  string `xml:"date"`
	Res   []struct {
		Size int64  `xml:"size,attr"`
		URL  string `xml:",chardata"`
	} `xml:"res"`
}

// parseDIDL decodes a DIDL-Lite document, containers first.
func parseDIDL(doc string) ([]Object, error) {
	var d didlLite
	if err := xml.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("parse DIDL-Lite: %w", err)
	}
	out := make([]Object, 0, len(d.Containers)+len(d.Items))
	for _, c := range d.Containers {
		out = append(out, Object{ID: c.ID, Title: c.Title, Class: c.Class, Container: true, Date: c.Date})
	}
	for _, it := range d.Items {
		o := Object{ID: it.ID, Title: it.Title, Class: it.Class, Date: it.Date}
		if len(it.Res) > 0 {
			o.Size = it.Res[0].Size
			o.URL = strings.TrimSpace(it.Res[0].URL)
		}
		out = append(out, o)
	}
	return out, nil
}

// entryName maps a title to a path element.
func entryName(title string) string {
	return strings.ReplaceAll(title, "/", "_")
}

// mediaEngine is a read-only StorageEngine over a media server. Paths
// are titles joined by slashes, resolved from the root container "0".
type mediaEngine struct {
	browser Browser
	server  MediaServer
}

const rootObject = "0"

func (e *mediaEngine) resolve(ctx context.Context, p string) (Object, error) {
	obj := Object{ID: rootObject, Title: e.server.FriendlyName, Container: true}
	if p == "" {
		return obj, nil
	}
	for _, name := range strings.Split(p, "/") {
		if !obj.Container {
			return Object{}, sboxd.ErrNotDir
		}
		children, err := e.browser.Browse(ctx, e.server, obj.ID)
		if err != nil {
			return Object{}, err
		}
		found := false
		for _, c := range children {
			if entryName(c.Title) == name {
				obj, found = c, true
				break
			}
		}
		if !found {
			return Object{}, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
		}
	}
	return obj, nil
}

func entry(o Object, p string) *sboxd.EntryInfo {
	info := &sboxd.EntryInfo{
		Name:     entryName(o.Title),
		Path:     p,
		Size:     o.Size,
		Mode:     0o444,
		IsDir:    o.Container,
		Metadata: map[string]string{"upnpClass": o.Class},
	}
	if o.Container {
		info.Mode = os.ModeDir | 0o555
	}
	if t, err := time.Parse("2006-01-02", o.Date); err == nil {
		info.ModTime = t
	}
	return info
}

func (e *mediaEngine) Stat(ctx context.Context, p string) (*sboxd.EntryInfo, error) {
	obj, err := e.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return entry(obj, p), nil
}

func (e *mediaEngine) ReadDir(ctx context.Context, p string) ([]*sboxd.EntryInfo, error) {
	obj, err := e.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if !obj.Container {
		return nil, sboxd.ErrNotDir
	}
	children, err := e.browser.Browse(ctx, e.server, obj.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*sboxd.EntryInfo, 0, len(children))
	for _, c := range children {
		out = append(out, entry(c, path.Join(p, entryName(c.Title))))
	}
	return out, nil
}

func (e *mediaEngine) Open(context.Context, string) (sboxd.ReadSeekCloser, error) {
	return nil, sboxd.ErrNotSupported
}

func (e *mediaEngine) Create(context.Context, string) (sboxd.WriteCloser, error) {
	return nil, sboxd.ErrPermission
}

func (e *mediaEngine) Remove(context.Context, string) error { return sboxd.ErrPermission }

func (e *mediaEngine) Rename(context.Context, string, string) error { return sboxd.ErrPermission }

func (e *mediaEngine) MkdirAll(context.Context, string) error { return sboxd.ErrPermission }

func (e *mediaEngine) Permissions(context.Context, string) (*sboxd.Permissions, error) {
	return &sboxd.Permissions{}, nil
}

var (
	_ sboxd.StorageEngine      = (*mediaEngine)(nil)
	_ sboxd.PermissionReporter = (*mediaEngine)(nil)
)
