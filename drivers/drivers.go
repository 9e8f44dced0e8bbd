// Package drivers is a convenience package that registers all built-in
// storage backends. Import it with a blank identifier to make them
// available:
//
//	import _ "github.com/nuln/sboxd/drivers"
package drivers

import (
	"github.com/nuln/sboxd"
	_ "github.com/nuln/sboxd/driver/cloud"
	_ "github.com/nuln/sboxd/driver/internalfs"
	_ "github.com/nuln/sboxd/driver/network"
	_ "github.com/nuln/sboxd/driver/usb"
)

// List returns the names of all registered backends.
func List() []string {
	return sboxd.Drivers()
}
