// Package sboxd is the core of a storage virtualization daemon. It exposes
// one operation set (list, get-properties, copy, move, remove, rename,
// eject, format, attach/authenticate) over heterogeneous backends.
//
// The root package holds the shared contracts: the [StorageEngine]
// filesystem abstraction drives resolve to, the [Request]/[Reply] unit of
// work, the unified [Error] taxonomy with per-backend [Translator] tables,
// and the [Registry] mapping backend names to provider factories.
//
// # Drivers
//
//   - internal: the device's own storage (import _ "github.com/nuln/sboxd/driver/internalfs")
//   - usb: removable drives via UDisks2 (import _ "github.com/nuln/sboxd/driver/usb")
//   - cloud: OAuth cloud drives via rclone (import _ "github.com/nuln/sboxd/driver/cloud")
//   - network: Samba mounts and UPnP media servers (import _ "github.com/nuln/sboxd/driver/network")
//
// # Quick Start
//
//	import (
//	    "github.com/nuln/sboxd"
//	    _ "github.com/nuln/sboxd/driver/internalfs"
//	)
//
//	p, err := sboxd.Default.Open(&sboxd.Config{
//	    Type:    "internal",
//	    Options: map[string]any{"root": "/var/lib/sboxd/internal"},
//	})
//
// # Import All Drivers
//
//	import _ "github.com/nuln/sboxd/drivers"
package sboxd
