package usb

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/engine/local"
)

// Device manager error codes.
const (
	ErrFailed         = 1
	ErrBusy           = 2
	ErrNotAuthorized  = 3
	ErrNotSupported   = 4
	ErrNotMounted     = 5
	ErrAlreadyMounted = 6
	ErrTimedOut       = 7
	ErrCancelled      = 8
	ErrNoDevice       = 9
	ErrNoMedium       = 10
)

// DeviceError is a failure reported by the device manager.
type DeviceError struct {
	Code    int
	Name    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("usb: %s", e.Name)
	}
	return fmt.Sprintf("usb: %s: %s", e.Name, e.Message)
}

// LocalCode implements sboxd.CodedError.
func (e *DeviceError) LocalCode() int { return e.Code }

var errorNames = map[string]int{
	"org.freedesktop.UDisks2.Error.Failed":                 ErrFailed,
	"org.freedesktop.UDisks2.Error.DeviceBusy":             ErrBusy,
	"org.freedesktop.UDisks2.Error.NotAuthorized":          ErrNotAuthorized,
	"org.freedesktop.UDisks2.Error.NotAuthorizedCanObtain": ErrNotAuthorized,
	"org.freedesktop.UDisks2.Error.NotAuthorizedDismissed": ErrNotAuthorized,
	"org.freedesktop.UDisks2.Error.NotSupported":           ErrNotSupported,
	"org.freedesktop.UDisks2.Error.NotMounted":             ErrNotMounted,
	"org.freedesktop.UDisks2.Error.AlreadyMounted":         ErrAlreadyMounted,
	"org.freedesktop.UDisks2.Error.Timedout":               ErrTimedOut,
	"org.freedesktop.UDisks2.Error.Cancelled":              ErrCancelled,
	"org.freedesktop.UDisks2.Error.WouldWakeup":            ErrNoMedium,
	"org.freedesktop.DBus.Error.ServiceUnknown":            ErrNoDevice,
	"org.freedesktop.DBus.Error.UnknownObject":             ErrNoDevice,
	"org.freedesktop.DBus.Error.UnknownMethod":             ErrNotSupported,
	"org.freedesktop.DBus.Error.NoReply":                   ErrTimedOut,
}

// deviceError converts a D-Bus failure. Names missing from the table keep
// code 0 so the translator reports them as unknown.
func deviceError(err error) error {
	var name string
	var body []any
	var value dbus.Error
	var ptr *dbus.Error
	switch {
	case errors.As(err, &ptr):
		name, body = ptr.Name, ptr.Body
	case errors.As(err, &value):
		name, body = value.Name, value.Body
	default:
		return err
	}
	e := &DeviceError{Code: errorNames[name], Name: name}
	if len(body) > 0 {
		e.Message, _ = body[0].(string)
	}
	return e
}

var translator = sboxd.NewTranslator(Name, map[int]sboxd.Translation{
	ErrFailed:         {Code: sboxd.CodeInternal, Text: "Device operation failed"},
	ErrBusy:           {Code: sboxd.CodeDeviceBusy, Text: "Device is busy"},
	ErrNotAuthorized:  {Code: sboxd.CodePermissionDenied, Text: "Not authorized to manage the device"},
	ErrNotSupported:   {Code: sboxd.CodeNotSupported, Text: "Device does not support the operation"},
	ErrNotMounted:     {Code: sboxd.CodeDeviceUnavailable, Text: "Device is not mounted"},
	ErrAlreadyMounted: {Code: sboxd.CodeDeviceBusy, Text: "Device is already mounted"},
	ErrTimedOut:       {Code: sboxd.CodeDeviceUnavailable, Text: "Device did not respond"},
	ErrCancelled:      {Code: sboxd.CodeInternal, Text: "Device operation cancelled"},
	ErrNoDevice:       {Code: sboxd.CodeDeviceUnavailable, Text: "Device manager unavailable"},
	ErrNoMedium:       {Code: sboxd.CodeDeviceUnavailable, Text: "No medium in device"},
}).WithErrno(local.ErrnoTable())

// Translate maps USB failures into the unified taxonomy.
func Translate(err error) *sboxd.Error { return translator.TranslateError(err) }
