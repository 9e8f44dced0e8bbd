package network

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/engine/local"
)

// Mount error codes.
const (
	ErrMountFailed = 1
	ErrAccess      = 2
	ErrHostDown    = 3
	ErrBusy        = 4
	ErrNoShare     = 5
	ErrBadOptions  = 6
	ErrNotMounted  = 7
	ErrDiscovery   = 8
)

// MountError is a failed share mount, unmount or media server call.
type MountError struct {
	Code   int
	Op     string
	Target string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("network: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// LocalCode implements sboxd.CodedError.
func (e *MountError) LocalCode() int { return e.Code }

// mountError classifies a mount(2) or umount(2) failure.
func mountError(op, target string, err error) error {
	code := ErrMountFailed
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM, syscall.EKEYREJECTED:
			code = ErrAccess
		case syscall.EHOSTDOWN, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
			syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.ECONNRESET:
			code = ErrHostDown
		case syscall.EBUSY:
			code = ErrBusy
		case syscall.ENOENT, syscall.ENXIO, syscall.ENODEV:
			code = ErrNoShare
		case syscall.EINVAL:
			if op == "unmount" {
				code = ErrNotMounted
			} else {
				code = ErrBadOptions
			}
		}
	}
	return &MountError{Code: code, Op: op, Target: target, Err: err}
}

var translator = sboxd.NewTranslator(Name, map[int]sboxd.Translation{
	ErrMountFailed: {Code: sboxd.CodeInternal, Text: "Share mount failed"},
	ErrAccess:      {Code: sboxd.CodePermissionDenied, Text: "Share rejected the credentials"},
	ErrHostDown:    {Code: sboxd.CodeNetworkFailure, Text: "Share host unreachable"},
	ErrBusy:        {Code: sboxd.CodeDeviceBusy, Text: "Share is busy"},
	ErrNoShare:     {Code: sboxd.CodeDeviceUnavailable, Text: "Share not found"},
	ErrBadOptions:  {Code: sboxd.CodeInvalidParameter, Text: "Invalid share address or options"},
	ErrNotMounted:  {Code: sboxd.CodeDeviceUnavailable, Text: "Share is not mounted"},
	ErrDiscovery:   {Code: sboxd.CodeNetworkFailure, Text: "Media server unreachable"},
}).WithErrno(local.ErrnoTable())

// Translate maps network failures into the unified taxonomy.
func Translate(err error) *sboxd.Error { return translator.TranslateError(err) }
