package local

import (
	"maps"
	"syscall"

	"github.com/nuln/sboxd"
)

var errnoTable = map[syscall.Errno]sboxd.Translation{
	syscall.ENOSPC:       {Code: sboxd.CodeNoSpace, Text: "No space left on device"},
	syscall.EDQUOT:       {Code: sboxd.CodeNoSpace, Text: "Disk quota exceeded"},
	syscall.EACCES:       {Code: sboxd.CodePermissionDenied, Text: "Permission denied"},
	syscall.EPERM:        {Code: sboxd.CodePermissionDenied, Text: "Operation not permitted"},
	syscall.EROFS:        {Code: sboxd.CodePermissionDenied, Text: "Read-only file system"},
	syscall.EEXIST:       {Code: sboxd.CodeFileAlreadyExists, Text: "File exists"},
	syscall.ENOTEMPTY:    {Code: sboxd.CodeFileAlreadyExists, Text: "Directory not empty"},
	syscall.EXDEV:        {Code: sboxd.CodeNotSupported, Text: "Cross-device link"},
	syscall.EBUSY:        {Code: sboxd.CodeDeviceBusy, Text: "Device or resource busy"},
	syscall.EIO:          {Code: sboxd.CodeDeviceUnavailable, Text: "Input/output error"},
	syscall.ENODEV:       {Code: sboxd.CodeDeviceUnavailable, Text: "No such device"},
	syscall.ENAMETOOLONG: {Code: sboxd.CodeInvalidParameter, Text: "File name too long"},
}

// ErrnoTable returns the system-call error translations shared by every
// backend that stores data on a mounted filesystem. Callers own the copy.
func ErrnoTable() map[syscall.Errno]sboxd.Translation {
	return maps.Clone(errnoTable)
}
