package sboxd

import (
	"errors"
	"fmt"
	"os"
)

// Common storage errors. Where possible, these alias os package errors
// for compatibility with os.IsNotExist, os.IsPermission, etc.
var (
	ErrNotFound     = os.ErrNotExist
	ErrExist        = os.ErrExist
	ErrPermission   = os.ErrPermission
	ErrInvalid      = os.ErrInvalid
	ErrIsDir        = errors.New("sboxd: is a directory")
	ErrNotDir       = errors.New("sboxd: not a directory")
	ErrClosed       = errors.New("sboxd: already closed")
	ErrNotSupported = errors.New("sboxd: feature not supported by this backend")
)

// Kind groups unified error codes.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidParameter
	KindInvalidPath
	KindFileAlreadyExists
	KindPermissionDenied
	KindAuthorization
	KindNotSupported
	// KindBackend covers codes that originate in one backend's own
	// taxonomy (device busy, network failure, ...).
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInvalidParameter:
		return "invalid-parameter"
	case KindInvalidPath:
		return "invalid-path"
	case KindFileAlreadyExists:
		return "file-already-exists"
	case KindPermissionDenied:
		return "permission-denied"
	case KindAuthorization:
		return "authorization"
	case KindNotSupported:
		return "not-supported"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Unified error codes. All are negative so a terminal progress status can
// carry them directly.
const (
	CodeInternal               = -1
	CodeInvalidParameter       = -2
	CodeInvalidSourcePath      = -3
	CodeInvalidDestinationPath = -4
	CodeFileAlreadyExists      = -5
	CodePermissionDenied       = -6
	CodeSessionMismatch        = -7
	CodeInvalidDriveHandle     = -8
	CodeAlreadyAuthenticated   = -9
	CodeNotAuthenticated       = -10
	CodeNotSupported           = -11
	CodeNoSpace                = -12
	CodeDeviceBusy             = -13
	CodeDeviceUnavailable      = -14
	CodeNetworkFailure         = -15
	CodeUnknown                = -16
)

var codeTable = map[int]struct {
	kind Kind
	text string
}{
	CodeInternal:               {KindInternal, "Internal error"},
	CodeInvalidParameter:       {KindInvalidParameter, "Invalid parameter"},
	CodeInvalidSourcePath:      {KindInvalidPath, "Invalid source path"},
	CodeInvalidDestinationPath: {KindInvalidPath, "Invalid destination path"},
	CodeFileAlreadyExists:      {KindFileAlreadyExists, "File already exists"},
	CodePermissionDenied:       {KindPermissionDenied, "Permission denied"},
	CodeSessionMismatch:        {KindAuthorization, "Drive belongs to another session"},
	CodeInvalidDriveHandle:     {KindAuthorization, "Invalid drive handle"},
	CodeAlreadyAuthenticated:   {KindAuthorization, "Already authenticated"},
	CodeNotAuthenticated:       {KindAuthorization, "Not authenticated"},
	CodeNotSupported:           {KindNotSupported, "Operation not supported"},
	CodeNoSpace:                {KindBackend, "Not enough space"},
	CodeDeviceBusy:             {KindBackend, "Device is busy"},
	CodeDeviceUnavailable:      {KindBackend, "Device unavailable"},
	CodeNetworkFailure:         {KindBackend, "Network failure"},
	CodeUnknown:                {KindBackend, "Unknown error"},
}

// Error is the unified error every reply carries on failure.
type Error struct {
	Code int
	Kind Kind
	Text string
	Err  error
}

// NewError builds an Error for a unified code. An empty text uses the
// code's default message.
func NewError(code int, text string) *Error {
	entry, ok := codeTable[code]
	if !ok {
		entry = codeTable[CodeUnknown]
		code = CodeUnknown
	}
	if text == "" {
		text = entry.text
	}
	return &Error{Code: code, Kind: entry.kind, Text: text}
}

// Errorf is NewError with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap attaches cause to a new Error for code.
func Wrap(code int, cause error) *Error {
	e := NewError(code, "")
	e.Err = cause
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %v", e.Text, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%d)", e.Text, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, NewError(c, ""))
// works regardless of message text.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Fields renders the failure half of a reply.
func (e *Error) Fields() map[string]any {
	return map[string]any{
		"returnValue": false,
		"errorCode":   e.Code,
		"errorText":   e.Text,
	}
}

// CodeOf returns the unified code of err, CodeInternal if it has none.
func CodeOf(err error) int {
	return AsError(err).Code
}

// AsError converts any error into the unified taxonomy. *Error values pass
// through, os-level sentinels map to their kinds and everything else is
// an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Wrap(CodeInvalidSourcePath, err)
	case errors.Is(err, os.ErrExist):
		return Wrap(CodeFileAlreadyExists, err)
	case errors.Is(err, os.ErrPermission):
		return Wrap(CodePermissionDenied, err)
	case errors.Is(err, ErrNotSupported):
		return Wrap(CodeNotSupported, err)
	case errors.Is(err, os.ErrInvalid):
		return Wrap(CodeInvalidParameter, err)
	}
	return Wrap(CodeInternal, err)
}
