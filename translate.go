package sboxd

import (
	"errors"
	"fmt"
	"maps"
	"syscall"
)

// CodedError is implemented by backend-local errors that carry the
// backend's own numeric code.
type CodedError interface {
	error
	LocalCode() int
}

// Translation is one row of a backend's error table.
type Translation struct {
	Code int
	Text string
}

// Translator maps one backend's local error codes onto the unified
// taxonomy. It is immutable after construction and safe for concurrent
// use.
type Translator struct {
	backend string
	table   map[int]Translation
	errno   map[syscall.Errno]Translation
}

// NewTranslator copies table into a new Translator for backend.
func NewTranslator(backend string, table map[int]Translation) *Translator {
	return &Translator{backend: backend, table: maps.Clone(table)}
}

// WithErrno returns a copy of t that also translates failed system calls
// found in an error chain. Errnos missing from table fall through to
// AsError.
func (t *Translator) WithErrno(table map[syscall.Errno]Translation) *Translator {
	return &Translator{backend: t.backend, table: t.table, errno: maps.Clone(table)}
}

// Backend returns the backend name the table belongs to.
func (t *Translator) Backend() string { return t.backend }

// Translate looks up a local code. Unknown codes fall through to
// CodeUnknown with the local code in the message.
func (t *Translator) Translate(local int) *Error {
	if tr, ok := t.table[local]; ok {
		return NewError(tr.Code, tr.Text)
	}
	return NewError(CodeUnknown, fmt.Sprintf("Unknown %s error %d", t.backend, local))
}

// TranslateError translates err. Errors already in the unified taxonomy
// pass through; coded backend errors and known errnos go through the
// tables, keeping err as the cause; anything else goes through AsError.
func (t *Translator) TranslateError(err error) *Error {
	if err == nil {
		return nil
	}
	var unified *Error
	if errors.As(err, &unified) {
		return unified
	}
	var coded CodedError
	if errors.As(err, &coded) {
		e := t.Translate(coded.LocalCode())
		e.Err = err
		return e
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if tr, ok := t.errno[errno]; ok {
			e := NewError(tr.Code, tr.Text)
			e.Err = err
			return e
		}
	}
	return AsError(err)
}
