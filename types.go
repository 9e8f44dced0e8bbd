package sboxd

import (
	"io"
	"os"
	"time"
)

// EntryInfo describes a file or directory in a storage engine.
type EntryInfo struct {
	Name     string            `json:"name" cbor:"name"`
	Size     int64             `json:"size" cbor:"size"`
	ModTime  time.Time         `json:"modTime" cbor:"modTime"`
	Mode     os.FileMode       `json:"mode" cbor:"mode"`
	IsDir    bool              `json:"isDir" cbor:"isDir"`
	Path     string            `json:"path" cbor:"path"`
	Metadata map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// ToFileInfo converts EntryInfo to a standard os.FileInfo.
func (e *EntryInfo) ToFileInfo() os.FileInfo {
	return &entryFileInfoWrap{e}
}

// Fields renders the entry the way List replies carry it.
func (e *EntryInfo) Fields() map[string]any {
	kind := "file"
	if e.IsDir {
		kind = "directory"
	}
	fields := map[string]any{
		"name":         e.Name,
		"path":         e.Path,
		"type":         kind,
		"size":         e.Size,
		"lastModified": e.ModTime.UTC().Format(time.RFC3339),
	}
	for k, v := range e.Metadata {
		fields[k] = v
	}
	return fields
}

type entryFileInfoWrap struct {
	e *EntryInfo
}

func (w *entryFileInfoWrap) Name() string       { return w.e.Name }
func (w *entryFileInfoWrap) Size() int64        { return w.e.Size }
func (w *entryFileInfoWrap) Mode() os.FileMode  { return w.e.Mode }
func (w *entryFileInfoWrap) ModTime() time.Time { return w.e.ModTime }
func (w *entryFileInfoWrap) IsDir() bool        { return w.e.IsDir }
func (w *entryFileInfoWrap) Sys() interface{}   { return nil }

// ReadSeekCloser groups Read, Seek, and Close.
type ReadSeekCloser = io.ReadSeekCloser

// WriteCloser groups Write and Close.
type WriteCloser = io.WriteCloser

// FileType classifies a path as seen by the filesystem collaborator.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymlink
	// FileTypeUnavailable means the path does not exist.
	FileTypeUnavailable
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	case FileTypeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// SpaceInfo mirrors statfs-style capacity reporting, in bytes.
type SpaceInfo struct {
	Capacity  uint64
	Free      uint64
	Available uint64
}

// Permissions reports the write bits GetProperties exposes.
type Permissions struct {
	OwnerWrite bool
	GroupWrite bool
}

// Writable reports whether anyone but "other" may write.
func (p Permissions) Writable() bool { return p.OwnerWrite || p.GroupWrite }
