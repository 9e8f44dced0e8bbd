package network

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Mounter performs the kernel mount and unmount of a share.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

type kernelMounter struct{}

func (kernelMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (kernelMounter) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// sambaShare is the UNC form of a share address: "//host/share". Bare
// "host/share", "smb://host/share" and backslash forms are accepted.
func sambaShare(address string) (string, error) {
	s := strings.TrimSpace(address)
	s = strings.TrimPrefix(s, "smb:")
	s = strings.ReplaceAll(s, `\`, "/")
	s = strings.Trim(s, "/")
	host, share, ok := strings.Cut(s, "/")
	if !ok || host == "" || share == "" {
		return "", fmt.Errorf("share address %q is not host/share", address)
	}
	return "//" + host + "/" + share, nil
}

// escapeOption protects commas in a cifs option value.
func escapeOption(v string) string {
	return strings.ReplaceAll(v, ",", ",,")
}

// cifsOptions renders the mount data string. No username mounts as guest.
func cifsOptions(p AttachParams, uid, gid int) string {
	opts := []string{fmt.Sprintf("uid=%d", uid), fmt.Sprintf("gid=%d", gid), "iocharset=utf8"}
	if p.Username == "" {
		opts = append(opts, "guest")
	} else {
		opts = append(opts, "username="+escapeOption(p.Username), "password="+escapeOption(p.Password))
	}
	if p.Domain != "" {
		opts = append(opts, "domain="+escapeOption(p.Domain))
	}
	if p.Version != "" {
		opts = append(opts, "vers="+p.Version)
	}
	return strings.Join(opts, ",")
}
