//go:build !windows

package hostfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// platformLstat and platformReadlink are the POSIX halves of the platform
// shim named in spec.md's design notes: the original's global ntdll
// function-pointer table becomes, here, a small platform interface with
// two concrete implementations selected by build tag rather than by
// runtime dispatch.
func platformLstat(path string) (platformInfo, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return platformInfo{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return platformInfo{Mode: unixFileMode(st.Mode, st.Mode&unix.S_IFMT == unix.S_IFLNK)}, nil
}

func platformReadlink(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return "", &os.PathError{Op: "readlink", Path: path, Err: err}
	}
	return string(buf[:n]), nil
}

func unixFileMode(raw uint32, isSymlink bool) os.FileMode {
	perm := os.FileMode(raw & 0777)
	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		return perm | os.ModeDir
	case unix.S_IFLNK:
		return perm | os.ModeSymlink
	case unix.S_IFREG:
		return perm
	default:
		return perm | os.ModeIrregular
	}
}
