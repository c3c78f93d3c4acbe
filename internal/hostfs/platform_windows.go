//go:build windows

package hostfs

import "os"

// On Windows there is no analogue of the original's ntdll function-pointer
// table worth reimplementing for this module's needs; os.Lstat and
// os.Readlink already give the two primitives the archiver requires, so
// the platform shim here is a thin pass-through rather than a syscall
// wrapper (see DESIGN.md).
func platformLstat(path string) (platformInfo, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return platformInfo{}, err
	}
	return platformInfo{Mode: fi.Mode()}, nil
}

func platformReadlink(path string) (string, error) {
	return os.Readlink(path)
}
