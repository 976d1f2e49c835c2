//go:build linux

package concurrency

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setThreadName names the calling OS thread. The kernel keeps 15 bytes.
func setThreadName(name string) error {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}
