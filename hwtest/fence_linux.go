//go:build linux
// +build linux

// Package hwtest provides in-memory composer hardware: controllers that
// record every programmed frame, an external display with a scriptable
// timing table, a pipe-backed vsync source and eventfd-backed fences whose
// open/closed state can be observed.
package hwtest

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// NewFence returns an unsignaled fence descriptor.
func NewFence() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// Signal marks a fence created by NewFence as signaled.
func Signal(fd int) error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(fd, one[:])
	return err
}

// IsOpen reports whether fd is an open descriptor.
func IsOpen(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// CloseAll closes every descriptor in fds that is still open and returns how
// many it closed.
func CloseAll(fds ...int) int {
	n := 0
	for _, fd := range fds {
		if IsOpen(fd) && unix.Close(fd) == nil {
			n++
		}
	}
	return n
}
