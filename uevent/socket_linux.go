//go:build linux
// +build linux

package uevent

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// BufferSize fits the largest uevent the kernel emits.
const BufferSize = 64 * 1024

// ErrTruncated reports a datagram longer than the read buffer.
var ErrTruncated = errors.New("uevent: datagram truncated")

// kernelGroup is the multicast group carrying kernel-originated uevents.
const kernelGroup = 1

// Listen opens a non-blocking netlink socket subscribed to kernel uevents.
func Listen() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return -1, fmt.Errorf("uevent socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: kernelGroup,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("uevent bind: %w", err)
	}

	// Ignore failure: the default receive buffer still works, it just drops
	// under bursts.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, BufferSize)

	return fd, nil
}

// Read receives one datagram from fd into buf. A datagram that did not fit
// is consumed and reported as ErrTruncated.
func Read(fd int, buf []byte) (int, error) {
	n, _, flags, _, err := unix.Recvmsg(fd, buf, nil, 0)
	if err != nil {
		return 0, err
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, fmt.Errorf("%w: %d byte buffer", ErrTruncated, len(buf))
	}
	return n, nil
}
