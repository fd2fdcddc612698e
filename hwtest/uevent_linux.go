//go:build linux
// +build linux

package hwtest

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// UeventPair returns a connected datagram socket pair standing in for the
// kernel uevent socket: hand device to the composer, write to kernel.
func UeventPair() (kernel, device int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// Uevent builds a kernel uevent payload. env entries are KEY=VALUE.
func Uevent(action, devpath string, env ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%s", action, devpath)
	b.WriteByte(0)
	fmt.Fprintf(&b, "ACTION=%s", action)
	b.WriteByte(0)
	fmt.Fprintf(&b, "DEVPATH=%s", devpath)
	b.WriteByte(0)
	for _, kv := range env {
		b.WriteString(kv)
		b.WriteByte(0)
	}
	return []byte(b.String())
}

// SwitchUevent builds an extcon switch state change.
func SwitchUevent(name string, state int) []byte {
	return Uevent("change", "/devices/virtual/switch/"+name,
		"SUBSYSTEM=switch",
		"SWITCH_NAME="+name,
		fmt.Sprintf("SWITCH_STATE=%d", state))
}

// DRMHotplugUevent builds a DRM connector hotplug notification.
func DRMHotplugUevent() []byte {
	return Uevent("change", "/devices/platform/display/drm/card0",
		"SUBSYSTEM=drm",
		"HOTPLUG=1")
}

// SendUevent writes one payload to the kernel end of a pair.
func SendUevent(kernel int, payload []byte) error {
	_, err := unix.Write(kernel, payload)
	return err
}
