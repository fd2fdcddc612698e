//go:build linux
// +build linux

package hwcomposer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bnema/hwcomposer/uevent"
)

// listener blocks on one event source and hands each wake-up to handle.
// stop flags the loop, wakes it through an eventfd and waits for it to exit
// before closing the descriptors, so a stopped listener never calls handle.
type listener struct {
	name   string
	fd     int
	wake   int
	handle func(fd int) error
	log    *logrus.Entry
	// events is polled on fd. ready is the subset that means new data.
	events int16
	ready  int16

	stopping atomic.Bool
	done     chan struct{}
}

// startListener takes ownership of fd once it returns without error.
func startListener(name string, fd int, log *logrus.Logger, handle func(fd int) error) (*listener, error) {
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%s wake eventfd: %w", name, err)
	}
	l := &listener{
		name:   name,
		fd:     fd,
		wake:   wake,
		handle: handle,
		log:    log.WithField("listener", name),
		done:   make(chan struct{}),
	}
	l.events, l.ready = sourceEvents(fd)
	go l.run()
	return l, nil
}

// sourceEvents picks the poll events for fd. A seekable source is a sysfs
// attribute: it always reads as ready and reports an update with
// POLLPRI|POLLERR. Pipes, sockets and eventfds report POLLIN.
func sourceEvents(fd int) (events, ready int16) {
	if _, err := unix.Seek(fd, 0, unix.SEEK_CUR); err == nil {
		return unix.POLLPRI | unix.POLLERR, unix.POLLPRI | unix.POLLERR
	}
	return unix.POLLIN, unix.POLLIN
}

func (l *listener) run() {
	defer close(l.done)

	fds := []unix.PollFd{
		{Fd: int32(l.fd), Events: l.events},
		{Fd: int32(l.wake), Events: unix.POLLIN},
	}
	for !l.stopping.Load() {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.log.WithError(err).Warn("listener: poll failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if l.stopping.Load() {
			return
		}

		ev := fds[0].Revents
		if ev&l.ready != 0 {
			if err := l.handle(l.fd); err != nil {
				l.log.WithError(err).Warn("listener: read failed")
			}
			continue
		}
		if ev&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			// The source is gone; keep waiting on the wake descriptor only.
			l.log.WithField("revents", ev).Warn("listener: source hung up")
			fds[0].Fd = -1
		}
	}
}

// stop ends the loop and closes both descriptors. It is idempotent.
func (l *listener) stop() {
	if !l.stopping.CompareAndSwap(false, true) {
		<-l.done
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wake, one[:]); err != nil {
		l.log.WithError(err).Warn("listener: wake failed")
	}
	<-l.done
	_ = unix.Close(l.wake)
	_ = unix.Close(l.fd)
}

// readVsync reads the latest vsync timestamp and forwards it when vsync is
// enabled. The source is a sysfs attribute read at offset 0, or a stream
// when it cannot seek. A timestamp equal to the previous one is dropped.
func (dev *Device) readVsync(fd int) error {
	buf := dev.vsyncBuf[:]
	n, err := unix.Pread(fd, buf, 0)
	if errors.Is(err, unix.ESPIPE) {
		n, err = unix.Read(fd, buf)
	}
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	if err != nil {
		dev.ctx.stats.VsyncErrors.Add(1)
		return fmt.Errorf("read vsync: %w", err)
	}

	ts, err := parseTimestamp(buf[:n])
	if err != nil {
		dev.ctx.stats.VsyncErrors.Add(1)
		return err
	}
	dev.ctx.stats.Vsyncs.Add(1)
	if ts == dev.lastVsync {
		return nil
	}
	dev.lastVsync = ts
	if dev.primary.vsyncEnabled.Load() {
		dev.ctx.emitVsync(DisplayPrimary, ts)
	}
	return nil
}

// parseTimestamp returns the last decimal nanosecond value in b.
func parseTimestamp(b []byte) (int64, error) {
	fields := bytes.Fields(b)
	if len(fields) == 0 {
		return 0, errors.New("vsync: empty timestamp")
	}
	ts, err := strconv.ParseInt(string(fields[len(fields)-1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("vsync: bad timestamp: %w", err)
	}
	return ts, nil
}

// readUevent receives one datagram and dispatches it by source name.
func (dev *Device) readUevent(fd int) error {
	n, err := uevent.Read(fd, dev.ueventBuf)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return nil
	}
	if errors.Is(err, uevent.ErrTruncated) {
		dev.dispatcher.Stats().Malformed.Add(1)
		dev.ctx.log.WithError(err).Debug("hotplug: malformed uevent ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read uevent: %w", err)
	}

	ev, err := uevent.Parse(dev.ueventBuf[:n])
	if err != nil {
		dev.dispatcher.Stats().Malformed.Add(1)
		dev.ctx.log.WithError(err).Debug("hotplug: malformed uevent ignored")
		return nil
	}
	dev.HandleUevent(ev)
	return nil
}
