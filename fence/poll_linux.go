//go:build linux
// +build linux

package fence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the fence did not signal in time.
var ErrTimeout = errors.New("fence: wait timed out")

// pollSlice bounds a single blocking poll so Wait can observe ctx.
const pollSlice = 16 * time.Millisecond

// Signaled reports whether the fence is signaled without blocking.
func Signaled(fd int) (bool, error) {
	if fd < 0 {
		return true, nil
	}
	return pollOnce(fd, 0)
}

// Wait blocks until fd signals, the timeout expires or ctx is done.
func Wait(ctx context.Context, fd int, timeout time.Duration) error {
	if fd < 0 {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if remaining > pollSlice {
			remaining = pollSlice
		}

		ok, err := pollOnce(fd, int(remaining/time.Millisecond)+1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func pollOnce(fd int, timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll fence %d: %w", fd, err)
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return false, fmt.Errorf("poll fence %d: %w", fd, unix.EBADF)
		}
		return fds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0, nil
	}
}

// Signaled reports whether a held fence has signaled.
func (t *Tracker) Signaled(fd int) (bool, error) {
	return Signaled(fd)
}

// Wait blocks on a fence; see Wait.
func (t *Tracker) Wait(ctx context.Context, fd int, timeout time.Duration) error {
	err := Wait(ctx, fd, timeout)
	if errors.Is(err, ErrTimeout) && t.debug.Load() {
		t.log.WithField("fd", fd).Warn("fence: still unsignaled after wait")
	}
	return err
}

// Dup duplicates a fence so two owners can close independently.
func Dup(fd int) (int, error) {
	if fd < 0 {
		return NoFence, nil
	}
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return NoFence, fmt.Errorf("dup fence %d: %w", fd, err)
	}
	return nfd, nil
}
