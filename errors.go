package hwcomposer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidArgument rejects a malformed call or an out-of-order frame step.
	ErrInvalidArgument = errors.New("hwcomposer: invalid argument")

	// ErrNotConnected rejects an operation on a display with no active hot-plug.
	ErrNotConnected = errors.New("hwcomposer: display not connected")

	// ErrHardwareBusy reports a control request that failed with EBUSY.
	ErrHardwareBusy = errors.New("hwcomposer: hardware busy")

	// ErrIO reports any other failed control request.
	ErrIO = errors.New("hwcomposer: hardware I/O error")

	// ErrResourceExhausted reports that no hardware assignment was feasible.
	ErrResourceExhausted = errors.New("hwcomposer: composition resources exhausted")

	// ErrClosed is returned after the device has been closed.
	ErrClosed = errors.New("hwcomposer: device closed")
)

// invalidf wraps ErrInvalidArgument with detail.
func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// hardwareError classifies a control-request failure.
func hardwareError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHardwareBusy) || errors.Is(err, ErrIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("%s: %w: %w", op, ErrHardwareBusy, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// Code maps an error to the host's integer error code: 0 on success, a
// negative errno otherwise.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return -int(unix.EINVAL)
	case errors.Is(err, ErrNotConnected):
		return -int(unix.ENODEV)
	case errors.Is(err, ErrHardwareBusy):
		return -int(unix.EBUSY)
	case errors.Is(err, ErrResourceExhausted):
		return -int(unix.ENOSPC)
	case errors.Is(err, ErrClosed):
		return -int(unix.ENODEV)
	default:
		return -int(unix.EIO)
	}
}
