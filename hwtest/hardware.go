package hwtest

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bnema/hwcomposer"
)

// DefaultPanel is the primary panel of a new Hardware.
var DefaultPanel = hwcomposer.PanelInfo{
	Timing: hwcomposer.Timing{Width: 1080, Height: 1920, RefreshHz: 60},
	DPIX:   403000,
	DPIY:   403000,
}

// DefaultTimings is the timing table of a new external display.
var DefaultTimings = []hwcomposer.Timing{
	{Width: 1920, Height: 1080, RefreshHz: 60},
	{Width: 1280, Height: 720, RefreshHz: 60},
	{Width: 720, Height: 480, RefreshHz: 60},
}

// Hardware is a fake device set: a primary panel, one pluggable external
// display, a vsync pipe and any number of virtual displays.
type Hardware struct {
	mu sync.Mutex

	Panel    hwcomposer.PanelInfo
	Primary  *Controller
	External *External

	attached   bool
	probeErr   error
	primaryErr error
	vsyncErr   error
	vsyncW     int
	vsyncFile  string
	virtuals   []*Controller
}

// New returns hardware with the external display unplugged.
func New() *Hardware {
	return &Hardware{
		Panel:    DefaultPanel,
		Primary:  NewController(),
		External: NewExternal(DefaultTimings...),
		vsyncW:   -1,
	}
}

// OpenPrimary returns the primary controller.
func (h *Hardware) OpenPrimary() (hwcomposer.Controller, hwcomposer.PanelInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.primaryErr != nil {
		return nil, hwcomposer.PanelInfo{}, h.primaryErr
	}
	return h.Primary, h.Panel, nil
}

// OpenVsync returns the read end of a fresh vsync pipe.
func (h *Hardware) OpenVsync() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.vsyncErr != nil {
		return -1, h.vsyncErr
	}
	if h.vsyncFile != "" {
		return unix.Open(h.vsyncFile, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, err
	}
	if h.vsyncW >= 0 {
		_ = unix.Close(h.vsyncW)
	}
	h.vsyncW = p[1]
	return p[0], nil
}

// Pulse writes one vsync timestamp.
func (h *Hardware) Pulse(ts int64) error {
	h.mu.Lock()
	fd := h.vsyncW
	h.mu.Unlock()
	if fd < 0 {
		return fmt.Errorf("hwtest: vsync not open")
	}
	_, err := unix.Write(fd, []byte(strconv.FormatInt(ts, 10)+"\n"))
	return err
}

// UseVsyncFile makes OpenVsync open path read-only, the way a sysfs vsync
// attribute is opened. Pulse is unavailable in this mode.
func (h *Hardware) UseVsyncFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vsyncFile = path
}

// CloseVsync closes the write end of the vsync pipe.
func (h *Hardware) CloseVsync() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.vsyncW >= 0 {
		_ = unix.Close(h.vsyncW)
		h.vsyncW = -1
	}
}

// OpenExternal reopens the external controller, ENODEV when unplugged.
func (h *Hardware) OpenExternal() (hwcomposer.ExternalController, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.attached {
		return nil, unix.ENODEV
	}
	h.External.reopen()
	return h.External, nil
}

// ProbeExternal reports whether the external display is plugged in.
func (h *Hardware) ProbeExternal() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached, h.probeErr
}

// OpenVirtual returns a new controller for a virtual display.
func (h *Hardware) OpenVirtual(width, height int) (hwcomposer.Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := NewController()
	h.virtuals = append(h.virtuals, c)
	return c, nil
}

// Plug sets whether the external display is attached.
func (h *Hardware) Plug(attached bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached = attached
}

// FailPrimary makes OpenPrimary fail with err.
func (h *Hardware) FailPrimary(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.primaryErr = err
}

// FailVsync makes OpenVsync fail with err.
func (h *Hardware) FailVsync(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vsyncErr = err
}

// FailProbe makes ProbeExternal fail with err.
func (h *Hardware) FailProbe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeErr = err
}

// Virtuals returns the controllers opened for virtual displays.
func (h *Hardware) Virtuals() []*Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Controller(nil), h.virtuals...)
}

// Close releases the vsync pipe and every fence handed out by the
// controllers that is still open.
func (h *Hardware) Close() {
	h.CloseVsync()
	h.Primary.CloseIssued()
	h.External.CloseIssued()
	for _, v := range h.Virtuals() {
		v.CloseIssued()
	}
}
