package hwcomposer

import (
	"fmt"
	"sort"

	"github.com/bnema/hwcomposer/assign"
)

// FrameVersion is the layout version of Frame.
const FrameVersion = 1

// Window is the programming of one hardware composition unit.
type Window struct {
	Unit         int
	State        assign.UnitState
	Buffer       uint64
	AcquireFence int
	Source       Rect
	Dest         Rect
	Blend        BlendMode
	Transform    Transform
	PlaneAlpha   uint8
	Format       uint32
	// Layer is the index in the frame's layer list, -1 for the client target.
	Layer int
	// Stack is the blend position, 0 at the bottom, -1 for a free window.
	// Window order does not imply blend order.
	Stack int
	// Changed is false when the window matches the last committed frame.
	Changed bool
}

// Frame is one display's hardware configuration block. The window table is
// fixed at construction and only reachable through bounds-checked accessors.
type Frame struct {
	Version   uint16
	Display   DisplayID
	Bandwidth uint64
	windows   []Window
}

// NewFrame creates a frame with units free windows.
func NewFrame(display DisplayID, units int) *Frame {
	f := &Frame{
		Version: FrameVersion,
		Display: display,
		windows: make([]Window, units),
	}
	for i := range f.windows {
		f.windows[i] = Window{Unit: i, State: assign.UnitFree, AcquireFence: NoFence, Layer: -1, Stack: -1}
	}
	return f
}

// Len returns the number of windows.
func (f *Frame) Len() int {
	return len(f.windows)
}

// Window returns window i.
func (f *Frame) Window(i int) (Window, bool) {
	if i < 0 || i >= len(f.windows) {
		return Window{}, false
	}
	return f.windows[i], true
}

// SetWindow replaces window i.
func (f *Frame) SetWindow(i int, w Window) error {
	if i < 0 || i >= len(f.windows) {
		return invalidf("window %d out of range [0,%d)", i, len(f.windows))
	}
	w.Unit = i
	f.windows[i] = w
	return nil
}

// Active returns the number of windows in use.
func (f *Frame) Active() int {
	n := 0
	for i := range f.windows {
		if f.windows[i].State != assign.UnitFree {
			n++
		}
	}
	return n
}

// Stacked returns the windows in use ordered bottom to top.
func (f *Frame) Stacked() []Window {
	out := make([]Window, 0, len(f.windows))
	for _, w := range f.windows {
		if w.State != assign.UnitFree {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Stack < out[b].Stack })
	return out
}

// Clone returns an independent copy.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.windows = append([]Window(nil), f.windows...)
	return &c
}

// sameContent reports whether two windows would program identical hardware.
func sameContent(a, b Window) bool {
	return a.State == b.State && a.Buffer == b.Buffer && a.Source == b.Source &&
		a.Dest == b.Dest && a.Blend == b.Blend && a.Transform == b.Transform &&
		a.PlaneAlpha == b.PlaneAlpha && a.Format == b.Format && a.Stack == b.Stack
}

// markChanged flags windows that differ from prev.
func (f *Frame) markChanged(prev *Frame) {
	for i := range f.windows {
		pw, ok := prev.windowOrNil(i)
		f.windows[i].Changed = !ok || !sameContent(f.windows[i], pw)
	}
}

func (f *Frame) windowOrNil(i int) (Window, bool) {
	if f == nil {
		return Window{}, false
	}
	return f.Window(i)
}

// CommitFences are the fences a controller returns for a committed frame.
type CommitFences struct {
	// Retire signals when the whole frame has been consumed.
	Retire int
	// Release holds one fence per frame window, NoFence for free windows.
	Release []int
}

// Controller programs one display's composition hardware.
type Controller interface {
	// Commit programs and submits the frame. The controller does not take
	// ownership of the frame's acquire fences.
	Commit(frame *Frame) (CommitFences, error)
	SetPower(mode PowerMode) error
	SetVsync(enabled bool) error
	Close() error
}

// TimingSource enumerates and selects video timings. EnumTiming returns
// unix.E2BIG past the last entry and unix.EINVAL for an entry the hardware
// does not recognise.
type TimingSource interface {
	EnumTiming(index int) (Timing, error)
	CurrentTiming() (Timing, error)
	SetTiming(t Timing) error
}

// ExternalController drives a pluggable display.
type ExternalController interface {
	Controller
	TimingSource
	SetHDCP(enabled bool) error
	SetAudio(channels int) error
}

// PanelInfo describes the primary panel.
type PanelInfo struct {
	Timing Timing
	DPIX   int
	DPIY   int
}

// Hardware opens the kernel devices behind each display.
type Hardware interface {
	OpenPrimary() (Controller, PanelInfo, error)
	// OpenVsync returns a descriptor that becomes readable on each vsync and
	// reads back the timestamp in nanoseconds.
	OpenVsync() (int, error)
	OpenExternal() (ExternalController, error)
	// ProbeExternal reports whether a pluggable display is attached.
	ProbeExternal() (bool, error)
	OpenVirtual(width, height int) (Controller, error)
}

func (w Window) String() string {
	return fmt.Sprintf("unit%d[%s layer=%d z=%d buf=%#x %dx%d changed=%t]",
		w.Unit, w.State, w.Layer, w.Stack, w.Buffer, w.Dest.Width(), w.Dest.Height(), w.Changed)
}
