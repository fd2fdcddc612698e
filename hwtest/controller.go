package hwtest

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bnema/hwcomposer"
	"github.com/bnema/hwcomposer/assign"
)

// Controller records everything programmed into one display.
type Controller struct {
	mu      sync.Mutex
	frames  []*hwcomposer.Frame
	powers  []hwcomposer.PowerMode
	vsync   bool
	closed  bool
	opens   int
	fail    []error
	issued  []int
	noFence bool

	gate    chan struct{}
	entered chan struct{}
}

// NewController returns an open controller.
func NewController() *Controller {
	return &Controller{opens: 1}
}

// Commit records a copy of frame and returns fresh fences: one retire fence
// and a release fence per window in use.
func (c *Controller) Commit(frame *hwcomposer.Frame) (hwcomposer.CommitFences, error) {
	c.mu.Lock()
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return hwcomposer.CommitFences{}, unix.ENODEV
	}
	if len(c.fail) > 0 {
		err := c.fail[0]
		c.fail = c.fail[1:]
		return hwcomposer.CommitFences{}, err
	}

	c.frames = append(c.frames, frame.Clone())
	out := hwcomposer.CommitFences{
		Retire:  c.fenceLocked(),
		Release: make([]int, frame.Len()),
	}
	for i := range out.Release {
		out.Release[i] = hwcomposer.NoFence
		if w, ok := frame.Window(i); ok && w.State != assign.UnitFree {
			out.Release[i] = c.fenceLocked()
		}
	}
	return out, nil
}

func (c *Controller) fenceLocked() int {
	if c.noFence {
		return hwcomposer.NoFence
	}
	fd, err := NewFence()
	if err != nil {
		return hwcomposer.NoFence
	}
	c.issued = append(c.issued, fd)
	return fd
}

// SetPower records the mode.
func (c *Controller) SetPower(mode hwcomposer.PowerMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return unix.ENODEV
	}
	c.powers = append(c.powers, mode)
	return nil
}

// SetVsync records the vsync enable state.
func (c *Controller) SetVsync(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return unix.ENODEV
	}
	c.vsync = enabled
	return nil
}

// Close marks the controller closed.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Controller) reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	c.opens++
}

// FailNext makes the next len(errs) commits fail with errs in order.
func (c *Controller) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = append(c.fail, errs...)
}

// WithoutFences makes Commit return NoFence everywhere.
func (c *Controller) WithoutFences() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noFence = true
}

// Block makes the next commits wait. Each blocked commit sends on entered
// before waiting; release lets every blocked and future commit through.
func (c *Controller) Block() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 16)

	c.mu.Lock()
	c.gate, c.entered = gate, in
	c.mu.Unlock()

	var once sync.Once
	return in, func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate, c.entered = nil, nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Frames returns the committed frames.
func (c *Controller) Frames() []*hwcomposer.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*hwcomposer.Frame(nil), c.frames...)
}

// LastFrame returns the most recent committed frame, nil if none.
func (c *Controller) LastFrame() *hwcomposer.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

// Powers returns the recorded power modes.
func (c *Controller) Powers() []hwcomposer.PowerMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hwcomposer.PowerMode(nil), c.powers...)
}

// VsyncEnabled reports the last vsync enable state.
func (c *Controller) VsyncEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vsync
}

// Closed reports whether Close was called since the last open.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Opens counts how many times the controller was opened.
func (c *Controller) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Issued returns every fence handed out by Commit.
func (c *Controller) Issued() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.issued...)
}

// CloseIssued closes the handed-out fences still open, as the host would
// once done with them.
func (c *Controller) CloseIssued() int {
	return CloseAll(c.Issued()...)
}

// External is a pluggable display controller with a timing table.
type External struct {
	*Controller

	tmu      sync.Mutex
	timings  []hwcomposer.Timing
	invalid  map[int]bool
	enumErr  error
	current  hwcomposer.Timing
	sets     []hwcomposer.Timing
	setErr   error
	hdcp     bool
	audio    int
	enumRuns int

	setGate    chan struct{}
	setEntered chan struct{}
}

// NewExternal returns an external controller offering timings in order.
func NewExternal(timings ...hwcomposer.Timing) *External {
	return &External{
		Controller: NewController(),
		timings:    timings,
		invalid:    make(map[int]bool),
	}
}

// EnumTiming returns entry index, E2BIG past the end and EINVAL for entries
// marked invalid.
func (e *External) EnumTiming(index int) (hwcomposer.Timing, error) {
	e.tmu.Lock()
	defer e.tmu.Unlock()

	if index == 0 {
		e.enumRuns++
	}
	if e.enumErr != nil {
		return hwcomposer.Timing{}, e.enumErr
	}
	if index >= len(e.timings) {
		return hwcomposer.Timing{}, unix.E2BIG
	}
	if e.invalid[index] {
		return hwcomposer.Timing{}, unix.EINVAL
	}
	return e.timings[index], nil
}

// CurrentTiming returns the last timing set.
func (e *External) CurrentTiming() (hwcomposer.Timing, error) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.current, nil
}

// SetTiming records t as current.
func (e *External) SetTiming(t hwcomposer.Timing) error {
	e.tmu.Lock()
	gate, in := e.setGate, e.setEntered
	e.tmu.Unlock()
	if gate != nil {
		in <- struct{}{}
		<-gate
	}

	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.setErr != nil {
		return e.setErr
	}
	e.current = t
	e.sets = append(e.sets, t)
	return nil
}

// BlockSetTiming makes SetTiming wait the way Block does for commits.
func (e *External) BlockSetTiming() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 16)

	e.tmu.Lock()
	e.setGate, e.setEntered = gate, in
	e.tmu.Unlock()

	var once sync.Once
	return in, func() {
		once.Do(func() {
			e.tmu.Lock()
			e.setGate, e.setEntered = nil, nil
			e.tmu.Unlock()
			close(gate)
		})
	}
}

// SetHDCP records the content protection state.
func (e *External) SetHDCP(enabled bool) error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.hdcp = enabled
	return nil
}

// SetAudio records the channel count.
func (e *External) SetAudio(channels int) error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.audio = channels
	return nil
}

// SetTimings replaces the timing table.
func (e *External) SetTimings(timings ...hwcomposer.Timing) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.timings = timings
}

// MarkInvalid makes EnumTiming(index) fail with EINVAL.
func (e *External) MarkInvalid(index int) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.invalid[index] = true
}

// FailEnum makes every EnumTiming call fail with err; nil clears it.
func (e *External) FailEnum(err error) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.enumErr = err
}

// FailSetTiming makes SetTiming fail with err; nil clears it.
func (e *External) FailSetTiming(err error) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.setErr = err
}

// TimingSets returns every timing set in order.
func (e *External) TimingSets() []hwcomposer.Timing {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return append([]hwcomposer.Timing(nil), e.sets...)
}

// HDCP reports the content protection state.
func (e *External) HDCP() bool {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.hdcp
}

// Audio reports the channel count.
func (e *External) Audio() int {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.audio
}

// Enumerations counts full enumeration passes.
func (e *External) Enumerations() int {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.enumRuns
}
