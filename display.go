package hwcomposer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bnema/hwcomposer/assign"
)

// FrameState is the per-frame position of a display.
type FrameState uint8

const (
	StateIdle FrameState = iota
	StatePrepared
	StateValidated
	StateCommitted
	StateRetired
)

func (s FrameState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateValidated:
		return "validated"
	case StateCommitted:
		return "committed"
	case StateRetired:
		return "retired"
	}
	return "unknown"
}

// Request is a display-level request returned by Validate.
type Request uint8

const (
	// RequestClientTarget asks the host to render the client layers into
	// the client target buffer passed to Commit.
	RequestClientTarget Request = 1 << iota
)

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	// Changed maps layer index to the decided type for every layer whose
	// decision differs from its request.
	Changed  map[int]CompositionType
	Requests Request
	// Device and Client count the layers on each path.
	Device int
	Client int
	// Forced is set when every layer was sent to the client path by a skip
	// state or an override.
	Forced bool
}

// CommitResult is the outcome of Commit.
type CommitResult struct {
	// Retire signals when the whole frame has been consumed. The host owns it.
	Retire int
	// Release holds one fence per layer; NoFence for client layers. The host
	// owns every descriptor in it.
	Release []int
	// Skipped is set when the commit was a no-op.
	Skipped bool
}

// Snapshot is the last hardware configuration committed on a display.
type Snapshot struct {
	Frame     *Frame
	Bandwidth uint64
	// Hardware holds the buffers that were scanned out by a unit.
	Hardware map[uint64]bool
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{Frame: s.Frame.Clone(), Bandwidth: s.Bandwidth, Hardware: make(map[uint64]bool, len(s.Hardware))}
	for k, v := range s.Hardware {
		c.Hardware[k] = v
	}
	return c
}

// fault is an injected commit failure.
type fault struct {
	err    error
	frames int
}

// Display drives one logical display through the frame cycle.
type Display struct {
	ctx  *Context
	id   DisplayID
	kind DisplayKind
	name string
	log  *logrus.Entry

	limits     assign.Limits
	transforms Transform

	mu        sync.Mutex
	ctrl      Controller
	timing    TimingSource
	connected bool
	power     PowerMode
	blanked   bool
	// handover blanks the display until the first commit after a
	// configuration install.
	handover bool

	configs     []Config
	active      int
	// virtualSize is the requested geometry of a virtual display.
	virtualSize Timing
	prevConfigs []Config
	prevActive  int

	state    FrameState
	accepted bool
	skip     bool
	layers   []Layer
	plan     assign.Plan
	snapshot *Snapshot

	resolutionSkip int
	animationSkip  int
	fault          *fault

	hotplug       atomic.Uint32
	vsyncEnabled  atomic.Bool
	advisorClient atomic.Bool
	frames        atomic.Uint64
	lastSubmit    atomic.Int64
	usesHardware  atomic.Bool
}

func newDisplay(ctx *Context, id DisplayID, name string, pool PoolConfig) *Display {
	return &Display{
		ctx:  ctx,
		id:   id,
		kind: KindOf(id),
		name: name,
		log: ctx.log.WithFields(logrus.Fields{
			"display": id.String(),
			"owner":   name,
		}),
		limits: assign.Limits{
			Units:        pool.Units,
			MaxBandwidth: pool.MaxBandwidth,
			MaxOverlap:   pool.MaxOverlap,
		},
		transforms: pool.Transforms,
		prevActive: -1,
	}
}

// ID returns the display identity.
func (d *Display) ID() DisplayID {
	return d.id
}

// Name returns the display's unique name, used as its fence owner.
func (d *Display) Name() string {
	return d.name
}

// Kind returns the display class.
func (d *Display) Kind() DisplayKind {
	return d.kind
}

// Prepare takes the frame's layer list. Acquire fences are owned by the
// display from here on, on every path.
func (d *Display) Prepare(layers []Layer) error {
	if layers == nil {
		return invalidf("%s: nil layer list", d.id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		d.closeLayerFences(layers)
		return ErrNotConnected
	}

	d.retireLocked()

	d.layers = make([]Layer, len(layers))
	animating := false
	for i, l := range layers {
		l.AcquireFence = d.ctx.fences.Acquire(l.AcquireFence, d.name, "acquire")
		l.ReleaseFence = NoFence
		l.Composition = l.Requested
		if l.Flags&LayerRotationAnimation != 0 {
			animating = true
		}
		d.layers[i] = l
	}
	if animating && d.animationSkip < d.ctx.cfg.AnimationSkipFrames {
		d.animationSkip = d.ctx.cfg.AnimationSkipFrames
		d.log.WithField("frames", d.animationSkip).Debug("display: rotation animation, forcing client composition")
	}

	d.plan = assign.Plan{}
	d.state = StatePrepared
	d.accepted = false
	d.skip = false

	d.frames.Add(1)
	d.lastSubmit.Store(time.Now().UnixNano())
	d.ctx.stats.Frames.Add(1)
	return nil
}

// retireLocked ends the previous frame. A committed frame passes through
// Retired; an uncommitted one is abandoned and its fences closed.
func (d *Display) retireLocked() {
	switch d.state {
	case StateCommitted:
		d.state = StateRetired
		d.ctx.fences.EndFrame(d.name)
	case StatePrepared, StateValidated:
		if n := d.ctx.fences.CloseOwner(d.name); n > 0 {
			d.log.WithField("fences", n).Debug("display: abandoned frame")
		}
	}
	d.state = StateIdle
}

func (d *Display) closeLayerFences(layers []Layer) {
	for _, l := range layers {
		if l.AcquireFence >= 0 {
			d.ctx.fences.Close(d.ctx.fences.Acquire(l.AcquireFence, d.name, "rejected"))
		}
	}
}

// skipLocked reports whether the next commit must be a no-op.
func (d *Display) skipLocked() bool {
	return d.resolutionSkip > 0 || d.animationSkip > 0 || d.blanked || d.handover || d.power == PowerOff
}

// Validate decides a composition type for every layer. It does no hardware
// I/O and returns the same result when repeated for the same frame.
func (d *Display) Validate() (ValidateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ValidateResult{}, ErrNotConnected
	}
	if d.state != StatePrepared && d.state != StateValidated {
		return ValidateResult{}, invalidf("%s: validate in state %s", d.id, d.state)
	}

	skip := d.skipLocked()
	override := d.ctx.forceGPU.Load() || (d.id == DisplayPrimary && d.advisorClient.Load())

	cands := make([]assign.Candidate, len(d.layers))
	for i := range d.layers {
		l := &d.layers[i]
		cands[i] = assign.Candidate{
			Index:       i,
			Z:           i,
			Frame:       l.DisplayFrame,
			Cost:        l.cost(),
			Eligible:    !skip && d.eligible(l, override),
			WasHardware: d.snapshot != nil && d.snapshot.Hardware[l.Buffer],
		}
	}

	plan := assign.Assign(cands, d.limits, d.ctx.budget.Available(d.name))
	if plan.Fallback {
		d.ctx.stats.Fallbacks.Add(1)
		d.log.WithError(ErrResourceExhausted).Debug("display: no feasible assignment, composing on client path")
	}

	res := ValidateResult{
		Changed: make(map[int]CompositionType),
		Forced:  skip || override,
	}
	for i := range d.layers {
		l := &d.layers[i]
		if plan.IsHardware(i) {
			l.Composition = l.Requested
			res.Device++
		} else {
			l.Composition = CompositionClient
			res.Client++
		}
		if l.Composition != l.Requested {
			res.Changed[i] = l.Composition
		}
	}
	if plan.NeedsClientTarget() {
		res.Requests |= RequestClientTarget
	}

	d.plan = plan
	d.skip = skip
	d.state = StateValidated
	d.accepted = false
	return res, nil
}

// eligible reports whether a layer may use a hardware unit. Protected
// layers stay eligible under the client override and the skip flag.
func (d *Display) eligible(l *Layer, override bool) bool {
	if !l.Requested.hardware() {
		return false
	}
	if l.Requested != CompositionSolidColor && l.Buffer == 0 {
		return false
	}
	if l.Flags&LayerProtected != 0 {
		return true
	}
	if override || l.Flags&LayerSkip != 0 {
		return false
	}
	return l.Transform&^d.transforms == 0
}

// AcceptChanges acknowledges the decisions of the last Validate.
func (d *Display) AcceptChanges() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	if d.state != StateValidated {
		return invalidf("%s: accept in state %s", d.id, d.state)
	}
	d.accepted = true
	return nil
}

// Commit programs the accepted frame. acquireFence guards the client target
// buffer and is owned by the display from here on. On failure the previous
// snapshot stays in place and the frame is dropped.
func (d *Display) Commit(clientTarget uint64, acquireFence int) (CommitResult, error) {
	tracker := d.ctx.fences
	ct := tracker.Acquire(acquireFence, d.name, "client-target")

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		tracker.Close(ct)
		return CommitResult{}, ErrNotConnected
	}
	if d.state != StateValidated || !d.accepted {
		tracker.Close(ct)
		return CommitResult{}, invalidf("%s: commit in state %s (accepted=%t)", d.id, d.state, d.accepted)
	}

	// A handover or blank armed after Validate turns the frame into a no-op.
	if d.skip || d.skipLocked() {
		return d.skipCommitLocked(), nil
	}

	if d.plan.NeedsClientTarget() && clientTarget == 0 {
		tracker.Close(ct)
		return CommitResult{}, invalidf("%s: client target required", d.id)
	}

	frame := d.buildFrame(clientTarget, ct)
	if d.snapshot != nil {
		frame.markChanged(d.snapshot.Frame)
	} else {
		frame.markChanged(nil)
	}

	res, err := d.ctx.budget.Reserve(d.name, frame.Bandwidth)
	if err != nil {
		return CommitResult{}, d.dropLocked(fmt.Errorf("reserve bandwidth: %w: %w", ErrHardwareBusy, err))
	}

	start := time.Now()
	fences, err := d.commitHardware(frame)
	if err != nil {
		res.Cancel()
		return CommitResult{}, d.dropLocked(hardwareError("commit", err))
	}
	res.Commit()
	d.ctx.stats.Commits.Add(1)
	d.ctx.stats.CommitNanos.Add(uint64(time.Since(start)))

	// The hardware has its own reference to every buffer now.
	tracker.CloseOwner(d.name)

	out := CommitResult{
		Retire:  tracker.Transfer(tracker.Acquire(fences.Retire, d.name, "retire")),
		Release: make([]int, len(d.layers)),
	}
	for i := range out.Release {
		out.Release[i] = NoFence
	}
	for i := 0; i < frame.Len(); i++ {
		w, _ := frame.Window(i)
		rf := NoFence
		if i < len(fences.Release) {
			rf = tracker.Acquire(fences.Release[i], d.name, "release")
		}
		if w.State == assign.UnitLayer && w.Layer >= 0 && w.Layer < len(out.Release) {
			out.Release[w.Layer] = tracker.Transfer(rf)
			d.layers[w.Layer].ReleaseFence = out.Release[w.Layer]
			continue
		}
		tracker.Close(rf)
	}
	for i := frame.Len(); i < len(fences.Release); i++ {
		tracker.Close(tracker.Acquire(fences.Release[i], d.name, "release"))
	}

	snap := &Snapshot{Frame: frame, Bandwidth: frame.Bandwidth, Hardware: make(map[uint64]bool, len(d.plan.Hardware))}
	for _, i := range d.plan.Hardware {
		snap.Hardware[d.layers[i].Buffer] = true
	}
	d.snapshot = snap
	d.usesHardware.Store(len(d.plan.Hardware) > 0)

	d.state = StateCommitted
	d.configCommittedLocked()
	return out, nil
}

// skipCommitLocked completes a frame without touching the hardware.
func (d *Display) skipCommitLocked() CommitResult {
	d.ctx.fences.CloseOwner(d.name)

	if d.resolutionSkip > 0 {
		d.resolutionSkip--
	}
	if d.animationSkip > 0 {
		d.animationSkip--
	}

	out := CommitResult{Retire: NoFence, Release: make([]int, len(d.layers)), Skipped: true}
	for i := range out.Release {
		out.Release[i] = NoFence
	}
	d.ctx.stats.SkippedCommits.Add(1)
	d.state = StateCommitted
	d.configCommittedLocked()
	return out
}

// dropLocked abandons the frame after a failed commit.
func (d *Display) dropLocked(err error) error {
	d.ctx.fences.CloseOwner(d.name)
	d.ctx.stats.FailedCommits.Add(1)
	d.state = StateIdle
	d.accepted = false
	d.log.WithError(err).Warn("display: commit failed, frame dropped")
	return err
}

func (d *Display) commitHardware(frame *Frame) (CommitFences, error) {
	if d.fault != nil && d.fault.frames > 0 {
		d.fault.frames--
		err := d.fault.err
		if d.fault.frames == 0 {
			d.fault = nil
		}
		return CommitFences{}, err
	}
	return d.ctrl.Commit(frame)
}

// buildFrame translates the plan into a hardware configuration block. The
// last window is the framebuffer unit carrying the client target.
func (d *Display) buildFrame(clientTarget uint64, ct int) *Frame {
	frame := NewFrame(d.id, d.limits.Units+1)
	frame.Bandwidth = d.plan.Bandwidth
	for _, u := range d.plan.Units {
		var w Window
		switch u.State {
		case assign.UnitLayer:
			l := &d.layers[u.Layer]
			w = Window{
				State:        assign.UnitLayer,
				Buffer:       l.Buffer,
				AcquireFence: l.AcquireFence,
				Source:       l.SourceCrop,
				Dest:         l.DisplayFrame,
				Blend:        l.Blend,
				Transform:    l.Transform,
				PlaneAlpha:   l.PlaneAlpha,
				Format:       l.Format,
				Layer:        u.Layer,
				Stack:        u.Stack,
			}
		case assign.UnitClientTarget:
			w = Window{
				State:        assign.UnitClientTarget,
				Buffer:       clientTarget,
				AcquireFence: ct,
				Source:       d.plan.ClientTarget,
				Dest:         d.plan.ClientTarget,
				Blend:        BlendPremultiplied,
				PlaneAlpha:   0xff,
				Layer:        -1,
				Stack:        u.Stack,
			}
		default:
			continue
		}
		if err := frame.SetWindow(u.Index, w); err != nil {
			d.log.WithError(err).WithField("unit", u.Index).Error("display: plan unit outside frame")
		}
	}
	return frame
}

// configCommittedLocked completes a configuration handover.
func (d *Display) configCommittedLocked() {
	if d.hotplug.CompareAndSwap(uint32(HotplugConfigPending), uint32(HotplugActive)) {
		d.handover = false
		d.log.WithField("config", d.active).Info("display: configuration active")
	}
}

// drainLocked closes every held fence and forgets all assignments.
func (d *Display) drainLocked() {
	if n := d.ctx.fences.CloseOwner(d.name); n > 0 {
		d.log.WithField("fences", n).Debug("display: drained")
	}
	d.layers = nil
	d.plan = assign.Plan{}
	d.snapshot = nil
	d.state = StateIdle
	d.accepted = false
	d.skip = false
	d.usesHardware.Store(false)
	d.ctx.budget.Release(d.name)
}

// SetPower changes the power mode. Turning off drains first; turning on
// powers up first and then unblanks.
func (d *Display) SetPower(mode PowerMode) error {
	if mode > PowerOn {
		return invalidf("%s: unknown power mode %d", d.id, mode)
	}

	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return ErrNotConnected
	}
	if mode == PowerOff {
		d.drainLocked()
		err := d.ctrl.SetPower(PowerOff)
		d.power = PowerOff
		d.blanked = true
		d.mu.Unlock()
		if err != nil {
			return hardwareError("power off", err)
		}
		d.log.Info("display: powered off")
		return nil
	}

	if err := d.ctrl.SetPower(mode); err != nil {
		d.mu.Unlock()
		return hardwareError("power "+mode.String(), err)
	}
	d.power = mode
	d.blanked = false
	d.mu.Unlock()

	d.log.WithField("mode", mode).Info("display: powered on")
	d.ctx.emitRefresh(d.id)
	return nil
}

// SetVsync enables or disables vsync delivery for the display.
func (d *Display) SetVsync(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	if err := d.ctrl.SetVsync(enabled); err != nil {
		return hardwareError("vsync control", err)
	}
	d.vsyncEnabled.Store(enabled)
	return nil
}

// setFault arms an injected commit failure for the next frames.
func (d *Display) setFault(err error, frames int) {
	if err == nil {
		err = unix.EIO
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if frames <= 0 {
		d.fault = nil
		return
	}
	d.fault = &fault{err: err, frames: frames}
}

// State returns the frame state.
func (d *Display) State() FrameState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Power returns the power mode.
func (d *Display) Power() PowerMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

// Blanked reports whether the display shows nothing, including during a
// configuration handover.
func (d *Display) Blanked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blanked || d.handover
}

// Connected reports whether the display accepts frames.
func (d *Display) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// HotplugState returns the connection state.
func (d *Display) HotplugState() HotplugState {
	return HotplugState(d.hotplug.Load())
}

// Configs returns the enumerated configurations.
func (d *Display) Configs() []Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Config(nil), d.configs...)
}

// ActiveConfig returns the active configuration index.
func (d *Display) ActiveConfig() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Snapshot returns a copy of the last committed configuration, nil before
// the first hardware commit.
func (d *Display) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot.clone()
}

// Layers returns a copy of the current frame's layers with their decisions.
func (d *Display) Layers() []Layer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Layer(nil), d.layers...)
}

// SkipFrames returns the remaining resolution and animation skip counts.
func (d *Display) SkipFrames() (resolution, animation int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolutionSkip, d.animationSkip
}
