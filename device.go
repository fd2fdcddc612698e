// Package hwcomposer provides a hardware composer for a display stack with one
// always-on primary display and hot-pluggable external and virtual displays.
//
// Each frame, layers are split between the display's fixed pool of overlay
// units and a single client (GPU) target, committed to the controller, and
// their fences are tracked so every buffer handle is released exactly once.
package hwcomposer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/bnema/hwcomposer/fence"
	"github.com/bnema/hwcomposer/uevent"
)

// Option configures Open.
type Option func(*options)

type options struct {
	log       *logrus.Logger
	ueventFD  int
	fenceOpts []fence.Option
}

// WithLogger replaces the device logger.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithUeventFD makes the hotplug listener read fd instead of opening a
// netlink socket. The device takes ownership of fd.
func WithUeventFD(fd int) Option {
	return func(o *options) {
		o.ueventFD = fd
	}
}

// WithFenceOptions passes options to the fence tracker.
func WithFenceOptions(opts ...fence.Option) Option {
	return func(o *options) {
		o.fenceOpts = append(o.fenceOpts, opts...)
	}
}

// Device holds the displays of one composer and dispatches host calls to them.
type Device struct {
	ctx *Context
	hw  Hardware

	displays    sync.Map // map[DisplayID]*Display
	primary     *Display
	external    *Display
	nextVirtual atomic.Int32
	hotplugMu   sync.Mutex

	dispatcher *uevent.Dispatcher
	vsync      *listener
	uevents    *listener
	advisor    *advisor

	// Reusable read buffers, each used by a single listener goroutine
	vsyncBuf  [64]byte
	ueventBuf []byte
	lastVsync int64

	closeOnce sync.Once
	closeErr  error
}

// PrepareRequest carries one display's layers for Prepare.
type PrepareRequest struct {
	Display DisplayID
	Layers  []Layer
}

// PrepareResult is one display's outcome of Prepare.
type PrepareResult struct {
	Display  DisplayID
	Validate ValidateResult
	// Layers are the submitted layers with their composition decisions.
	Layers []Layer
	Err    error
}

// SetRequest carries one display's client target for Set.
type SetRequest struct {
	Display      DisplayID
	ClientTarget uint64
	AcquireFence int
}

// SetResult is one display's outcome of Set.
type SetResult struct {
	Display DisplayID
	Commit  CommitResult
	Err     error
}

// Open brings up the primary display and the background listeners. A
// failure to open the primary display or its vsync source is fatal.
func Open(cfg ComposerConfig, hw Hardware, opts ...Option) (*Device, error) {
	if hw == nil {
		return nil, invalidf("nil hardware")
	}
	if err := cfg.Validate(); err != nil {
		return nil, invalidf("%v", err)
	}

	o := options{ueventFD: -1}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		level, err := cfg.Level()
		if err != nil {
			return nil, invalidf("%v", err)
		}
		log = logrus.New()
		log.SetLevel(level)
	}

	ctx := newContext(cfg, log, o.fenceOpts...)
	dev := &Device{
		ctx:        ctx,
		hw:         hw,
		dispatcher: uevent.NewDispatcher(),
		ueventBuf:  make([]byte, uevent.BufferSize),
	}
	dev.nextVirtual.Store(int32(DisplayVirtual))

	ctrl, panel, err := hw.OpenPrimary()
	if err != nil {
		closeFD(o.ueventFD)
		return nil, hardwareError("open primary display", err)
	}
	dev.primary = newDisplay(ctx, DisplayPrimary, DisplayPrimary.String(), cfg.Primary)
	dev.primary.installPrimary(ctrl, Config{Timing: panel.Timing, DPIX: panel.DPIX, DPIY: panel.DPIY})
	dev.displays.Store(DisplayPrimary, dev.primary)

	dev.external = newDisplay(ctx, DisplayExternal, DisplayExternal.String(), cfg.External)
	dev.displays.Store(DisplayExternal, dev.external)

	vfd, err := hw.OpenVsync()
	if err != nil {
		_ = ctrl.Close()
		closeFD(o.ueventFD)
		return nil, hardwareError("open vsync source", err)
	}
	dev.vsync, err = startListener("vsync", vfd, log, dev.readVsync)
	if err != nil {
		closeFD(vfd)
		_ = ctrl.Close()
		closeFD(o.ueventFD)
		return nil, fmt.Errorf("start vsync listener: %w", err)
	}

	dev.routeUevents()
	ufd := o.ueventFD
	if ufd < 0 && cfg.Hotplug.uevents() {
		if ufd, err = uevent.Listen(); err != nil {
			log.WithError(err).Warn("hwcomposer: uevent socket unavailable, hotplug detection disabled")
			ufd = -1
		}
	}
	if ufd >= 0 {
		if dev.uevents, err = startListener("uevent", ufd, log, dev.readUevent); err != nil {
			log.WithError(err).Warn("hwcomposer: uevent listener failed to start")
			closeFD(ufd)
		}
	}

	dev.advisor = newAdvisor(ctx, dev.primary)
	dev.advisor.update()

	if attached, err := hw.ProbeExternal(); err != nil {
		log.WithError(err).Warn("hwcomposer: external display probe failed")
	} else if attached {
		if err := dev.connect(dev.external); err != nil {
			log.WithError(err).Warn("hwcomposer: external display failed to connect")
		}
	}

	log.WithFields(logrus.Fields{
		"timing": panel.Timing.String(),
		"units":  cfg.Primary.Units,
	}).Info("hwcomposer: device open")
	return dev, nil
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

// Context returns the shared device context.
func (dev *Device) Context() *Context {
	return dev.ctx
}

// Display returns the display registered under id.
func (dev *Device) Display(id DisplayID) (*Display, error) {
	if dev.ctx.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := dev.displays.Load(id)
	if !ok {
		return nil, invalidf("unknown display %s", id)
	}
	return v.(*Display), nil
}

// Displays returns the registered display IDs in ascending order.
func (dev *Device) Displays() []DisplayID {
	var ids []DisplayID
	dev.displays.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(DisplayID))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Prepare submits and validates one frame per requested display. Displays
// are processed concurrently; one display's failure does not affect the
// others and every failure is reported in the joined error.
func (dev *Device) Prepare(reqs []PrepareRequest) ([]PrepareResult, error) {
	results := make([]PrepareResult, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	if n := dev.ctx.cfg.FanOut; n > 0 {
		g.SetLimit(n)
	}
	for i := range reqs {
		g.Go(func() error {
			results[i] = dev.prepareOne(reqs[i])
			errs[i] = results[i].Err
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (dev *Device) prepareOne(req PrepareRequest) PrepareResult {
	res := PrepareResult{Display: req.Display}
	d, err := dev.Display(req.Display)
	if err != nil {
		dev.closeOrphans(req.Layers)
		res.Err = fmt.Errorf("%s: %w", req.Display, err)
		return res
	}
	if err := d.Prepare(req.Layers); err != nil {
		res.Err = fmt.Errorf("%s: prepare: %w", req.Display, err)
		return res
	}
	if res.Validate, err = d.Validate(); err != nil {
		res.Err = fmt.Errorf("%s: validate: %w", req.Display, err)
		return res
	}
	res.Layers = d.Layers()
	return res
}

// Set accepts and commits the validated frame of each requested display.
func (dev *Device) Set(reqs []SetRequest) ([]SetResult, error) {
	results := make([]SetResult, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	if n := dev.ctx.cfg.FanOut; n > 0 {
		g.SetLimit(n)
	}
	for i := range reqs {
		g.Go(func() error {
			results[i] = dev.setOne(reqs[i])
			errs[i] = results[i].Err
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (dev *Device) setOne(req SetRequest) SetResult {
	res := SetResult{Display: req.Display}
	d, err := dev.Display(req.Display)
	if err != nil {
		dev.closeOrphan(req.AcquireFence)
		res.Err = fmt.Errorf("%s: %w", req.Display, err)
		return res
	}
	if err := d.AcceptChanges(); err != nil {
		dev.closeOrphan(req.AcquireFence)
		res.Err = fmt.Errorf("%s: accept: %w", req.Display, err)
		return res
	}
	if res.Commit, err = d.Commit(req.ClientTarget, req.AcquireFence); err != nil {
		res.Err = fmt.Errorf("%s: commit: %w", req.Display, err)
	}
	return res
}

// closeOrphans closes the fences of layers addressed to no display.
func (dev *Device) closeOrphans(layers []Layer) {
	for _, l := range layers {
		dev.closeOrphan(l.AcquireFence)
	}
}

func (dev *Device) closeOrphan(fd int) {
	if fd >= 0 {
		dev.ctx.fences.Close(dev.ctx.fences.Acquire(fd, "host", "orphan"))
	}
}

// RegisterCallbacks installs the host's event sinks. sink may implement any
// of VsyncHandler, HotplugHandler and RefreshHandler. Registration happens
// once per device.
func (dev *Device) RegisterCallbacks(sink interface{}) error {
	if dev.ctx.closed.Load() {
		return ErrClosed
	}
	if sink == nil {
		return invalidf("nil callback sink")
	}
	return dev.ctx.register(sink)
}

// EventControl enables or disables vsync delivery for a display.
func (dev *Device) EventControl(id DisplayID, enabled bool) error {
	d, err := dev.Display(id)
	if err != nil {
		return err
	}
	return d.SetVsync(enabled)
}

// Query returns a device capability.
func (dev *Device) Query(what Capability) (int64, error) {
	if dev.ctx.closed.Load() {
		return 0, ErrClosed
	}
	switch what {
	case CapabilityVsyncPeriod:
		cfgs := dev.primary.Configs()
		active := dev.primary.ActiveConfig()
		if active < 0 || active >= len(cfgs) {
			return 0, ErrNotConnected
		}
		return int64(cfgs[active].VsyncPeriod()), nil
	case CapabilityDisplayTypes:
		return 1<<KindPrimary | 1<<KindExternal | 1<<KindVirtual, nil
	case CapabilityBackgroundColor:
		return 1, nil
	case CapabilityOverlayUnits:
		return int64(dev.ctx.cfg.Primary.Units), nil
	}
	return 0, invalidf("unknown capability %d", what)
}

// DisplayConfigs returns the configurations of a connected display.
func (dev *Device) DisplayConfigs(id DisplayID) ([]Config, error) {
	d, err := dev.Display(id)
	if err != nil {
		return nil, err
	}
	if !d.Connected() {
		return nil, ErrNotConnected
	}
	return d.Configs(), nil
}

// DisplayAttribute returns one attribute of a display configuration.
func (dev *Device) DisplayAttribute(id DisplayID, config int, attr Attribute) (int64, error) {
	cfgs, err := dev.DisplayConfigs(id)
	if err != nil {
		return 0, err
	}
	if config < 0 || config >= len(cfgs) {
		return 0, invalidf("%s: config %d out of range [0,%d)", id, config, len(cfgs))
	}
	c := cfgs[config]
	switch attr {
	case AttributeVsyncPeriod:
		return int64(c.VsyncPeriod()), nil
	case AttributeWidth:
		return int64(c.Width), nil
	case AttributeHeight:
		return int64(c.Height), nil
	case AttributeDPIX:
		return int64(c.DPIX), nil
	case AttributeDPIY:
		return int64(c.DPIY), nil
	}
	return 0, invalidf("unknown attribute %d", attr)
}

// ActiveConfig returns the active configuration index of a display.
func (dev *Device) ActiveConfig(id DisplayID) (int, error) {
	d, err := dev.Display(id)
	if err != nil {
		return 0, err
	}
	if !d.Connected() {
		return 0, ErrNotConnected
	}
	return d.ActiveConfig(), nil
}

// SetPowerMode changes a display's power mode.
func (dev *Device) SetPowerMode(id DisplayID, mode PowerMode) error {
	d, err := dev.Display(id)
	if err != nil {
		return err
	}
	err = d.SetPower(mode)
	if id == DisplayPrimary {
		dev.advisor.update()
	}
	return err
}

// Blank turns a display off or back on.
func (dev *Device) Blank(id DisplayID, blank bool) error {
	if blank {
		return dev.SetPowerMode(id, PowerOff)
	}
	return dev.SetPowerMode(id, PowerOn)
}

// Stats returns the activity counters.
func (dev *Device) Stats() StatsSnapshot {
	return dev.ctx.stats.Snapshot()
}

// FenceStats returns the fence tracker counters.
func (dev *Device) FenceStats() fence.Stats {
	return dev.ctx.fences.Stats()
}

// Close stops the advisor and the listeners, then tears down every display.
// It is safe to call more than once.
func (dev *Device) Close() error {
	dev.closeOnce.Do(func() {
		dev.ctx.closed.Store(true)

		dev.advisor.stop()
		if dev.vsync != nil {
			dev.vsync.stop()
		}
		if dev.uevents != nil {
			dev.uevents.stop()
		}

		var errs []error
		dev.displays.Range(func(_, v interface{}) bool {
			if err := v.(*Display).teardown(); err != nil {
				errs = append(errs, err)
			}
			return true
		})
		dev.closeErr = errors.Join(errs...)
		dev.ctx.log.Info("hwcomposer: device closed")
	})
	return dev.closeErr
}
