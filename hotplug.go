package hwcomposer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bnema/hwcomposer/uevent"
)

// HotplugState is the connection state of a display.
type HotplugState uint32

const (
	HotplugDisconnected HotplugState = iota
	HotplugConnected
	// HotplugConfigPending holds until the first commit on the new configuration.
	HotplugConfigPending
	HotplugActive
)

func (s HotplugState) String() string {
	switch s {
	case HotplugDisconnected:
		return "disconnected"
	case HotplugConnected:
		return "connected"
	case HotplugConfigPending:
		return "config-pending"
	case HotplugActive:
		return "active"
	}
	return "unknown"
}

// virtualRefreshHz is the nominal rate reported for virtual displays.
const virtualRefreshHz = 60

// installPrimary brings up the primary display at open time.
func (d *Display) installPrimary(ctrl Controller, cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ctrl = ctrl
	d.configs = []Config{cfg}
	d.active = 0
	d.connected = true
	d.power = PowerOn
	d.hotplug.Store(uint32(HotplugActive))
}

// installLocked adopts a freshly opened controller and configuration set,
// leaving the display blanked until its first commit.
func (d *Display) installLocked(ctrl Controller, timing TimingSource, configs []Config, active int) {
	d.ctrl = ctrl
	d.timing = timing
	d.configs = configs
	d.active = active
	d.connected = true
	d.power = PowerOn
	d.blanked = false
	d.state = StateIdle
	d.accepted = false
	d.layers = nil
	d.snapshot = nil
	d.hotplug.Store(uint32(HotplugConnected))

	d.armHandoverLocked()
}

// armHandoverLocked starts a configuration handover: the display is blanked
// and the next frames are composed as no-ops.
func (d *Display) armHandoverLocked() {
	d.resolutionSkip = d.ctx.cfg.SkipFrames
	d.handover = true
	d.hotplug.Store(uint32(HotplugConfigPending))
}

// disconnectLocked cancels any frame in progress and releases the hardware.
func (d *Display) disconnectLocked() error {
	d.drainLocked()
	d.prevConfigs, d.prevActive = d.configs, d.active
	d.connected = false
	d.handover = false
	d.resolutionSkip, d.animationSkip = 0, 0
	d.fault = nil
	d.vsyncEnabled.Store(false)
	d.advisorClient.Store(false)
	d.hotplug.Store(uint32(HotplugDisconnected))

	var err error
	if d.ctrl != nil {
		err = d.ctrl.Close()
	}
	d.ctrl, d.timing = nil, nil
	return err
}

// teardown releases the display at device close.
func (d *Display) teardown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	if err := d.disconnectLocked(); err != nil {
		return fmt.Errorf("%s: close controller: %w", d.id, err)
	}
	return nil
}

// openDisplay opens and enumerates the hardware behind a pluggable display.
// It takes no display lock.
func (dev *Device) openDisplay(d *Display) (Controller, TimingSource, []Config, error) {
	switch d.kind {
	case KindExternal:
		ec, err := dev.hw.OpenExternal()
		if err != nil {
			return nil, nil, nil, hardwareError("open external display", err)
		}
		configs, err := enumerateConfigs(ec)
		if err == nil && len(configs) == 0 {
			err = fmt.Errorf("%w: no supported timing", ErrIO)
		}
		if err != nil {
			_ = ec.Close()
			return nil, nil, nil, err
		}
		dev.configureExternal(d, ec)
		return ec, ec, configs, nil

	case KindVirtual:
		size := d.virtualSize
		ctrl, err := dev.hw.OpenVirtual(size.Width, size.Height)
		if err != nil {
			return nil, nil, nil, hardwareError("open virtual display", err)
		}
		return ctrl, nil, []Config{{Timing: size}}, nil
	}
	return nil, nil, nil, invalidf("%s is not pluggable", d.id)
}

// configureExternal applies the optional link settings. Failures are logged
// and do not fail the connection.
func (dev *Device) configureExternal(d *Display, ec ExternalController) {
	hp := dev.ctx.cfg.Hotplug
	if hp.HDCP {
		if err := ec.SetHDCP(true); isUnsupported(err) {
			d.log.Debug("hotplug: HDCP not supported")
		} else if err != nil {
			d.log.WithError(err).Warn("hotplug: enabling HDCP failed")
		}
	}
	if hp.AudioChannels > 0 {
		if err := ec.SetAudio(hp.AudioChannels); err != nil {
			d.log.WithError(err).Warn("hotplug: audio routing failed")
		}
	}
}

// connect brings a pluggable display up. Hardware is opened and enumerated
// before any display lock is held. The primary lock is taken and released
// as a barrier so a primary commit in flight completes first; the timing is
// then set and installed under the display's own lock.
func (dev *Device) connect(d *Display) error {
	if d.id == DisplayPrimary {
		return invalidf("primary display is not pluggable")
	}

	dev.hotplugMu.Lock()
	defer dev.hotplugMu.Unlock()

	if d.Connected() {
		return nil
	}

	ctrl, timing, configs, err := dev.openDisplay(d)
	if err != nil {
		return err
	}

	dev.primaryBarrier()
	d.mu.Lock()
	active := selectActive(d.prevConfigs, d.prevActive, configs)
	if timing != nil {
		err = timing.SetTiming(configs[active].Timing)
	}
	if err == nil {
		d.installLocked(ctrl, timing, configs, active)
	}
	d.mu.Unlock()

	if err != nil {
		_ = ctrl.Close()
		return hardwareError("set timing", err)
	}

	d.log.WithFields(logrus.Fields{
		"configs": len(configs),
		"active":  active,
		"timing":  configs[active].Timing.String(),
	}).Info("hotplug: connected")

	dev.ctx.stats.Hotplugs.Add(1)
	dev.ctx.emitHotplug(d.id, true)
	dev.ctx.emitRefresh(d.id)
	return nil
}

// primaryBarrier waits for a primary frame operation in progress. The lock is
// not kept, so primary frames never wait on external display I/O.
func (dev *Device) primaryBarrier() {
	dev.primary.mu.Lock()
	dev.primary.mu.Unlock()
}

// disconnect takes a pluggable display down; a frame in progress is
// cancelled.
func (dev *Device) disconnect(d *Display) error {
	if d.id == DisplayPrimary {
		return invalidf("primary display is not pluggable")
	}

	dev.hotplugMu.Lock()
	defer dev.hotplugMu.Unlock()

	dev.primaryBarrier()
	d.mu.Lock()
	was := d.connected
	var err error
	if was {
		err = d.disconnectLocked()
	}
	d.mu.Unlock()

	if !was {
		return nil
	}
	if err != nil {
		d.log.WithError(err).Warn("hotplug: controller close failed")
	}
	d.log.Info("hotplug: disconnected")

	dev.ctx.stats.Hotplugs.Add(1)
	dev.ctx.emitHotplug(d.id, false)
	return nil
}

// SetActiveConfig selects a display configuration. On a pluggable display
// this is a resolution change: the display is blanked through a handover of
// skipped frames and a refresh is requested.
func (dev *Device) SetActiveConfig(id DisplayID, index int) error {
	d, err := dev.Display(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return ErrNotConnected
	}
	if index < 0 || index >= len(d.configs) {
		n := len(d.configs)
		d.mu.Unlock()
		return invalidf("%s: config %d out of range [0,%d)", id, index, n)
	}
	if index == d.active {
		d.mu.Unlock()
		return nil
	}
	if d.timing == nil {
		d.mu.Unlock()
		return invalidf("%s: configuration is fixed", id)
	}
	timing := d.configs[index].Timing
	if err := d.timing.SetTiming(timing); err != nil {
		d.mu.Unlock()
		return hardwareError("set timing", err)
	}
	d.active = index
	d.armHandoverLocked()
	d.mu.Unlock()

	d.log.WithField("timing", timing.String()).Info("hotplug: resolution change")
	dev.ctx.emitRefresh(id)
	return nil
}

// routeUevents registers the hotplug uevent sources.
func (dev *Device) routeUevents() {
	hp := dev.ctx.cfg.Hotplug
	if hp.SwitchName != "" {
		dev.dispatcher.Handle(hp.SwitchName, dev.handleSwitch)
	}
	if hp.Subsystem != "" {
		dev.dispatcher.Handle(hp.Subsystem, dev.handleSubsystem)
	}
}

// HandleUevent classifies a parsed uevent and hands hotplug events to the
// coordinator. It reports whether any source matched.
func (dev *Device) HandleUevent(ev *uevent.Event) bool {
	if dev.ctx.closed.Load() {
		return false
	}
	dev.ctx.stats.Uevents.Add(1)
	return dev.dispatcher.Dispatch(ev)
}

func (dev *Device) handleSwitch(ev *uevent.Event) {
	state, ok := ev.Int("SWITCH_STATE")
	if !ok || (state != 0 && state != 1) {
		dev.ctx.log.WithField("devpath", ev.DevPath).Debug("hotplug: malformed switch event ignored")
		return
	}
	dev.hotplugEvent(state == 1)
}

func (dev *Device) handleSubsystem(ev *uevent.Event) {
	if ev.Get("HOTPLUG") != "1" {
		return
	}
	attached, err := dev.hw.ProbeExternal()
	if err != nil {
		dev.ctx.log.WithError(err).Warn("hotplug: probe failed")
		return
	}
	dev.hotplugEvent(attached)
}

func (dev *Device) hotplugEvent(connected bool) {
	if dev.ctx.closed.Load() {
		return
	}
	var err error
	if connected {
		err = dev.connect(dev.external)
	} else {
		err = dev.disconnect(dev.external)
	}
	if err != nil {
		dev.ctx.log.WithError(err).WithField("connected", connected).Warn("hotplug: transition failed")
	}
}

// addVirtual registers and connects a new virtual display.
func (dev *Device) addVirtual(width, height int) (DisplayID, error) {
	if width <= 0 || height <= 0 {
		return 0, invalidf("virtual display size %dx%d", width, height)
	}

	id := DisplayID(dev.nextVirtual.Add(1) - 1)
	d := newDisplay(dev.ctx, id, "virtual-"+uuid.NewString(), dev.ctx.cfg.Virtual)
	d.virtualSize = Timing{Width: width, Height: height, RefreshHz: virtualRefreshHz}
	dev.displays.Store(id, d)

	if err := dev.connect(d); err != nil {
		dev.displays.Delete(id)
		return 0, err
	}
	return id, nil
}

// removeVirtual disconnects and unregisters a virtual display.
func (dev *Device) removeVirtual(id DisplayID) error {
	if KindOf(id) != KindVirtual {
		return invalidf("%s is not a virtual display", id)
	}
	d, err := dev.Display(id)
	if err != nil {
		return err
	}
	if err := dev.disconnect(d); err != nil {
		return err
	}
	dev.displays.Delete(id)
	return nil
}

// isUnsupported reports whether err means the hardware lacks a feature.
func isUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.ENOTTY)
}
