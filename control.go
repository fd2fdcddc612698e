package hwcomposer

import "github.com/sirupsen/logrus"

// Administrative operations for an out-of-process control service. They act
// on the device context, so any transport can call them.

// SetForceGPU sends every layer of every display to the client path and
// requests a refresh so the override takes effect on the next frame.
func (dev *Device) SetForceGPU(enabled bool) error {
	if dev.ctx.closed.Load() {
		return ErrClosed
	}
	if dev.ctx.forceGPU.Swap(enabled) == enabled {
		return nil
	}
	dev.ctx.log.WithField("enabled", enabled).Info("control: force GPU")
	for _, id := range dev.Displays() {
		if d, err := dev.Display(id); err == nil && d.Connected() {
			dev.ctx.emitRefresh(id)
		}
	}
	return nil
}

// ForceGPU reports the force-GPU override.
func (dev *Device) ForceGPU() bool {
	return dev.ctx.forceGPU.Load()
}

// SetDynamicRecomposition enables the idle-display composition advisor.
func (dev *Device) SetDynamicRecomposition(enabled bool) error {
	if dev.ctx.closed.Load() {
		return ErrClosed
	}
	dev.ctx.dynamicRecomp.Store(enabled)
	dev.advisor.update()
	dev.ctx.log.WithField("enabled", enabled).Info("control: dynamic recomposition")
	return nil
}

// DynamicRecomposition reports whether the advisor is enabled.
func (dev *Device) DynamicRecomposition() bool {
	return dev.ctx.dynamicRecomp.Load()
}

// SimulateFault makes the next frames commits on a display fail with err,
// EIO when err is nil. frames <= 0 clears a pending fault.
func (dev *Device) SimulateFault(id DisplayID, err error, frames int) error {
	d, lookupErr := dev.Display(id)
	if lookupErr != nil {
		return lookupErr
	}
	d.setFault(err, frames)
	dev.ctx.log.WithFields(logrus.Fields{
		"display": id.String(),
		"frames":  frames,
	}).Info("control: simulated fault")
	return nil
}

// SetFenceDebug toggles fence audit logging.
func (dev *Device) SetFenceDebug(enabled bool) {
	dev.ctx.fences.SetDebug(enabled)
}

// FenceDebug reports whether fence audit logging is on.
func (dev *Device) FenceDebug() bool {
	return dev.ctx.fences.Debug()
}

// AddVirtualDisplay creates and connects a virtual display.
func (dev *Device) AddVirtualDisplay(width, height int) (DisplayID, error) {
	if dev.ctx.closed.Load() {
		return 0, ErrClosed
	}
	return dev.addVirtual(width, height)
}

// RemoveVirtualDisplay disconnects and forgets a virtual display.
func (dev *Device) RemoveVirtualDisplay(id DisplayID) error {
	if dev.ctx.closed.Load() {
		return ErrClosed
	}
	return dev.removeVirtual(id)
}

// SimulateHotplug drives a pluggable display through a connect or
// disconnect as if the hardware had reported it.
func (dev *Device) SimulateHotplug(id DisplayID, connected bool) error {
	d, err := dev.Display(id)
	if err != nil {
		return err
	}
	if connected {
		return dev.connect(d)
	}
	return dev.disconnect(d)
}
