package hwcomposer

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/bnema/hwcomposer/assign"
	"github.com/bnema/hwcomposer/fence"
)

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// DisplayDump is the dumped state of one display.
type DisplayDump struct {
	ID             string
	Name           string
	Hotplug        string
	Frame          string
	Power          string
	Blanked        bool
	Configs        []string
	Active         int
	ResolutionSkip int
	AnimationSkip  int
	Layers         []Layer
	Snapshot       []Window
	Bandwidth      uint64
}

// DeviceDump is the dumped state of the device.
type DeviceDump struct {
	ForceGPU             bool
	DynamicRecomposition bool
	AdvisorRunning       bool
	SharedBandwidth      uint64
	Stats                StatsSnapshot
	Fences               fence.Stats
	Displays             []DisplayDump
}

func (d *Display) dump() DisplayDump {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := DisplayDump{
		ID:             d.id.String(),
		Name:           d.name,
		Hotplug:        HotplugState(d.hotplug.Load()).String(),
		Frame:          d.state.String(),
		Power:          d.power.String(),
		Blanked:        d.blanked || d.handover,
		Active:         d.active,
		ResolutionSkip: d.resolutionSkip,
		AnimationSkip:  d.animationSkip,
		Layers:         append([]Layer(nil), d.layers...),
	}
	for _, c := range d.configs {
		out.Configs = append(out.Configs, c.Timing.String())
	}
	if d.snapshot != nil {
		out.Bandwidth = d.snapshot.Bandwidth
		for i := 0; i < d.snapshot.Frame.Len(); i++ {
			if w, ok := d.snapshot.Frame.Window(i); ok && w.State != assign.UnitFree {
				out.Snapshot = append(out.Snapshot, w)
			}
		}
	}
	return out
}

// State collects the dumped state of the device.
func (dev *Device) State() DeviceDump {
	out := DeviceDump{
		ForceGPU:             dev.ctx.forceGPU.Load(),
		DynamicRecomposition: dev.ctx.dynamicRecomp.Load(),
		AdvisorRunning:       dev.advisor.running(),
		SharedBandwidth:      dev.ctx.budget.Capacity(),
		Stats:                dev.ctx.stats.Snapshot(),
		Fences:               dev.ctx.fences.Stats(),
	}
	for _, id := range dev.Displays() {
		if v, ok := dev.displays.Load(id); ok {
			out.Displays = append(out.Displays, v.(*Display).dump())
		}
	}
	return out
}

// Dump writes a human-readable description of the device state.
func (dev *Device) Dump(w io.Writer) error {
	state := dev.State()
	if _, err := fmt.Fprintf(w, "hwcomposer: %d displays, %d frames, %d commits\n",
		len(state.Displays), state.Stats.Frames, state.Stats.Commits); err != nil {
		return err
	}
	dumpConfig.Fdump(w, state)
	return nil
}
