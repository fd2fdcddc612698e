package hwcomposer

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bnema/hwcomposer/assign"
	"github.com/bnema/hwcomposer/fence"
)

// VsyncHandler receives vertical-sync pulses.
type VsyncHandler interface {
	HandleVsync(display DisplayID, timestamp int64)
}

// HotplugHandler receives display connect and disconnect notifications.
type HotplugHandler interface {
	HandleHotplug(display DisplayID, connected bool)
}

// RefreshHandler receives requests to resubmit a frame.
type RefreshHandler interface {
	HandleRefresh(display DisplayID)
}

// handlers is the registered host sink set; unset entries are nil.
type handlers struct {
	vsync   VsyncHandler
	hotplug HotplugHandler
	refresh RefreshHandler
}

// Context is the state shared by every component of one device. It is built
// once by Open and passed to displays, the hotplug coordinator and the
// background listeners.
type Context struct {
	cfg    ComposerConfig
	log    *logrus.Logger
	fences *fence.Tracker
	budget *assign.Budget

	sinks atomic.Pointer[handlers]

	forceGPU      atomic.Bool
	dynamicRecomp atomic.Bool
	closed        atomic.Bool

	stats Stats
}

// newContext builds the shared context from a validated configuration.
func newContext(cfg ComposerConfig, log *logrus.Logger, fenceOpts ...fence.Option) *Context {
	c := &Context{
		cfg:    cfg,
		log:    log,
		budget: assign.NewBudget(cfg.SharedBandwidth),
	}
	opts := append([]fence.Option{fence.WithDebug(cfg.FenceDebug)}, fenceOpts...)
	c.fences = fence.NewTracker(log.WithField("component", "fence"), opts...)
	c.forceGPU.Store(cfg.ForceGPU)
	c.dynamicRecomp.Store(cfg.DynamicRecomposition)
	c.sinks.Store(&handlers{})
	return c
}

// Logger returns the device logger.
func (c *Context) Logger() *logrus.Logger {
	return c.log
}

// Fences returns the fence tracker.
func (c *Context) Fences() *fence.Tracker {
	return c.fences
}

// Budget returns the shared bandwidth budget.
func (c *Context) Budget() *assign.Budget {
	return c.budget
}

// Config returns the configuration the device was opened with.
func (c *Context) Config() ComposerConfig {
	return c.cfg
}

// register installs the host sinks found on sink. It succeeds once.
func (c *Context) register(sink interface{}) error {
	h := &handlers{}
	if v, ok := sink.(VsyncHandler); ok {
		h.vsync = v
	}
	if v, ok := sink.(HotplugHandler); ok {
		h.hotplug = v
	}
	if v, ok := sink.(RefreshHandler); ok {
		h.refresh = v
	}
	if h.vsync == nil && h.hotplug == nil && h.refresh == nil {
		return invalidf("callback sink %T implements no handler", sink)
	}

	for {
		cur := c.sinks.Load()
		if cur.vsync != nil || cur.hotplug != nil || cur.refresh != nil {
			return invalidf("callbacks already registered")
		}
		if c.sinks.CompareAndSwap(cur, h) {
			return nil
		}
	}
}

func (c *Context) emitVsync(id DisplayID, ts int64) {
	if h := c.sinks.Load().vsync; h != nil {
		h.HandleVsync(id, ts)
	}
}

func (c *Context) emitHotplug(id DisplayID, connected bool) {
	if h := c.sinks.Load().hotplug; h != nil {
		h.HandleHotplug(id, connected)
	}
}

func (c *Context) emitRefresh(id DisplayID) {
	c.stats.Refreshes.Add(1)
	if h := c.sinks.Load().refresh; h != nil {
		h.HandleRefresh(id)
	}
}
