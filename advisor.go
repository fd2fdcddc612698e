package hwcomposer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// advisor watches the primary display's frame rate. When the display stops
// submitting frames it recommends full client composition so the overlay
// units can idle; when frames resume it reverts. It only touches atomics
// on the display, never its lock.
type advisor struct {
	ctx     *Context
	display *Display
	window  time.Duration
	log     *logrus.Entry

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func newAdvisor(ctx *Context, display *Display) *advisor {
	return &advisor{
		ctx:     ctx,
		display: display,
		window:  ctx.cfg.QuiescenceWindow,
		log:     ctx.log.WithField("component", "advisor"),
	}
}

// wanted reports whether the advisor should be sampling.
func (a *advisor) wanted() bool {
	if !a.ctx.dynamicRecomp.Load() || a.ctx.closed.Load() {
		return false
	}
	d := a.display
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && !d.blanked && d.power != PowerOff
}

// update starts or stops the sampler to match the current state.
func (a *advisor) update() {
	want := a.wanted()

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case want && a.quit == nil:
		a.quit = make(chan struct{})
		a.done = make(chan struct{})
		go a.run(a.quit, a.done)
		a.log.Debug("advisor: started")
	case !want && a.quit != nil:
		a.stopLocked()
	}
}

func (a *advisor) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *advisor) stopLocked() {
	if a.quit == nil {
		return
	}
	close(a.quit)
	<-a.done
	a.quit, a.done = nil, nil
	a.display.advisorClient.Store(false)
	a.log.Debug("advisor: stopped")
}

// running reports whether the sampler goroutine is alive.
func (a *advisor) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quit != nil
}

func (a *advisor) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.window)
	defer ticker.Stop()

	d := a.display
	last := d.frames.Load()
	client := false
	// allowance is the number of frames expected in answer to our own
	// refresh request; they do not count as activity.
	var allowance uint64

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		n := d.frames.Load()
		delta := n - last
		last = n

		switch {
		case !client && delta == 0 && d.usesHardware.Load():
			client = true
			allowance = 1
			d.advisorClient.Store(true)
			a.log.Debug("advisor: display idle, recommending client composition")
			a.ctx.emitRefresh(d.id)

		case client && delta > allowance:
			client = false
			allowance = 0
			d.advisorClient.Store(false)
			a.log.WithField("frames", delta).Debug("advisor: frames resumed, reverting to device composition")
			a.ctx.emitRefresh(d.id)

		case client:
			allowance -= delta
		}
	}
}
