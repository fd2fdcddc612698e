package hwtest

import (
	"sync"
	"time"

	"github.com/bnema/hwcomposer"
)

// VsyncEvent is one recorded vsync callback.
type VsyncEvent struct {
	Display   hwcomposer.DisplayID
	Timestamp int64
}

// HotplugEvent is one recorded hotplug callback.
type HotplugEvent struct {
	Display   hwcomposer.DisplayID
	Connected bool
}

// Sink records host callbacks. It implements every handler interface.
type Sink struct {
	mu        sync.Mutex
	vsyncs    []VsyncEvent
	hotplugs  []HotplugEvent
	refreshes []hwcomposer.DisplayID
	notify    chan struct{}
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

func (s *Sink) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) HandleVsync(display hwcomposer.DisplayID, timestamp int64) {
	s.mu.Lock()
	s.vsyncs = append(s.vsyncs, VsyncEvent{Display: display, Timestamp: timestamp})
	s.mu.Unlock()
	s.poke()
}

func (s *Sink) HandleHotplug(display hwcomposer.DisplayID, connected bool) {
	s.mu.Lock()
	s.hotplugs = append(s.hotplugs, HotplugEvent{Display: display, Connected: connected})
	s.mu.Unlock()
	s.poke()
}

func (s *Sink) HandleRefresh(display hwcomposer.DisplayID) {
	s.mu.Lock()
	s.refreshes = append(s.refreshes, display)
	s.mu.Unlock()
	s.poke()
}

// Vsyncs returns the recorded vsync callbacks.
func (s *Sink) Vsyncs() []VsyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VsyncEvent(nil), s.vsyncs...)
}

// Hotplugs returns the recorded hotplug callbacks.
func (s *Sink) Hotplugs() []HotplugEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HotplugEvent(nil), s.hotplugs...)
}

// Refreshes returns the recorded refresh callbacks.
func (s *Sink) Refreshes() []hwcomposer.DisplayID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hwcomposer.DisplayID(nil), s.refreshes...)
}

// WaitFor polls cond after every callback until it holds or timeout passes.
func (s *Sink) WaitFor(timeout time.Duration, cond func(*Sink) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(s) {
			return true
		}
		select {
		case <-s.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			return cond(s)
		}
	}
}

// VsyncSink records only vsync callbacks.
type VsyncSink struct {
	Events chan VsyncEvent
}

// NewVsyncSink returns a sink buffering up to n events.
func NewVsyncSink(n int) *VsyncSink {
	return &VsyncSink{Events: make(chan VsyncEvent, n)}
}

func (s *VsyncSink) HandleVsync(display hwcomposer.DisplayID, timestamp int64) {
	select {
	case s.Events <- VsyncEvent{Display: display, Timestamp: timestamp}:
	default:
	}
}
