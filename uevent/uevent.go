// Package uevent parses kernel uevent datagrams and routes them by source.
package uevent

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrMalformed is returned for payloads that are not kernel uevents.
var ErrMalformed = errors.New("uevent: malformed payload")

// Event is one parsed uevent.
type Event struct {
	Action  string
	DevPath string
	Env     map[string]string
}

// Get returns an environment value.
func (e *Event) Get(key string) string {
	return e.Env[key]
}

// Int returns an environment value parsed as a decimal integer.
func (e *Event) Int(key string) (int, bool) {
	v, ok := e.Env[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Source names the emitter of the event: the switch name for switch-class
// devices, otherwise the subsystem.
func (e *Event) Source() string {
	if name := e.Env["SWITCH_NAME"]; name != "" {
		return name
	}
	return e.Env["SUBSYSTEM"]
}

// Parse decodes a NUL-separated "action@devpath" header followed by
// KEY=VALUE pairs.
func Parse(data []byte) (*Event, error) {
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, ErrMalformed
	}

	fields := bytes.Split(data, []byte{0})
	header := string(fields[0])
	at := strings.IndexByte(header, '@')
	if at <= 0 || at == len(header)-1 {
		return nil, ErrMalformed
	}

	ev := &Event{
		Action:  header[:at],
		DevPath: header[at+1:],
		Env:     make(map[string]string, len(fields)-1),
	}
	for _, f := range fields[1:] {
		eq := bytes.IndexByte(f, '=')
		if eq <= 0 {
			continue
		}
		ev.Env[string(f[:eq])] = string(f[eq+1:])
	}
	if action := ev.Env["ACTION"]; action != "" && action != ev.Action {
		return nil, ErrMalformed
	}
	return ev, nil
}

// Handler consumes one event.
type Handler func(ev *Event)

// Wildcard receives every event regardless of source.
const Wildcard = "*"

// Stats counts dispatcher activity.
type Stats struct {
	Dispatched atomic.Uint64
	Unhandled  atomic.Uint64
	Malformed  atomic.Uint64
}

// Dispatcher routes events to handlers registered per source name.
type Dispatcher struct {
	handlers sync.Map // source -> Handler
	stats    Stats
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Handle registers h for source, replacing any previous handler.
func (d *Dispatcher) Handle(source string, h Handler) {
	if h == nil {
		d.handlers.Delete(source)
		return
	}
	d.handlers.Store(source, h)
}

// Dispatch delivers ev to its source handler and the wildcard handler.
// It reports whether any handler ran.
func (d *Dispatcher) Dispatch(ev *Event) bool {
	ran := false
	if h, ok := d.handlers.Load(ev.Source()); ok {
		h.(Handler)(ev)
		ran = true
	}
	if h, ok := d.handlers.Load(Wildcard); ok {
		h.(Handler)(ev)
		ran = true
	}
	if ran {
		d.stats.Dispatched.Add(1)
	} else {
		d.stats.Unhandled.Add(1)
	}
	return ran
}

// DispatchRaw parses data and dispatches it. Malformed payloads are counted
// and dropped.
func (d *Dispatcher) DispatchRaw(data []byte) error {
	ev, err := Parse(data)
	if err != nil {
		d.stats.Malformed.Add(1)
		return err
	}
	d.Dispatch(ev)
	return nil
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() *Stats {
	return &d.stats
}
