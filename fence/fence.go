// Package fence tracks ownership of kernel synchronization fences.
//
// A fence is a sync-file descriptor. Whoever holds a descriptor must close it
// exactly once; the Tracker is the single place where the composer does that.
package fence

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// NoFence is the already-signaled fence.
const NoFence = -1

// Option configures a Tracker.
type Option func(*Tracker)

// WithCloser replaces the function used to close descriptors.
func WithCloser(closer func(fd int) error) Option {
	return func(t *Tracker) {
		t.closer = closer
	}
}

// WithDebug enables acquire/close audit logging.
func WithDebug(enabled bool) Option {
	return func(t *Tracker) {
		t.debug.Store(enabled)
	}
}

// entry records one held descriptor
type entry struct {
	owner   string
	purpose string
	seq     uint64
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Acquired     uint64
	Closed       uint64
	Transferred  uint64
	DoubleCloses uint64
	Leaked       uint64
	CloseErrors  uint64
	Held         int
}

// Tracker owns every fence descriptor handed to the composer.
type Tracker struct {
	mu      sync.Mutex
	held    map[int]entry
	retired map[int]uint64 // closed fd -> sequence id of its close, debug only

	seq    atomic.Uint64
	debug  atomic.Bool
	closer func(fd int) error
	log    *logrus.Entry

	acquired     atomic.Uint64
	closed       atomic.Uint64
	transferred  atomic.Uint64
	doubleCloses atomic.Uint64
	leaked       atomic.Uint64
	closeErrors  atomic.Uint64
}

// NewTracker creates a tracker that closes descriptors with unix.Close.
func NewTracker(log *logrus.Entry, opts ...Option) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Tracker{
		held:    make(map[int]entry),
		retired: make(map[int]uint64),
		closer:  unix.Close,
		log:     log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetDebug toggles audit logging.
func (t *Tracker) SetDebug(enabled bool) {
	t.debug.Store(enabled)
}

// Debug reports whether audit logging is on.
func (t *Tracker) Debug() bool {
	return t.debug.Load()
}

// Acquire registers fd as held by owner and returns it.
// Negative descriptors are already signaled and are not tracked.
func (t *Tracker) Acquire(fd int, owner, purpose string) int {
	if fd < 0 {
		return NoFence
	}

	seq := t.seq.Add(1)

	t.mu.Lock()
	if prev, ok := t.held[fd]; ok {
		t.mu.Unlock()
		t.log.WithFields(logrus.Fields{
			"fd":         fd,
			"owner":      owner,
			"purpose":    purpose,
			"held_by":    prev.owner,
			"held_for":   prev.purpose,
			"seq":        seq,
			"origin_seq": prev.seq,
		}).Warn("fence: descriptor acquired twice")
		return fd
	}
	t.held[fd] = entry{owner: owner, purpose: purpose, seq: seq}
	delete(t.retired, fd)
	t.mu.Unlock()

	t.acquired.Add(1)
	if t.debug.Load() {
		t.log.WithFields(logrus.Fields{
			"fd":      fd,
			"owner":   owner,
			"purpose": purpose,
			"seq":     seq,
		}).Debug("fence: acquire")
	}
	return fd
}

// Close closes fd if the tracker holds it. Closing a descriptor that is not
// held, or NoFence, does nothing to the descriptor.
func (t *Tracker) Close(fd int) {
	if fd < 0 {
		return
	}

	t.mu.Lock()
	e, ok := t.held[fd]
	if !ok {
		closedAt, wasClosed := t.retired[fd]
		t.mu.Unlock()
		if wasClosed {
			t.doubleCloses.Add(1)
			if t.debug.Load() {
				t.log.WithFields(logrus.Fields{
					"fd":        fd,
					"close_seq": closedAt,
				}).Warn("fence: double close ignored")
			}
		}
		return
	}
	delete(t.held, fd)
	seq := t.seq.Add(1)
	if t.debug.Load() {
		t.retired[fd] = seq
	}
	t.mu.Unlock()

	t.release(fd, e, seq)
}

func (t *Tracker) release(fd int, e entry, seq uint64) {
	if err := t.closer(fd); err != nil {
		t.closeErrors.Add(1)
		t.log.WithError(err).WithFields(logrus.Fields{
			"fd":    fd,
			"owner": e.owner,
		}).Warn("fence: close failed")
	}
	t.closed.Add(1)

	if t.debug.Load() {
		t.log.WithFields(logrus.Fields{
			"fd":          fd,
			"owner":       e.owner,
			"purpose":     e.purpose,
			"seq":         seq,
			"acquire_seq": e.seq,
		}).Debug("fence: close")
	}
}

// Transfer hands fd to another owner outside the tracker without closing it.
func (t *Tracker) Transfer(fd int) int {
	if fd < 0 {
		return NoFence
	}

	t.mu.Lock()
	e, ok := t.held[fd]
	if ok {
		delete(t.held, fd)
	}
	t.mu.Unlock()

	if !ok {
		t.log.WithField("fd", fd).Warn("fence: transfer of descriptor not held")
		return fd
	}

	t.transferred.Add(1)
	if t.debug.Load() {
		t.log.WithFields(logrus.Fields{
			"fd":          fd,
			"owner":       e.owner,
			"purpose":     e.purpose,
			"acquire_seq": e.seq,
		}).Debug("fence: transfer")
	}
	return fd
}

// CloseOwner closes every descriptor held by owner and returns how many.
func (t *Tracker) CloseOwner(owner string) int {
	type held struct {
		fd int
		e  entry
	}

	t.mu.Lock()
	var victims []held
	for fd, e := range t.held {
		if e.owner == owner {
			victims = append(victims, held{fd: fd, e: e})
			delete(t.held, fd)
		}
	}
	seqs := make([]uint64, len(victims))
	for i, v := range victims {
		seqs[i] = t.seq.Add(1)
		if t.debug.Load() {
			t.retired[v.fd] = seqs[i]
		}
	}
	t.mu.Unlock()

	for i, v := range victims {
		t.release(v.fd, v.e, seqs[i])
	}
	return len(victims)
}

// EndFrame marks a frame boundary for owner. Descriptors still held are only
// reported; closing them stays with the caller.
func (t *Tracker) EndFrame(owner string) int {
	if !t.debug.Load() {
		return 0
	}

	t.mu.Lock()
	var stuck []int
	for fd, e := range t.held {
		if e.owner == owner {
			stuck = append(stuck, fd)
		}
	}
	t.mu.Unlock()

	for _, fd := range stuck {
		t.leaked.Add(1)
		t.log.WithFields(logrus.Fields{
			"fd":    fd,
			"owner": owner,
		}).Warn("fence: descriptor still held at frame boundary")
	}
	return len(stuck)
}

// Holds reports whether fd is currently held.
func (t *Tracker) Holds(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[fd]
	return ok
}

// Pending returns how many descriptors owner holds. An empty owner counts all.
func (t *Tracker) Pending(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner == "" {
		return len(t.held)
	}
	n := 0
	for _, e := range t.held {
		if e.owner == owner {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Acquired:     t.acquired.Load(),
		Closed:       t.closed.Load(),
		Transferred:  t.transferred.Load(),
		DoubleCloses: t.doubleCloses.Load(),
		Leaked:       t.leaked.Load(),
		CloseErrors:  t.closeErrors.Load(),
		Held:         t.Pending(""),
	}
}
