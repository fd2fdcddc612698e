package hwcomposer

import (
	"sync/atomic"
	"time"
)

// Ensure cache line alignment for counters touched from different goroutines
type cacheLinePad [64]byte

// Stats tracks frame-path and event-path activity. Frame counters are
// written by host calls, event counters by the listener goroutines.
type Stats struct {
	Frames         atomic.Uint64
	Commits        atomic.Uint64
	SkippedCommits atomic.Uint64
	FailedCommits  atomic.Uint64
	Fallbacks      atomic.Uint64
	CommitNanos    atomic.Uint64
	_              cacheLinePad
	Vsyncs         atomic.Uint64
	VsyncErrors    atomic.Uint64
	Uevents        atomic.Uint64
	Hotplugs       atomic.Uint64
	Refreshes      atomic.Uint64
	_              cacheLinePad
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Frames         uint64
	Commits        uint64
	SkippedCommits uint64
	FailedCommits  uint64
	Fallbacks      uint64
	Vsyncs         uint64
	VsyncErrors    uint64
	Uevents        uint64
	Hotplugs       uint64
	Refreshes      uint64
	AverageCommit  time.Duration
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Frames:         s.Frames.Load(),
		Commits:        s.Commits.Load(),
		SkippedCommits: s.SkippedCommits.Load(),
		FailedCommits:  s.FailedCommits.Load(),
		Fallbacks:      s.Fallbacks.Load(),
		Vsyncs:         s.Vsyncs.Load(),
		VsyncErrors:    s.VsyncErrors.Load(),
		Uevents:        s.Uevents.Load(),
		Hotplugs:       s.Hotplugs.Load(),
		Refreshes:      s.Refreshes.Load(),
		AverageCommit:  s.AverageCommitLatency(),
	}
}

// AverageCommitLatency returns the mean hardware commit time
func (s *Stats) AverageCommitLatency() time.Duration {
	commits := s.Commits.Load()
	if commits == 0 {
		return 0
	}
	return time.Duration(s.CommitNanos.Load() / commits)
}
