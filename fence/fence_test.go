package fence

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// countingCloser records every close call per descriptor
type countingCloser struct {
	calls map[int]int
}

func (c *countingCloser) close(fd int) error {
	c.calls[fd]++
	return nil
}

func newTestTracker(t *testing.T, debug bool) (*Tracker, *countingCloser, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cc := &countingCloser{calls: make(map[int]int)}
	tr := NewTracker(logrus.NewEntry(logger), WithCloser(cc.close), WithDebug(debug))
	return tr, cc, hook
}

func TestAcquireClose(t *testing.T) {
	tr, cc, _ := newTestTracker(t, false)

	fd := tr.Acquire(10, "primary", "acquire")
	if fd != 10 {
		t.Fatalf("Acquire() = %d, want 10", fd)
	}
	if !tr.Holds(10) {
		t.Fatal("tracker should hold fd 10")
	}

	tr.Close(10)
	tr.Close(10)

	if cc.calls[10] != 1 {
		t.Errorf("close calls for fd 10 = %d, want 1", cc.calls[10])
	}
	if tr.Holds(10) {
		t.Error("fd 10 should no longer be held")
	}

	st := tr.Stats()
	if st.Acquired != 1 || st.Closed != 1 || st.Held != 0 {
		t.Errorf("Stats() = %+v, want 1 acquired, 1 closed, 0 held", st)
	}
}

func TestNoFenceIgnored(t *testing.T) {
	tr, cc, _ := newTestTracker(t, true)

	if got := tr.Acquire(NoFence, "primary", "acquire"); got != NoFence {
		t.Errorf("Acquire(NoFence) = %d, want NoFence", got)
	}
	tr.Close(NoFence)
	tr.Close(-7)

	if len(cc.calls) != 0 {
		t.Errorf("closer called for negative descriptors: %v", cc.calls)
	}
	if tr.Pending("") != 0 {
		t.Errorf("Pending() = %d, want 0", tr.Pending(""))
	}
}

func TestCloseUnheldIsNoop(t *testing.T) {
	tr, cc, _ := newTestTracker(t, false)

	tr.Close(42)
	if cc.calls[42] != 0 {
		t.Errorf("closer called for unheld fd")
	}
}

func TestDoubleCloseLogged(t *testing.T) {
	tr, cc, hook := newTestTracker(t, true)

	tr.Acquire(5, "external", "release")
	tr.Close(5)
	tr.Close(5)

	if cc.calls[5] != 1 {
		t.Fatalf("close calls = %d, want 1", cc.calls[5])
	}
	if got := tr.Stats().DoubleCloses; got != 1 {
		t.Errorf("DoubleCloses = %d, want 1", got)
	}

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "fence: double close ignored" {
			found = true
		}
	}
	if !found {
		t.Error("double close should be logged in debug mode")
	}
}

func TestDebugSequenceIncreases(t *testing.T) {
	tr, _, hook := newTestTracker(t, true)

	tr.Acquire(3, "primary", "acquire")
	tr.Acquire(4, "primary", "acquire")
	tr.Close(3)
	tr.Close(4)

	var last uint64
	n := 0
	for _, e := range hook.AllEntries() {
		seq, ok := e.Data["seq"].(uint64)
		if !ok {
			continue
		}
		if seq <= last {
			t.Errorf("sequence %d not greater than %d", seq, last)
		}
		last = seq
		n++
	}
	if n != 4 {
		t.Errorf("logged %d audit entries, want 4", n)
	}
}

func TestTransfer(t *testing.T) {
	tr, cc, _ := newTestTracker(t, false)

	tr.Acquire(8, "primary", "release")
	if got := tr.Transfer(8); got != 8 {
		t.Fatalf("Transfer() = %d, want 8", got)
	}
	tr.Close(8)

	if cc.calls[8] != 0 {
		t.Error("transferred fd must not be closed by the tracker")
	}
	if got := tr.Stats().Transferred; got != 1 {
		t.Errorf("Transferred = %d, want 1", got)
	}
}

func TestCloseOwner(t *testing.T) {
	tr, cc, _ := newTestTracker(t, false)

	tr.Acquire(1, "primary", "acquire")
	tr.Acquire(2, "primary", "acquire")
	tr.Acquire(3, "external", "acquire")

	if n := tr.CloseOwner("primary"); n != 2 {
		t.Errorf("CloseOwner() = %d, want 2", n)
	}
	if cc.calls[1] != 1 || cc.calls[2] != 1 {
		t.Errorf("primary fds not closed once: %v", cc.calls)
	}
	if cc.calls[3] != 0 {
		t.Error("external fd should remain open")
	}
	if tr.Pending("external") != 1 {
		t.Errorf("Pending(external) = %d, want 1", tr.Pending("external"))
	}
}

func TestEndFrameReportsStuck(t *testing.T) {
	tr, _, _ := newTestTracker(t, true)

	tr.Acquire(11, "primary", "acquire")
	if n := tr.EndFrame("primary"); n != 1 {
		t.Errorf("EndFrame() = %d, want 1", n)
	}
	if got := tr.Stats().Leaked; got != 1 {
		t.Errorf("Leaked = %d, want 1", got)
	}
	if !tr.Holds(11) {
		t.Error("EndFrame must not close descriptors")
	}
}

func TestAcquireTwiceKeepsFirstOwner(t *testing.T) {
	tr, cc, hook := newTestTracker(t, false)

	tr.Acquire(9, "primary", "acquire")
	tr.Acquire(9, "external", "acquire")

	if tr.Pending("primary") != 1 || tr.Pending("external") != 0 {
		t.Error("second acquire should not steal ownership")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Error("second acquire should warn")
	}
	tr.Close(9)
	if cc.calls[9] != 1 {
		t.Errorf("close calls = %d, want 1", cc.calls[9])
	}
}

func BenchmarkAcquireClose(b *testing.B) {
	logger, _ := test.NewNullLogger()
	tr := NewTracker(logrus.NewEntry(logger), WithCloser(func(int) error { return nil }))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fd := tr.Acquire(i%1024, "primary", "acquire")
		tr.Close(fd)
	}
}
