package hwcomposer_test

import (
	"testing"
	"time"

	"github.com/bnema/hwcomposer"
	"github.com/bnema/hwcomposer/hwtest"
)

const quiescence = 10 * time.Millisecond

func dynamic(c *hwcomposer.ComposerConfig) {
	c.DynamicRecomposition = true
	c.QuiescenceWindow = quiescence
}

func TestAdvisorIdleRecommendsClient(t *testing.T) {
	f := newFixture(t, dynamic)
	if !f.dev.State().AdvisorRunning {
		t.Fatal("advisor should run when enabled")
	}

	if v, _ := f.frame(hwcomposer.DisplayPrimary, f.layer(1, fullScreen)); v.Device != 1 {
		t.Fatalf("device layers = %d, want 1", v.Device)
	}

	if !f.sink.WaitFor(waitTimeout, func(s *hwtest.Sink) bool { return len(s.Refreshes()) > 0 }) {
		t.Fatal("idle display did not get a refresh request")
	}
	if got := f.sink.Refreshes()[0]; got != hwcomposer.DisplayPrimary {
		t.Errorf("refresh for %s, want primary", got)
	}

	// the frame answering the refresh is composed on the client path
	v, _ := f.frame(hwcomposer.DisplayPrimary, f.layer(1, fullScreen))
	if !v.Forced || v.Device != 0 || v.Client != 1 {
		t.Errorf("frame while idle = %+v", v)
	}

	// activity resumes: the advisor reverts and asks for a refresh again
	n := len(f.sink.Refreshes())
	deadline := time.Now().Add(waitTimeout)
	for len(f.sink.Refreshes()) == n {
		if time.Now().After(deadline) {
			t.Fatal("advisor did not revert on resumed frames")
		}
		f.frame(hwcomposer.DisplayPrimary, f.layer(1, fullScreen))
		time.Sleep(time.Millisecond)
	}

	if v, _ := f.frame(hwcomposer.DisplayPrimary, f.layer(1, fullScreen)); v.Forced || v.Device != 1 {
		t.Errorf("frame after revert = %+v", v)
	}
}

func TestAdvisorIgnoresClientOnlyDisplay(t *testing.T) {
	f := newFixture(t, dynamic)

	l := f.layer(1, fullScreen)
	l.Requested = hwcomposer.CompositionClient
	f.frame(hwcomposer.DisplayPrimary, l)

	time.Sleep(5 * quiescence)
	if got := f.sink.Refreshes(); len(got) != 0 {
		t.Errorf("refreshes = %v, want none without hardware layers", got)
	}
}

func TestAdvisorFollowsDisplayState(t *testing.T) {
	f := newFixture(t, nil)
	running := func() bool { return f.dev.State().AdvisorRunning }

	if running() {
		t.Fatal("advisor should be off by default")
	}
	if err := f.dev.SetDynamicRecomposition(true); err != nil {
		t.Fatal(err)
	}
	if !running() || !f.dev.DynamicRecomposition() {
		t.Fatal("advisor should start when enabled")
	}

	if err := f.dev.Blank(hwcomposer.DisplayPrimary, true); err != nil {
		t.Fatal(err)
	}
	if running() {
		t.Error("advisor should stop while the primary is off")
	}
	if err := f.dev.Blank(hwcomposer.DisplayPrimary, false); err != nil {
		t.Fatal(err)
	}
	if !running() {
		t.Error("advisor should restart when the primary is on")
	}

	if err := f.dev.SetDynamicRecomposition(false); err != nil {
		t.Fatal(err)
	}
	if running() {
		t.Error("advisor should stop when disabled")
	}

	if err := f.dev.SetDynamicRecomposition(true); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Close(); err != nil {
		t.Fatal(err)
	}
	if running() {
		t.Error("advisor should stop on close")
	}
}
