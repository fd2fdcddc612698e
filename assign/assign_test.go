package assign

import (
	"math"
	"reflect"
	"testing"
)

const unlimited = math.MaxUint64

func fullscreen() Rect { return Rect{Right: 1920, Bottom: 1080} }

func layers(n int) []Candidate {
	c := make([]Candidate, n)
	for i := range c {
		c[i] = Candidate{Index: i, Z: i, Frame: fullscreen(), Cost: 100, Eligible: true}
	}
	return c
}

func TestAssignPrefersLowerZ(t *testing.T) {
	p := Assign(layers(3), Limits{Units: 2}, unlimited)

	if !reflect.DeepEqual(p.Hardware, []int{0, 1}) {
		t.Errorf("Hardware = %v, want [0 1]", p.Hardware)
	}
	if !reflect.DeepEqual(p.Client, []int{2}) {
		t.Errorf("Client = %v, want [2]", p.Client)
	}
	if p.ClientTarget != fullscreen() {
		t.Errorf("ClientTarget = %+v, want fullscreen", p.ClientTarget)
	}
	if p.Fallback {
		t.Error("Fallback should be false")
	}
	if p.Bandwidth != 200 {
		t.Errorf("Bandwidth = %d, want 200", p.Bandwidth)
	}
}

func TestAssignPrefersPreviousHardware(t *testing.T) {
	c := layers(3)
	c[2].WasHardware = true

	p := Assign(c, Limits{Units: 2}, unlimited)

	if !reflect.DeepEqual(p.Hardware, []int{0, 2}) {
		t.Errorf("Hardware = %v, want [0 2]", p.Hardware)
	}
	if !reflect.DeepEqual(p.Client, []int{1}) {
		t.Errorf("Client = %v, want [1]", p.Client)
	}
}

func TestAssignNeverExceedsUnits(t *testing.T) {
	for units := 0; units <= 6; units++ {
		for n := 0; n <= 8; n++ {
			p := Assign(layers(n), Limits{Units: units}, unlimited)
			if len(p.Hardware) > units {
				t.Errorf("units=%d layers=%d: %d hardware layers", units, n, len(p.Hardware))
			}
			if len(p.Hardware)+len(p.Client) != n {
				t.Errorf("units=%d layers=%d: decisions %d+%d", units, n, len(p.Hardware), len(p.Client))
			}
			targets := 0
			for _, u := range p.Units {
				if u.State == UnitClientTarget {
					targets++
				}
			}
			want := 0
			if len(p.Client) > 0 {
				want = 1
			}
			if targets != want {
				t.Errorf("units=%d layers=%d: %d client targets, want %d", units, n, targets, want)
			}
		}
	}
}

func TestAssignIneligibleGoesClient(t *testing.T) {
	c := layers(3)
	c[0].Eligible = false

	p := Assign(c, Limits{Units: 4}, unlimited)

	if !reflect.DeepEqual(p.Hardware, []int{1, 2}) {
		t.Errorf("Hardware = %v, want [1 2]", p.Hardware)
	}
	if !reflect.DeepEqual(p.Client, []int{0}) {
		t.Errorf("Client = %v, want [0]", p.Client)
	}
}

func TestAssignBandwidth(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		available uint64
		want      []int
	}{
		{"display limit", Limits{Units: 4, MaxBandwidth: 250}, unlimited, []int{0, 1}},
		{"shared headroom", Limits{Units: 4}, 150, []int{0}},
		{"tighter of both", Limits{Units: 4, MaxBandwidth: 300}, 200, []int{0, 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := Assign(layers(4), test.limits, test.available)
			if !reflect.DeepEqual(p.Hardware, test.want) {
				t.Errorf("Hardware = %v, want %v", p.Hardware, test.want)
			}
			if p.Bandwidth > test.available {
				t.Errorf("Bandwidth %d exceeds available %d", p.Bandwidth, test.available)
			}
		})
	}
}

func TestAssignOverlapLimit(t *testing.T) {
	c := []Candidate{
		{Index: 0, Z: 0, Frame: Rect{Right: 100, Bottom: 100}, Cost: 1, Eligible: true},
		{Index: 1, Z: 1, Frame: Rect{Left: 50, Right: 150, Bottom: 100}, Cost: 1, Eligible: true},
		{Index: 2, Z: 2, Frame: Rect{Left: 200, Right: 300, Bottom: 100}, Cost: 1, Eligible: true},
	}

	p := Assign(c, Limits{Units: 3, MaxOverlap: 1}, unlimited)

	if !reflect.DeepEqual(p.Hardware, []int{0, 2}) {
		t.Errorf("Hardware = %v, want [0 2]", p.Hardware)
	}
	if !reflect.DeepEqual(p.Client, []int{1}) {
		t.Errorf("Client = %v, want [1]", p.Client)
	}
}

func TestAssignDemotesInsideClientSpan(t *testing.T) {
	c := layers(4)
	c[2].WasHardware = true

	p := Assign(c, Limits{Units: 2}, unlimited)

	if !reflect.DeepEqual(p.Hardware, []int{0}) {
		t.Errorf("Hardware = %v, want [0]", p.Hardware)
	}
	if !reflect.DeepEqual(p.Client, []int{1, 2, 3}) {
		t.Errorf("Client = %v, want [1 2 3]", p.Client)
	}
}

func TestAssignKeepsDisjointLayerInsideSpan(t *testing.T) {
	c := []Candidate{
		{Index: 0, Z: 0, Frame: Rect{Right: 100, Bottom: 100}, Cost: 1},
		{Index: 1, Z: 1, Frame: Rect{Left: 500, Right: 600, Bottom: 100}, Cost: 1, Eligible: true},
		{Index: 2, Z: 2, Frame: Rect{Right: 100, Bottom: 100}, Cost: 1},
	}

	p := Assign(c, Limits{Units: 2}, unlimited)

	if !reflect.DeepEqual(p.Hardware, []int{1}) {
		t.Errorf("Hardware = %v, want [1]", p.Hardware)
	}
}

func TestAssignFallback(t *testing.T) {
	t.Run("no units", func(t *testing.T) {
		p := Assign(layers(2), Limits{}, unlimited)
		if !p.Fallback || len(p.Hardware) != 0 || len(p.Client) != 2 {
			t.Errorf("plan = %+v, want full client fallback", p)
		}
	})
	t.Run("no headroom", func(t *testing.T) {
		p := Assign(layers(2), Limits{Units: 2}, 0)
		if !p.Fallback || len(p.Client) != 2 {
			t.Errorf("plan = %+v, want full client fallback", p)
		}
	})
	t.Run("empty frame", func(t *testing.T) {
		p := Assign(nil, Limits{Units: 2}, unlimited)
		if p.Fallback || p.NeedsClientTarget() {
			t.Errorf("plan = %+v, want empty plan", p)
		}
	})
}

func TestAssignDeterministic(t *testing.T) {
	c := layers(6)
	c[4].WasHardware = true
	c[3].Eligible = false

	first := Assign(c, Limits{Units: 3, MaxOverlap: 3}, unlimited)
	for i := 0; i < 10; i++ {
		if got := Assign(c, Limits{Units: 3, MaxOverlap: 3}, unlimited); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: plan %+v differs from %+v", i, got, first)
		}
	}
}

func TestRect(t *testing.T) {
	a := Rect{Left: 0, Top: 0, Right: 10, Bottom: 10}
	b := Rect{Left: 10, Top: 0, Right: 20, Bottom: 10}
	c := Rect{Left: 5, Top: 5, Right: 15, Bottom: 15}

	if a.Intersects(b) {
		t.Error("edge-adjacent rects must not intersect")
	}
	if !a.Intersects(c) {
		t.Error("overlapping rects must intersect")
	}
	if got := a.Union(b); got != (Rect{Right: 20, Bottom: 10}) {
		t.Errorf("Union = %+v", got)
	}
	if got := (Rect{}).Union(c); got != c {
		t.Errorf("empty Union = %+v, want %+v", got, c)
	}
	if a.Area() != 100 {
		t.Errorf("Area = %d, want 100", a.Area())
	}
	if !(Rect{Left: 5, Right: 1, Bottom: 3}).Empty() {
		t.Error("inverted rect should be empty")
	}
	if !a.Union(b).Contains(a) {
		t.Error("union should contain its parts")
	}
}

func TestAssignStacksClientTargetAtLowestClientZ(t *testing.T) {
	bar := func(i, z int, top int32) Candidate {
		return Candidate{Index: i, Z: z, Frame: Rect{Top: top, Right: 1080, Bottom: top + 96}, Cost: 10, Eligible: true}
	}
	tests := []struct {
		name  string
		cands []Candidate
		want  map[int]int // unit index -> stack
	}{
		{
			name: "client below overlays",
			cands: []Candidate{
				{Index: 0, Z: 0, Frame: Rect{Right: 1080, Bottom: 1920}, Cost: 10},
				bar(1, 1, 0),
				bar(2, 2, 1824),
			},
			want: map[int]int{0: 1, 1: 2, 4: 0},
		},
		{
			name: "client above overlays",
			cands: []Candidate{
				bar(0, 0, 0),
				bar(1, 1, 1824),
				{Index: 2, Z: 2, Frame: Rect{Right: 1080, Bottom: 1920}, Cost: 10},
			},
			want: map[int]int{0: 0, 1: 1, 4: 2},
		},
		{
			name: "client between",
			cands: []Candidate{
				bar(0, 0, 0),
				{Index: 1, Z: 1, Frame: Rect{Top: 500, Right: 1080, Bottom: 600}, Cost: 10},
				bar(2, 2, 1824),
			},
			want: map[int]int{0: 0, 1: 2, 4: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Assign(tt.cands, Limits{Units: 4}, unlimited)
			got := make(map[int]int)
			for _, u := range p.Units {
				if u.State != UnitFree {
					got[u.Index] = u.Stack
				} else if u.Stack != -1 {
					t.Errorf("free unit %d has stack %d", u.Index, u.Stack)
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("stack = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignFallbackStacksClientTargetAlone(t *testing.T) {
	p := Assign(layers(3), Limits{Units: 0}, unlimited)
	if len(p.Units) != 1 || p.Units[0].State != UnitClientTarget || p.Units[0].Stack != 0 {
		t.Errorf("Units = %+v, want one client target at stack 0", p.Units)
	}
}
