// Package assign maps a frame's layers onto a display's fixed pool of
// hardware composition units.
//
// Every layer ends up either on a hardware unit or in the single client
// (GPU) target. The client path is always feasible, so Assign never fails.
package assign

import (
	"sort"
)

// UnitState is the state of one hardware composition unit.
type UnitState uint8

const (
	UnitFree UnitState = iota
	UnitLayer
	UnitClientTarget
)

func (s UnitState) String() string {
	switch s {
	case UnitFree:
		return "free"
	case UnitLayer:
		return "layer"
	case UnitClientTarget:
		return "client-target"
	}
	return "unknown"
}

// Unit is one entry of a plan's unit table.
type Unit struct {
	Index int
	State UnitState
	Layer int // candidate index, -1 unless State is UnitLayer
	// Stack is the blend position, 0 at the bottom, -1 for a free unit.
	Stack int
}

// Limits describes one display's hardware.
type Limits struct {
	// Units is the number of overlay windows / DMA channels.
	Units int
	// MaxBandwidth caps the summed cost of hardware layers, 0 = unlimited.
	MaxBandwidth uint64
	// MaxOverlap caps how many hardware layers may cover one region, 0 = unlimited.
	MaxOverlap int
}

// Candidate is one layer as seen by the assignor.
type Candidate struct {
	Index       int
	Z           int
	Frame       Rect
	Cost        uint64
	Eligible    bool
	WasHardware bool
}

// Plan is the composition decision for one frame.
type Plan struct {
	Hardware     []int // candidate indexes on hardware units, back to front
	Client       []int // candidate indexes composed into the client target
	ClientTarget Rect
	Units        []Unit
	Bandwidth    uint64
	Fallback     bool
}

// IsHardware reports whether the candidate index was given a unit.
func (p Plan) IsHardware(index int) bool {
	for _, i := range p.Hardware {
		if i == index {
			return true
		}
	}
	return false
}

// NeedsClientTarget reports whether any layer uses the client path.
func (p Plan) NeedsClientTarget() bool {
	return len(p.Client) > 0
}

// Assign computes a plan. available is the shared-budget headroom for this
// display; it is combined with lim.MaxBandwidth.
func Assign(cands []Candidate, lim Limits, available uint64) Plan {
	if lim.Units <= 0 {
		return fallback(cands, lim, len(cands) > 0)
	}

	headroom := available
	if lim.MaxBandwidth > 0 && lim.MaxBandwidth < headroom {
		headroom = lim.MaxBandwidth
	}

	order := make([]int, 0, len(cands))
	for i := range cands {
		if cands[i].Eligible {
			order = append(order, i)
		}
	}
	// Previous-frame hardware layers first, then back to front.
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := &cands[order[a]], &cands[order[b]]
		if ca.WasHardware != cb.WasHardware {
			return ca.WasHardware
		}
		if ca.Z != cb.Z {
			return ca.Z < cb.Z
		}
		return ca.Index < cb.Index
	})

	hw := make(map[int]bool, lim.Units)
	var used uint64
	for _, i := range order {
		if len(hw) == lim.Units {
			break
		}
		c := &cands[i]
		if c.Cost > headroom-used {
			continue
		}
		if lim.MaxOverlap > 0 && overlapDepth(cands, hw, c.Frame)+1 > lim.MaxOverlap {
			continue
		}
		hw[i] = true
		used += c.Cost
	}

	demoteInsideClientSpan(cands, hw)

	if len(hw) == 0 && len(order) > 0 {
		return fallback(cands, lim, true)
	}
	return build(cands, lim, hw)
}

// overlapDepth counts hardware layers intersecting frame.
func overlapDepth(cands []Candidate, hw map[int]bool, frame Rect) int {
	n := 0
	for i := range hw {
		if cands[i].Frame.Intersects(frame) {
			n++
		}
	}
	return n
}

// demoteInsideClientSpan moves to the client path every hardware layer that
// sits between client layers in z and overlaps the client target, until the
// client layers form one contiguous blend.
func demoteInsideClientSpan(cands []Candidate, hw map[int]bool) {
	for {
		zmin, zmax := 0, 0
		var target Rect
		first := true
		for i := range cands {
			if hw[i] {
				continue
			}
			z := cands[i].Z
			if first {
				zmin, zmax = z, z
				first = false
			} else {
				zmin, zmax = min(zmin, z), max(zmax, z)
			}
			target = target.Union(cands[i].Frame)
		}
		if first {
			return
		}

		changed := false
		for i := range hw {
			z := cands[i].Z
			if z > zmin && z < zmax && cands[i].Frame.Intersects(target) {
				delete(hw, i)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func build(cands []Candidate, lim Limits, hw map[int]bool) Plan {
	var p Plan
	for i := range cands {
		if hw[i] {
			p.Hardware = append(p.Hardware, i)
			p.Bandwidth += cands[i].Cost
		} else {
			p.Client = append(p.Client, i)
			p.ClientTarget = p.ClientTarget.Union(cands[i].Frame)
		}
	}
	sort.SliceStable(p.Hardware, func(a, b int) bool {
		return cands[p.Hardware[a]].Z < cands[p.Hardware[b]].Z
	})

	// The client target blends at the slot of its lowest layer.
	clientZ, hasClient := 0, len(p.Client) > 0
	for n, i := range p.Client {
		if n == 0 || cands[i].Z < clientZ {
			clientZ = cands[i].Z
		}
	}
	below := 0
	for _, i := range p.Hardware {
		if hasClient && cands[i].Z < clientZ {
			below++
		}
	}

	p.Units = make([]Unit, 0, lim.Units+1)
	for u := 0; u < lim.Units; u++ {
		unit := Unit{Index: u, State: UnitFree, Layer: -1, Stack: -1}
		if u < len(p.Hardware) {
			unit.State = UnitLayer
			unit.Layer = p.Hardware[u]
			unit.Stack = u
			if hasClient && u >= below {
				unit.Stack++
			}
		}
		p.Units = append(p.Units, unit)
	}
	if hasClient {
		p.Units = append(p.Units, Unit{Index: lim.Units, State: UnitClientTarget, Layer: -1, Stack: below})
	}
	return p
}

// fallback composes every layer on the client path.
func fallback(cands []Candidate, lim Limits, flagged bool) Plan {
	p := build(cands, Limits{Units: max(lim.Units, 0)}, nil)
	p.Fallback = flagged
	return p
}
