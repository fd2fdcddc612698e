package hwcomposer

import (
	"fmt"
	"time"

	"github.com/bnema/hwcomposer/assign"
	"github.com/bnema/hwcomposer/fence"
)

// Rect is a display-space rectangle.
type Rect = assign.Rect

// NoFence is the already-signaled fence.
const NoFence = fence.NoFence

// DisplayID identifies a logical display.
type DisplayID int

const (
	DisplayPrimary DisplayID = iota
	DisplayExternal
	DisplayVirtual
)

func (id DisplayID) String() string {
	switch {
	case id == DisplayPrimary:
		return "primary"
	case id == DisplayExternal:
		return "external"
	case id == DisplayVirtual:
		return "virtual"
	case id > DisplayVirtual:
		return fmt.Sprintf("virtual-%d", id-DisplayVirtual)
	}
	return fmt.Sprintf("display-%d", int(id))
}

// DisplayKind is the class of a display.
type DisplayKind uint8

const (
	KindPrimary DisplayKind = iota
	KindExternal
	KindVirtual
)

func (k DisplayKind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindExternal:
		return "external"
	case KindVirtual:
		return "virtual"
	}
	return "unknown"
}

// KindOf returns the class a display ID belongs to.
func KindOf(id DisplayID) DisplayKind {
	switch {
	case id == DisplayPrimary:
		return KindPrimary
	case id == DisplayExternal:
		return KindExternal
	default:
		return KindVirtual
	}
}

// PowerMode is a display power state.
type PowerMode uint8

const (
	PowerOff PowerMode = iota
	PowerDoze
	PowerOn
)

func (m PowerMode) String() string {
	switch m {
	case PowerOff:
		return "off"
	case PowerDoze:
		return "doze"
	case PowerOn:
		return "on"
	}
	return "unknown"
}

// CompositionType is how a layer reaches the screen.
type CompositionType uint8

const (
	CompositionClient CompositionType = iota
	CompositionDevice
	CompositionCursor
	CompositionSolidColor
)

func (c CompositionType) String() string {
	switch c {
	case CompositionClient:
		return "client"
	case CompositionDevice:
		return "device"
	case CompositionCursor:
		return "cursor"
	case CompositionSolidColor:
		return "solid-color"
	}
	return "unknown"
}

// hardware reports whether the type is scanned out by a composition unit.
func (c CompositionType) hardware() bool {
	return c != CompositionClient
}

// BlendMode is the layer blending equation.
type BlendMode uint8

const (
	BlendNone BlendMode = iota
	BlendPremultiplied
	BlendCoverage
)

// Transform is a bitmask of flips and rotations.
type Transform uint8

const (
	TransformFlipH Transform = 1 << iota
	TransformFlipV
	TransformRot90

	TransformNone   Transform = 0
	TransformRot180           = TransformFlipH | TransformFlipV
	TransformRot270           = TransformRot180 | TransformRot90
)

// LayerFlags are per-layer hints from the host.
type LayerFlags uint32

const (
	// LayerSkip asks for client composition regardless of capability.
	LayerSkip LayerFlags = 1 << iota
	// LayerRotationAnimation marks a layer of an animated rotation.
	LayerRotationAnimation
	// LayerProtected marks content that must stay on a hardware path.
	LayerProtected
)

// Layer is one visual element of a frame.
type Layer struct {
	Buffer       uint64
	AcquireFence int
	SourceCrop   Rect
	DisplayFrame Rect
	Blend        BlendMode
	Transform    Transform
	PlaneAlpha   uint8
	Format       uint32
	Flags        LayerFlags

	// Requested is the host's wish; Composition is the decision.
	Requested   CompositionType
	Composition CompositionType

	// ReleaseFence is set by Commit for hardware-composed layers.
	ReleaseFence int
}

// bytesPerPixel is the scanout cost unit used for bandwidth accounting.
const bytesPerPixel = 4

// cost is the bytes fetched per frame to scan out the layer.
func (l *Layer) cost() uint64 {
	if l.Requested == CompositionSolidColor {
		return 0
	}
	return l.SourceCrop.Area() * bytesPerPixel
}

// Timing is one hardware video timing.
type Timing struct {
	Width      int
	Height     int
	RefreshHz  int
	Interlaced bool
}

func (t Timing) String() string {
	scan := "p"
	if t.Interlaced {
		scan = "i"
	}
	return fmt.Sprintf("%dx%d%s%d", t.Width, t.Height, scan, t.RefreshHz)
}

// VsyncPeriod is the refresh interval.
func (t Timing) VsyncPeriod() time.Duration {
	if t.RefreshHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(t.RefreshHz)
}

// Config is an enumerated display configuration.
type Config struct {
	Timing
	DPIX int // dots per thousand inches
	DPIY int
}

// Attribute selects a DisplayAttribute value.
type Attribute uint8

const (
	AttributeVsyncPeriod Attribute = iota + 1
	AttributeWidth
	AttributeHeight
	AttributeDPIX
	AttributeDPIY
)

// Capability selects a Query value.
type Capability uint8

const (
	// CapabilityVsyncPeriod returns the primary refresh interval in nanoseconds.
	CapabilityVsyncPeriod Capability = iota + 1
	// CapabilityDisplayTypes returns a bitmask of supported display kinds.
	CapabilityDisplayTypes
	// CapabilityBackgroundColor reports solid-color layer support.
	CapabilityBackgroundColor
	// CapabilityOverlayUnits returns the primary pool size.
	CapabilityOverlayUnits
)
