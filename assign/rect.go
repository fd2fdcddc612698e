package assign

// Rect is an axis-aligned rectangle with exclusive right/bottom edges.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// Width returns the horizontal extent.
func (r Rect) Width() int32 {
	if r.Right < r.Left {
		return 0
	}
	return r.Right - r.Left
}

// Height returns the vertical extent.
func (r Rect) Height() int32 {
	if r.Bottom < r.Top {
		return 0
	}
	return r.Bottom - r.Top
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool {
	return r.Width() == 0 || r.Height() == 0
}

// Area returns the pixel count.
func (r Rect) Area() uint64 {
	return uint64(r.Width()) * uint64(r.Height())
}

// Intersects reports whether r and o share at least one pixel.
func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Left < o.Right && o.Left < r.Right && r.Top < o.Bottom && o.Top < r.Bottom
}

// Union returns the bounding box of r and o. Empty rectangles are ignored.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		Left:   min(r.Left, o.Left),
		Top:    min(r.Top, o.Top),
		Right:  max(r.Right, o.Right),
		Bottom: max(r.Bottom, o.Bottom),
	}
}

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	if o.Empty() {
		return true
	}
	return r.Left <= o.Left && r.Top <= o.Top && r.Right >= o.Right && r.Bottom >= o.Bottom
}
