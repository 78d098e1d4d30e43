package region

// Rect is an axis-aligned world-space rectangle. Max edges are exclusive for
// containment but sampled inclusively by grids.
type Rect struct {
	MinX, MinY float32
	MaxX, MaxY float32
}

func (r Rect) Width() float32  { return r.MaxX - r.MinX }
func (r Rect) Height() float32 { return r.MaxY - r.MinY }

// Contains reports whether (x, y) lies inside r, max edges included.
func (r Rect) Contains(x, y float32) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Intersects reports whether two rectangles overlap with a non-empty area.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX < o.MaxX && o.MinX < r.MaxX && r.MinY < o.MaxY && o.MinY < r.MaxY
}
