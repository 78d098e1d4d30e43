package terrain

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/agentic-research/strata/internal/region"
)

// Policy maps eye distance to detail tiers.
type Policy struct {
	CellSize float32
	MaxLOD   uint8
	// Distance is the radius, in cells, of the finest tier.
	Distance float32
	Bias     float32
}

// Tier returns the detail tier for a chunk whose centre is d away from the eye.
// It is the finest tier up to Distance and steps one tier down every time the
// distance doubles.
func (p Policy) Tier(d float32) uint8 {
	unit := p.Distance * p.CellSize * (1 + p.Bias)
	if unit <= 0 {
		return p.MaxLOD
	}
	step := int(math32.Floor(math32.Log2(math32.Max(1, d/unit))))
	t := int(p.MaxLOD) - step
	if t < 0 {
		return 0
	}
	return uint8(t)
}

// TierFor returns the tier for key k seen from eye.
func (p Policy) TierFor(eye mgl32.Vec3, k region.Key) uint8 {
	return p.Tier(planarDistance(eye, k.Center(p.CellSize)))
}

func planarDistance(a, b mgl32.Vec3) float32 {
	return math32.Hypot(a[0]-b[0], a[1]-b[1])
}

// Cells selects every cell within radius cells of the eye, each at its own tier.
func (p Policy) Cells(eye mgl32.Vec3, radius int32) []region.Key {
	cx, cy := region.CellAt(eye[0], eye[1], p.CellSize)
	keys := make([]region.Key, 0, (2*radius+1)*(2*radius+1))
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			k := region.Cell(x, y, 0)
			k.LOD = p.TierFor(eye, k)
			keys = append(keys, k)
		}
	}
	return Reconcile(keys, p.MaxLOD)
}

// QuadTree covers the same area as Cells with quad-tree nodes of up to
// maxMerge levels. A node stays merged while its tier is below MaxLOD minus its
// size; merged nodes keep the per-cell density of their tier.
func (p Policy) QuadTree(eye mgl32.Vec3, radius int32, maxMerge uint8) []region.Key {
	cx, cy := region.CellAt(eye[0], eye[1], p.CellSize)
	area := cellArea{minX: cx - radius, minY: cy - radius, maxX: cx + radius, maxY: cy + radius}

	span := int32(1) << maxMerge
	var keys []region.Key
	for ry := region.FloorDiv(area.minY, span); ry <= region.FloorDiv(area.maxY, span); ry++ {
		for rx := region.FloorDiv(area.minX, span); rx <= region.FloorDiv(area.maxX, span); rx++ {
			p.split(eye, region.Key{X: rx, Y: ry, Size: maxMerge}, area, &keys)
		}
	}
	return Reconcile(keys, p.MaxLOD)
}

type cellArea struct {
	minX, minY, maxX, maxY int32
}

func (a cellArea) overlaps(k region.Key) bool {
	ox, oy := k.Origin()
	s := k.Span()
	return ox <= a.maxX && ox+s-1 >= a.minX && oy <= a.maxY && oy+s-1 >= a.minY
}

func (p Policy) split(eye mgl32.Vec3, k region.Key, area cellArea, out *[]region.Key) {
	if !area.overlaps(k) {
		return
	}
	tier := p.TierFor(eye, k)
	if k.Size == 0 || int(tier) < int(p.MaxLOD)-int(k.Size) {
		k.LOD = tier + k.Size
		*out = append(*out, k)
		return
	}
	for _, c := range k.Children() {
		p.split(eye, c, area, out)
	}
}

// density is the per-cell resolution of a key: a node twice the size needs
// one more tier for the same vertex spacing.
func density(k region.Key) int {
	return int(k.LOD) - int(k.Size)
}

// Reconcile raises the tier of any key more than one density tier coarser than
// an adjacent key, repeating until no such pair remains or maxLOD stops it.
// Keys are visited in region.Less order, so the result is deterministic. The
// slice is sorted and modified in place.
//
// Every edge of the result faces either only neighbours one density tier
// coarser or none at all, and such edges are flagged in Key.Seams. No key
// drops below tier 1, so a flagged edge always has midpoints to snap.
func Reconcile(keys []region.Key, maxLOD uint8) []region.Key {
	region.Sort(keys)
	nb := sides(keys)

	raise := func(i, lod int) bool {
		lod = min(lod, int(maxLOD))
		if lod <= int(keys[i].LOD) {
			return false
		}
		keys[i].LOD = uint8(lod)
		return true
	}
	for i := range keys {
		raise(i, 1)
	}

	for changed := true; changed; {
		changed = false
		for i := range keys {
			for _, side := range nb[i] {
				for _, j := range side {
					if raise(i, density(keys[j])-1+int(keys[i].Size)) {
						changed = true
					}
				}
				// A mixed edge would need two vertex spacings; refine the coarser part.
				if facing(keys, i, side) != edgeMixed {
					continue
				}
				for _, j := range side {
					if density(keys[j]) < density(keys[i]) && raise(j, density(keys[i])+int(keys[j].Size)) {
						changed = true
					}
				}
			}
		}
	}

	for i := range keys {
		keys[i].Seams = 0
		for s, side := range nb[i] {
			if facing(keys, i, side) == edgeCoarser {
				keys[i].Seams |= 1 << s
			}
		}
	}
	return keys
}

type edgeKind int

const (
	edgeOpen edgeKind = iota
	edgeCoarser
	edgeMixed
)

// facing classifies the neighbours of keys[i] across one edge.
func facing(keys []region.Key, i int, side []int) edgeKind {
	n := 0
	for _, j := range side {
		if density(keys[j]) < density(keys[i]) {
			n++
		}
	}
	switch {
	case n == 0:
		return edgeOpen
	case n == len(side):
		return edgeCoarser
	default:
		return edgeMixed
	}
}

// sides lists, per key, the keys across each edge in region.SeamWest,
// SeamEast, SeamSouth, SeamNorth order.
func sides(keys []region.Key) [][4][]int {
	type cell struct{ x, y int32 }
	owner := make(map[cell]int)
	for i, k := range keys {
		ox, oy := k.Origin()
		s := k.Span()
		for y := oy; y < oy+s; y++ {
			for x := ox; x < ox+s; x++ {
				owner[cell{x, y}] = i
			}
		}
	}

	out := make([][4][]int, len(keys))
	for i, k := range keys {
		ox, oy := k.Origin()
		s := k.Span()
		visit := func(side int, x, y int32) {
			j, ok := owner[cell{x, y}]
			if !ok || j == i {
				return
			}
			for _, seen := range out[i][side] {
				if seen == j {
					return
				}
			}
			out[i][side] = append(out[i][side], j)
		}
		for d := int32(0); d < s; d++ {
			visit(0, ox-1, oy+d)
			visit(1, ox+s, oy+d)
			visit(2, ox+d, oy-1)
			visit(3, ox+d, oy+s)
		}
	}
	return out
}
