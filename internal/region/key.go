// Package region addresses units of terrain: cells, quad-tree nodes and their detail tiers.
package region

import (
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// MaxLOD is the finest detail tier a Key can carry.
const MaxLOD = 10

// Key identifies one unit of terrain at one level of detail.
//
// X and Y are expressed in units of the node's own span: a key with Size s covers
// cells [X<<s, (X+1)<<s) along each axis. Cell-paged terrain always uses Size 0.
// LOD 0 is the coarsest tier.
type Key struct {
	X, Y int32
	Size uint8
	LOD  uint8
	// Seams marks the edges that border a neighbour one density tier coarser.
	Seams uint8
}

// Edge flags for Key.Seams.
const (
	SeamWest uint8 = 1 << iota
	SeamEast
	SeamSouth
	SeamNorth
)

// Cell returns the Size-0 key for cell (x, y) at the given tier.
func Cell(x, y int32, lod uint8) Key {
	return Key{X: x, Y: y, LOD: lod}
}

func (k Key) String() string {
	if k.Seams != 0 {
		return fmt.Sprintf("%d,%d/s%d/lod%d/seams%04b", k.X, k.Y, k.Size, k.LOD, k.Seams)
	}
	return fmt.Sprintf("%d,%d/s%d/lod%d", k.X, k.Y, k.Size, k.LOD)
}

// Span is the number of cells covered along each axis.
func (k Key) Span() int32 {
	return 1 << k.Size
}

// WithLOD returns the same node at another tier.
func (k Key) WithLOD(lod uint8) Key {
	k.LOD = lod
	return k
}

// Origin is the first cell covered by the key.
func (k Key) Origin() (int32, int32) {
	return k.X << k.Size, k.Y << k.Size
}

// Contains reports whether the cell lies inside the key's footprint.
func (k Key) Contains(cx, cy int32) bool {
	ox, oy := k.Origin()
	s := k.Span()
	return cx >= ox && cx < ox+s && cy >= oy && cy < oy+s
}

// Overlaps reports whether the footprints of k and o share a cell.
func (k Key) Overlaps(o Key) bool {
	kx, ky := k.Origin()
	ox, oy := o.Origin()
	ks, span := k.Span(), o.Span()
	return kx < ox+span && ox < kx+ks && ky < oy+span && oy < ky+ks
}

// Rect returns the world-space footprint of the key.
func (k Key) Rect(cellSize float32) Rect {
	ox, oy := k.Origin()
	span := float32(k.Span()) * cellSize
	minX := float32(ox) * cellSize
	minY := float32(oy) * cellSize
	return Rect{MinX: minX, MinY: minY, MaxX: minX + span, MaxY: minY + span}
}

// Center returns the world-space centre of the key's footprint at height zero.
func (k Key) Center(cellSize float32) mgl32.Vec3 {
	r := k.Rect(cellSize)
	return mgl32.Vec3{(r.MinX + r.MaxX) / 2, (r.MinY + r.MaxY) / 2, 0}
}

// Neighbours returns the four edge-adjacent nodes of the same size and tier.
func (k Key) Neighbours() [4]Key {
	return [4]Key{
		{X: k.X - 1, Y: k.Y, Size: k.Size, LOD: k.LOD},
		{X: k.X + 1, Y: k.Y, Size: k.Size, LOD: k.LOD},
		{X: k.X, Y: k.Y - 1, Size: k.Size, LOD: k.LOD},
		{X: k.X, Y: k.Y + 1, Size: k.Size, LOD: k.LOD},
	}
}

// Parent returns the quad-tree node one size up that contains k.
func (k Key) Parent() Key {
	return Key{X: FloorDiv(k.X, 2), Y: FloorDiv(k.Y, 2), Size: k.Size + 1, LOD: k.LOD}
}

// Children returns the four quad-tree nodes one size down. Size-0 keys have no children.
func (k Key) Children() []Key {
	if k.Size == 0 {
		return nil
	}
	s := k.Size - 1
	return []Key{
		{X: k.X * 2, Y: k.Y * 2, Size: s, LOD: k.LOD},
		{X: k.X*2 + 1, Y: k.Y * 2, Size: s, LOD: k.LOD},
		{X: k.X * 2, Y: k.Y*2 + 1, Size: s, LOD: k.LOD},
		{X: k.X*2 + 1, Y: k.Y*2 + 1, Size: s, LOD: k.LOD},
	}
}

// Less orders keys by X, then Y, then Size, then LOD, then Seams.
func Less(a, b Key) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	if a.LOD != b.LOD {
		return a.LOD < b.LOD
	}
	return a.Seams < b.Seams
}

// Sort orders keys in place with Less.
func Sort(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })
}

// Vertices is the number of grid vertices along one side of a chunk at the given tier.
func Vertices(lod uint8) int {
	return 1<<lod + 1
}

// CellID packs cell coordinates into a uint64 for bitmap indexes.
func CellID(x, y int32) uint64 {
	return uint64(uint32(x))<<32 | uint64(uint32(y))
}

// CellFromID reverses CellID.
func CellFromID(id uint64) (int32, int32) {
	return int32(uint32(id >> 32)), int32(uint32(id))
}

// CellAt returns the cell containing a world-space position.
func CellAt(x, y, cellSize float32) (int32, int32) {
	return floorToCell(x / cellSize), floorToCell(y / cellSize)
}

func floorToCell(v float32) int32 {
	i := int32(v)
	if v < 0 && float32(i) != v {
		i--
	}
	return i
}

// FloorDiv divides rounding towards negative infinity. b must be positive.
func FloorDiv(a, b int32) int32 {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}
