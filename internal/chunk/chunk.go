// Package chunk turns terrain samples into renderable geometry.
package chunk

import (
	"image/color"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/agentic-research/strata/internal/region"
	"github.com/agentic-research/strata/internal/texture"
)

// Box is an axis-aligned bounding box.
type Box struct {
	Min, Max mgl32.Vec3
}

// Center returns the midpoint of the box.
func (b Box) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Chunk is the built geometry for one region key. Buffers are immutable once
// built and may be read from any goroutine.
type Chunk struct {
	Key       region.Key
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	UVs       []mgl32.Vec2
	Colors    []color.NRGBA
	Indices   []uint32
	Bounds    Box
	Texture   *texture.Texture
	// Generation is the data generation the chunk was built from.
	Generation uint64
	// Flat marks fallback geometry built without storage data.
	Flat bool

	// Skirt vertices start at this offset in Positions.
	SkirtStart int

	releaseTex func(*texture.Texture) error
	destroyed  atomic.Bool
}

// Vertices returns the number of vertices including skirts.
func (c *Chunk) Vertices() int { return len(c.Positions) }

// Triangles returns the number of triangles including skirts.
func (c *Chunk) Triangles() int { return len(c.Indices) / 3 }

// Cost is the memory held by the geometry buffers. Textures are accounted by
// their own cache.
func (c *Chunk) Cost() int64 {
	return int64(len(c.Positions))*12 +
		int64(len(c.Normals))*12 +
		int64(len(c.UVs))*8 +
		int64(len(c.Colors))*4 +
		int64(len(c.Indices))*4
}

// Destroy releases the chunk's texture reference. It is safe to call more than once.
func (c *Chunk) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	if c.Texture != nil && c.releaseTex != nil {
		_ = c.releaseTex(c.Texture)
	}
}

// Destroyed reports whether Destroy has run.
func (c *Chunk) Destroyed() bool { return c.destroyed.Load() }
