// Package storage defines the raw terrain sample source consumed by the chunk builder,
// and ships a procedural and a SQLite-backed implementation.
package storage

import (
	"context"
	"errors"
	"image/color"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/agentic-research/strata/internal/region"
)

// ErrDataUnavailable is returned when a Storage has no samples for a requested region,
// e.g. it lies outside the world bounds.
var ErrDataUnavailable = errors.New("terrain data unavailable")

// Storage supplies decoded terrain samples. Implementations must be safe for
// concurrent read-only calls and keep no caches of their own.
type Storage interface {
	// SampleRegion samples a grid of region.Vertices(lod) points per side spanning r,
	// edges included.
	SampleRegion(ctx context.Context, r region.Rect, lod uint8) (*Samples, error)
	// SampleTexture returns the texture layers covering r, base layer first.
	SampleTexture(ctx context.Context, r region.Rect, lod uint8) ([]Layer, error)
}

// Layer is one texture layer to be blended over the layers below it.
type Layer struct {
	Name    string
	Opacity float32
}

// Samples is a square, row-major grid of terrain samples. X varies fastest.
type Samples struct {
	Rect    region.Rect
	Size    int
	Heights []float32
	Normals []mgl32.Vec3
	Colors  []color.NRGBA
}

// Index returns the slice offset of grid point (ix, iy).
func (s *Samples) Index(ix, iy int) int {
	return iy*s.Size + ix
}

// Height returns the sampled height at grid point (ix, iy).
func (s *Samples) Height(ix, iy int) float32 {
	return s.Heights[s.Index(ix, iy)]
}

// Interpolate returns the bilinearly interpolated height at world position (x, y),
// which must lie inside Rect.
func (s *Samples) Interpolate(x, y float32) float32 {
	if s.Size < 2 {
		return s.Heights[0]
	}
	steps := float32(s.Size - 1)
	fx := (x - s.Rect.MinX) / s.Rect.Width() * steps
	fy := (y - s.Rect.MinY) / s.Rect.Height() * steps
	ix := clampIndex(int(fx), s.Size-2)
	iy := clampIndex(int(fy), s.Size-2)
	tx := fx - float32(ix)
	ty := fy - float32(iy)

	h00 := s.Height(ix, iy)
	h10 := s.Height(ix+1, iy)
	h01 := s.Height(ix, iy+1)
	h11 := s.Height(ix+1, iy+1)
	top := h00 + (h10-h00)*tx
	bottom := h01 + (h11-h01)*tx
	return top + (bottom-top)*ty
}

func clampIndex(i, hi int) int {
	if i < 0 {
		return 0
	}
	if i > hi {
		return hi
	}
	return i
}
