package storage

import (
	"context"
	"image/color"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/agentic-research/strata/internal/region"
)

// heightFunc returns the height at a world position or ErrDataUnavailable.
type heightFunc func(x, y float32) (float32, error)

// colorFunc returns the vertex colour for a world position and its height.
type colorFunc func(x, y, h float32) color.NRGBA

// sampleGrid evaluates heights, normals and colours over a lod-resolution grid.
// Normals use central differences one grid step apart; neighbours that fall
// outside the data reuse the centre height.
func sampleGrid(ctx context.Context, r region.Rect, lod uint8, height heightFunc, col colorFunc) (*Samples, error) {
	n := region.Vertices(lod)
	s := &Samples{
		Rect:    r,
		Size:    n,
		Heights: make([]float32, n*n),
		Normals: make([]mgl32.Vec3, n*n),
		Colors:  make([]color.NRGBA, n*n),
	}
	stepX := r.Width() / float32(n-1)
	stepY := r.Height() / float32(n-1)

	for iy := 0; iy < n; iy++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y := r.MinY + float32(iy)*stepY
		for ix := 0; ix < n; ix++ {
			x := r.MinX + float32(ix)*stepX
			h, err := height(x, y)
			if err != nil {
				return nil, err
			}
			i := s.Index(ix, iy)
			s.Heights[i] = h
			s.Normals[i] = normalAt(height, x, y, h, stepX, stepY)
			if col != nil {
				s.Colors[i] = col(x, y, h)
			} else {
				s.Colors[i] = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
		}
	}
	return s, nil
}

func normalAt(height heightFunc, x, y, h, dx, dy float32) mgl32.Vec3 {
	sample := func(px, py float32) float32 {
		v, err := height(px, py)
		if err != nil {
			return h
		}
		return v
	}
	hl := sample(x-dx, y)
	hr := sample(x+dx, y)
	hd := sample(x, y-dy)
	hu := sample(x, y+dy)
	n := mgl32.Vec3{(hl - hr) / (2 * dx), (hd - hu) / (2 * dy), 1}
	return n.Normalize()
}
