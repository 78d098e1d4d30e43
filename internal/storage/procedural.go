package storage

import (
	"context"
	"fmt"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/ojrac/opensimplex-go"

	"github.com/agentic-research/strata/internal/region"
)

// Procedural generates fractal-noise heightfields. It is deterministic for a seed.
type Procedural struct {
	CellSize float32
	// Radius bounds the world to cells in [-Radius, Radius). Zero means unbounded.
	Radius int32

	Amplitude   float32
	Scale       float32
	Octaves     int
	Lacunarity  float32
	Persistence float32

	// Heights below SandLevel get a sand layer, above RockLevel a rock layer.
	SandLevel float32
	RockLevel float32

	noise opensimplex.Noise32
}

// NewProcedural returns a generator with rolling-hills defaults.
func NewProcedural(seed int64, cellSize float32, radius int32) *Procedural {
	return &Procedural{
		CellSize:    cellSize,
		Radius:      radius,
		Amplitude:   cellSize / 4,
		Scale:       cellSize * 2,
		Octaves:     4,
		Lacunarity:  2,
		Persistence: 0.5,
		SandLevel:   -cellSize / 16,
		RockLevel:   cellSize / 8,
		noise:       opensimplex.New32(seed),
	}
}

// HeightAt evaluates the heightfield at a world position.
func (p *Procedural) HeightAt(x, y float32) (float32, error) {
	if !p.inBounds(x, y) {
		return 0, fmt.Errorf("procedural (%g, %g): %w", x, y, ErrDataUnavailable)
	}
	return p.fractal(x, y), nil
}

func (p *Procedural) fractal(x, y float32) float32 {
	var h float32
	amp := p.Amplitude
	fx, fy := x/p.Scale, y/p.Scale
	for i := 0; i < p.Octaves; i++ {
		h += p.noise.Eval2(fx, fy) * amp
		fx *= p.Lacunarity
		fy *= p.Lacunarity
		amp *= p.Persistence
	}
	return h
}

func (p *Procedural) inBounds(x, y float32) bool {
	if p.Radius <= 0 {
		return true
	}
	limit := float32(p.Radius) * p.CellSize
	return x >= -limit && x <= limit && y >= -limit && y <= limit
}

func (p *Procedural) rectInBounds(r region.Rect) bool {
	return p.inBounds(r.MinX, r.MinY) && p.inBounds(r.MaxX, r.MaxY)
}

// SampleRegion implements Storage.
func (p *Procedural) SampleRegion(ctx context.Context, r region.Rect, lod uint8) (*Samples, error) {
	if !p.rectInBounds(r) {
		return nil, fmt.Errorf("procedural region %v: %w", r, ErrDataUnavailable)
	}
	return sampleGrid(ctx, r, lod, p.HeightAt, p.color)
}

// SampleTexture implements Storage.
func (p *Procedural) SampleTexture(ctx context.Context, r region.Rect, lod uint8) ([]Layer, error) {
	if !p.rectInBounds(r) {
		return nil, fmt.Errorf("procedural texture %v: %w", r, ErrDataUnavailable)
	}
	h := p.fractal((r.MinX+r.MaxX)/2, (r.MinY+r.MaxY)/2)
	layers := []Layer{{Name: "grass", Opacity: 1}}
	if h < p.SandLevel {
		layers = append(layers, Layer{Name: "sand", Opacity: blendWeight(p.SandLevel-h, p.Amplitude/4)})
	}
	if h > p.RockLevel {
		layers = append(layers, Layer{Name: "rock", Opacity: blendWeight(h-p.RockLevel, p.Amplitude/4)})
	}
	return layers, nil
}

func blendWeight(excess, scale float32) float32 {
	if scale <= 0 {
		return 1
	}
	return math32.Min(1, 0.25+excess/scale)
}

func (p *Procedural) color(_, _, h float32) color.NRGBA {
	switch {
	case h < p.SandLevel:
		return color.NRGBA{R: 194, G: 178, B: 128, A: 255}
	case h > p.RockLevel:
		return color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	default:
		return color.NRGBA{R: 96, G: 140, B: 64, A: 255}
	}
}
