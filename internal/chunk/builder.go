package chunk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/agentic-research/strata/internal/region"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/texture"
)

// ErrBuildFailed reports samples the builder cannot turn into geometry.
var ErrBuildFailed = errors.New("chunk build failed")

// Textures supplies chunk textures.
type Textures interface {
	Acquire(ctx context.Context, k region.Key) (*texture.Texture, error)
	Release(t *texture.Texture) error
	Wrap(k region.Key, img *image.RGBA) *texture.Texture
}

// Options configures a Builder.
type Options struct {
	CellSize float32
	// SkirtDepth is how far skirt vertices hang below the edge. Zero disables skirts.
	SkirtDepth float32
	// FlatFallback builds flat geometry at FallbackHeight when storage has no data.
	FlatFallback   bool
	FallbackHeight float32
	Logger         *slog.Logger
}

// BuildOptions carries per-build settings.
type BuildOptions struct {
	Generation uint64
}

// Builder produces chunks from storage samples. It holds no per-call state
// and may be used from any goroutine.
type Builder struct {
	storage  storage.Storage
	textures Textures
	opts     Options
	log      *slog.Logger
}

// NewBuilder returns a Builder. textures may be nil for untextured chunks.
func NewBuilder(st storage.Storage, textures Textures, opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{storage: st, textures: textures, opts: opts, log: logger}
}

// Build samples storage for key and returns its geometry. It never returns a
// partial chunk: on error nothing is held.
//
// On each edge flagged in key.Seams the odd vertices are snapped onto the line
// between their even neighbours, so the edge follows the vertex spacing of the
// coarser neighbour across it. Other edges keep their sampled heights. Skirts
// hang below every edge to hide the remaining cracks.
func (b *Builder) Build(ctx context.Context, key region.Key, bo BuildOptions) (*Chunk, error) {
	rect := key.Rect(b.opts.CellSize)
	flat := false

	s, err := b.storage.SampleRegion(ctx, rect, key.LOD)
	if err != nil {
		if !b.opts.FlatFallback || !errors.Is(err, storage.ErrDataUnavailable) {
			return nil, fmt.Errorf("chunk %v: %w", key, err)
		}
		s = flatSamples(rect, key.LOD, b.opts.FallbackHeight)
		flat = true
	}
	if err := validate(s, key.LOD); err != nil {
		return nil, fmt.Errorf("chunk %v: %w: %w", key, ErrBuildFailed, err)
	}

	c := &Chunk{Key: key, Generation: bo.Generation, Flat: flat}
	b.grid(c, s, key.Seams)
	if b.opts.SkirtDepth > 0 {
		skirt(c, s.Size, b.opts.SkirtDepth)
	}
	c.Bounds = bounds(c.Positions)

	if b.textures != nil {
		if flat {
			c.Texture = b.textures.Wrap(key, solid(4, color.RGBA{R: 128, G: 128, B: 128, A: 255}))
		} else {
			tex, err := b.textures.Acquire(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("chunk %v: %w", key, err)
			}
			c.Texture = tex
		}
		c.releaseTex = b.textures.Release
	}
	return c, nil
}

func validate(s *storage.Samples, lod uint8) error {
	n := region.Vertices(lod)
	if s == nil {
		return errors.New("no samples")
	}
	if s.Size != n {
		return fmt.Errorf("grid size %d, want %d", s.Size, n)
	}
	if len(s.Heights) != n*n || len(s.Normals) != n*n || len(s.Colors) != n*n {
		return fmt.Errorf("sample buffers do not match a %dx%d grid", n, n)
	}
	for i, h := range s.Heights {
		if math32.IsNaN(h) || math32.IsInf(h, 0) {
			return fmt.Errorf("height %d is not finite", i)
		}
	}
	return nil
}

func flatSamples(r region.Rect, lod uint8, height float32) *storage.Samples {
	n := region.Vertices(lod)
	s := &storage.Samples{
		Rect:    r,
		Size:    n,
		Heights: make([]float32, n*n),
		Normals: make([]mgl32.Vec3, n*n),
		Colors:  make([]color.NRGBA, n*n),
	}
	for i := range s.Heights {
		s.Heights[i] = height
		s.Normals[i] = mgl32.Vec3{0, 0, 1}
		s.Colors[i] = color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	}
	return s
}

func (b *Builder) grid(c *Chunk, s *storage.Samples, seams uint8) {
	n := s.Size
	heights := make([]float32, len(s.Heights))
	copy(heights, s.Heights)
	normals := make([]mgl32.Vec3, len(s.Normals))
	copy(normals, s.Normals)
	snapEdges(heights, normals, n, seams)

	stepX := s.Rect.Width() / float32(n-1)
	stepY := s.Rect.Height() / float32(n-1)
	c.Positions = make([]mgl32.Vec3, 0, n*n+4*n)
	c.Normals = make([]mgl32.Vec3, 0, n*n+4*n)
	c.UVs = make([]mgl32.Vec2, 0, n*n+4*n)
	c.Colors = make([]color.NRGBA, 0, n*n+4*n)

	for iy := 0; iy < n; iy++ {
		for ix := 0; ix < n; ix++ {
			i := s.Index(ix, iy)
			c.Positions = append(c.Positions, mgl32.Vec3{
				s.Rect.MinX + float32(ix)*stepX,
				s.Rect.MinY + float32(iy)*stepY,
				heights[i],
			})
			c.Normals = append(c.Normals, normals[i])
			c.UVs = append(c.UVs, mgl32.Vec2{float32(ix) / float32(n-1), float32(iy) / float32(n-1)})
			c.Colors = append(c.Colors, s.Colors[i])
		}
	}

	c.Indices = make([]uint32, 0, (n-1)*(n-1)*6+4*(n-1)*6)
	for iy := 0; iy < n-1; iy++ {
		for ix := 0; ix < n-1; ix++ {
			a := uint32(iy*n + ix)
			bb := a + 1
			d := a + uint32(n)
			e := d + 1
			c.Indices = append(c.Indices, a, bb, e, a, e, d)
		}
	}
	c.SkirtStart = len(c.Positions)
}

// snapEdges replaces every odd vertex on the flagged edges with the midpoint of
// its even neighbours.
func snapEdges(heights []float32, normals []mgl32.Vec3, n int, seams uint8) {
	if n < 3 || seams == 0 {
		return
	}
	snap := func(prev, cur, next int) {
		heights[cur] = (heights[prev] + heights[next]) / 2
		normals[cur] = normals[prev].Add(normals[next]).Normalize()
	}
	for i := 1; i < n-1; i += 2 {
		if seams&region.SeamSouth != 0 {
			snap(i-1, i, i+1)
		}
		if seams&region.SeamNorth != 0 {
			snap((n-1)*n+i-1, (n-1)*n+i, (n-1)*n+i+1)
		}
		if seams&region.SeamWest != 0 {
			snap((i-1)*n, i*n, (i+1)*n)
		}
		if seams&region.SeamEast != 0 {
			snap((i-1)*n+n-1, i*n+n-1, (i+1)*n+n-1)
		}
	}
}

// skirt appends a lowered copy of each edge and the quads joining them.
func skirt(c *Chunk, n int, depth float32) {
	edges := [4][]int{}
	for i := 0; i < n; i++ {
		edges[0] = append(edges[0], i)             // south
		edges[1] = append(edges[1], (n-1)*n+n-1-i) // north, reversed
		edges[2] = append(edges[2], (n-1-i)*n)     // west, reversed
		edges[3] = append(edges[3], i*n+n-1)       // east
	}
	for _, edge := range edges {
		base := uint32(len(c.Positions))
		for _, v := range edge {
			p := c.Positions[v]
			c.Positions = append(c.Positions, mgl32.Vec3{p[0], p[1], p[2] - depth})
			c.Normals = append(c.Normals, c.Normals[v])
			c.UVs = append(c.UVs, c.UVs[v])
			c.Colors = append(c.Colors, c.Colors[v])
		}
		for i := 0; i < len(edge)-1; i++ {
			top0, top1 := uint32(edge[i]), uint32(edge[i+1])
			low0, low1 := base+uint32(i), base+uint32(i+1)
			c.Indices = append(c.Indices, top0, low0, low1, top0, low1, top1)
		}
	}
}

func bounds(ps []mgl32.Vec3) Box {
	if len(ps) == 0 {
		return Box{}
	}
	b := Box{Min: ps[0], Max: ps[0]}
	for _, p := range ps[1:] {
		for i := 0; i < 3; i++ {
			b.Min[i] = math32.Min(b.Min[i], p[i])
			b.Max[i] = math32.Max(b.Max[i], p[i])
		}
	}
	return b
}

func solid(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}
