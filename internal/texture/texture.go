// Package texture builds and caches the blended textures bound to terrain chunks.
package texture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync/atomic"

	"github.com/anthonynsimon/bild/transform"
	"github.com/chewxy/math32"

	"github.com/agentic-research/strata/internal/cache"
	"github.com/agentic-research/strata/internal/composite"
	"github.com/agentic-research/strata/internal/region"
	"github.com/agentic-research/strata/internal/resource"
	"github.com/agentic-research/strata/internal/storage"
)

// Texture is an immutable blended image plus the filter it is sampled with.
// Pixel data never changes after construction; only the filter does.
type Texture struct {
	key     region.Key
	img     *image.RGBA
	layers  []storage.Layer
	filter  *atomic.Uint32
	wrapped bool
}

func (t *Texture) Key() region.Key         { return t.key }
func (t *Texture) Image() *image.RGBA      { return t.img }
func (t *Texture) Layers() []storage.Layer { return t.layers }

// Filter returns the current filter setting.
func (t *Texture) Filter() Filter { return unpack(t.filter.Load()) }

// Bytes is the memory held by the pixel data.
func (t *Texture) Bytes() int64 {
	if t.img == nil {
		return 0
	}
	return int64(len(t.img.Pix))
}

// Sample returns the colour at normalized coordinates (u, v), clamped to the
// edges, using one consistent filter setting for the whole lookup.
func (t *Texture) Sample(u, v float32) color.RGBA {
	f := t.Filter()
	b := t.img.Bounds()
	w, h := float32(b.Dx()), float32(b.Dy())
	x := clamp(u, 0, 1)*w - 0.5
	y := clamp(v, 0, 1)*h - 0.5

	if f.Mode == Nearest {
		return t.at(int(math32.Round(x)), int(math32.Round(y)))
	}

	x0, y0 := math32.Floor(x), math32.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	c00, c10 := t.at(ix, iy), t.at(ix+1, iy)
	c01, c11 := t.at(ix, iy+1), t.at(ix+1, iy+1)
	mix := func(a, b, c, d uint8) uint8 {
		top := float32(a)*(1-fx) + float32(b)*fx
		bot := float32(c)*(1-fx) + float32(d)*fx
		return uint8(math32.Round(top*(1-fy) + bot*fy))
	}
	return color.RGBA{
		R: mix(c00.R, c10.R, c01.R, c11.R),
		G: mix(c00.G, c10.G, c01.G, c11.G),
		B: mix(c00.B, c10.B, c01.B, c11.B),
		A: mix(c00.A, c10.A, c01.A, c11.A),
	}
}

func (t *Texture) at(x, y int) color.RGBA {
	b := t.img.Bounds()
	x = min(max(x, b.Min.X), b.Max.X-1)
	y = min(max(y, b.Min.Y), b.Max.Y-1)
	return t.img.RGBAAt(x, y)
}

// Resample returns a copy scaled to size x size with the current filter's kernel.
func (t *Texture) Resample(size int) *image.RGBA {
	return transform.Resize(t.img, size, size, t.Filter().Resampler())
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

// Compositor blends composite jobs, possibly on another goroutine.
type Compositor interface {
	Composite(ctx context.Context, job composite.Job) (*image.RGBA, error)
}

// Options configures a Manager.
type Options struct {
	CellSize float32
	// Size is the edge length in pixels of every texture.
	Size int
	// MaxLOD caps the tier textures are fetched at; finer geometry shares them.
	MaxLOD     uint8
	MaxEntries int
	Filter     Filter
	// Compositor runs layer blending. Nil blends on the calling goroutine.
	Compositor Compositor
	Logger     *slog.Logger
}

// Manager caches textures by region and tier.
type Manager struct {
	storage    storage.Storage
	resources  resource.System
	compositor Compositor
	cellSize   float32
	size       int
	maxLOD     uint8
	log        *slog.Logger

	filter atomic.Uint32
	cache  *cache.Cache[region.Key, *Texture]
}

// NewManager returns a Manager reading layers from st and images from res.
func NewManager(st storage.Storage, res resource.System, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.Size
	if size <= 0 {
		size = 64
	}
	m := &Manager{
		storage:    st,
		resources:  res,
		compositor: opts.Compositor,
		cellSize:   opts.CellSize,
		size:       size,
		maxLOD:     opts.MaxLOD,
		log:        logger,
	}
	m.filter.Store(opts.Filter.pack())
	m.cache = cache.New(cache.Options[region.Key, *Texture]{
		Budget: cache.Budget{Entries: opts.MaxEntries},
		Cost:   (*Texture).Bytes,
		Less:   region.Less,
		Sticky: func(err error) bool {
			return !errors.Is(err, storage.ErrDataUnavailable) && !errors.Is(err, composite.ErrClosed)
		},
		Logger: logger.With("cache", "texture"),
	})
	return m
}

// Key maps a geometry key to the texture key serving it. Seams only shape
// geometry, so every seam variant of a node shares one texture.
func (m *Manager) Key(k region.Key) region.Key {
	k.Seams = 0
	if k.LOD > m.maxLOD {
		return k.WithLOD(m.maxLOD)
	}
	return k
}

// Acquire returns the texture for k, building it if needed. Pair with Release.
func (m *Manager) Acquire(ctx context.Context, k region.Key) (*Texture, error) {
	return m.cache.GetOrBuild(ctx, m.Key(k), m.build)
}

// Release drops a reference taken by Acquire. Wrapped textures are not cached
// and ignore it.
func (m *Manager) Release(t *Texture) error {
	if t == nil || t.wrapped {
		return nil
	}
	return m.cache.Release(t.key)
}

func (m *Manager) build(ctx context.Context, k region.Key) (*Texture, error) {
	layers, err := m.storage.SampleTexture(ctx, k.Rect(m.cellSize), k.LOD)
	if err != nil {
		return nil, fmt.Errorf("texture %v: %w", k, err)
	}
	job := composite.Job{Target: k, Size: m.size, Layers: make([]composite.Layer, 0, len(layers))}
	for _, l := range layers {
		img, err := m.resources.Image(l.Name)
		if err != nil {
			return nil, fmt.Errorf("texture %v layer %q: %w", k, l.Name, err)
		}
		job.Layers = append(job.Layers, composite.Layer{Image: img, Opacity: l.Opacity})
	}

	var img *image.RGBA
	if m.compositor != nil {
		img, err = m.compositor.Composite(ctx, job)
	} else {
		img, err = composite.Blend(job)
	}
	if err != nil {
		return nil, fmt.Errorf("texture %v: %w", k, err)
	}
	return &Texture{key: k, img: img, layers: layers, filter: &m.filter}, nil
}

// Wrap returns an uncached texture over img that follows the manager's filter.
func (m *Manager) Wrap(k region.Key, img *image.RGBA) *Texture {
	return &Texture{key: k, img: img, filter: &m.filter, wrapped: true}
}

// Filter returns the current global filter.
func (m *Manager) Filter() Filter { return unpack(m.filter.Load()) }

// UpdateFiltering switches every texture, cached or still held, to f with a
// single atomic store. Readers observe either the old or the new setting.
// It returns the number of cached textures affected.
func (m *Manager) UpdateFiltering(f Filter) int {
	m.filter.Store(f.pack())
	n := m.cache.Len()
	m.log.Info("texture filtering updated", "filter", f.String(), "textures", n)
	return n
}

// Invalidate drops the texture serving k once it is no longer referenced.
func (m *Manager) Invalidate(k region.Key) { m.cache.Invalidate(m.Key(k)) }

// InvalidateAll invalidates every cached texture.
func (m *Manager) InvalidateAll() { m.cache.InvalidateAll() }

// SetFrame stamps texture accesses for LRU eviction.
func (m *Manager) SetFrame(frame uint64) { m.cache.SetFrame(frame) }

// Refs returns the reference count on the texture serving k.
func (m *Manager) Refs(k region.Key) int { return m.cache.Refs(m.Key(k)) }

// Stats returns the texture cache counters.
func (m *Manager) Stats() cache.Stats { return m.cache.Stats() }
