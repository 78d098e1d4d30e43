// Package terrain pages, caches and attaches terrain chunks around viewpoints.
//
// A TerrainProvider owns the chunk cache and the terrain group in the scene.
// Scene-mutating calls (LoadCell, UnloadCell, Show, Update, Enable, Close)
// belong to the foreground goroutine. Preload, GetHeightAt and CacheCell may
// run on any goroutine and never touch the scene.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/cache"
	"github.com/agentic-research/strata/internal/chunk"
	"github.com/agentic-research/strata/internal/composite"
	"github.com/agentic-research/strata/internal/region"
	"github.com/agentic-research/strata/internal/resource"
	"github.com/agentic-research/strata/internal/scene"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/texture"
)

var (
	ErrViewRemoved = errors.New("view removed")
	ErrNotLoaded   = errors.New("cell not loaded")
	ErrClosed      = errors.New("terrain closed")
)

// TerrainProvider is the public face of a paged terrain.
type TerrainProvider interface {
	// GetHeightAt returns the terrain height below pos without touching the scene.
	GetHeightAt(ctx context.Context, pos mgl32.Vec3) (float32, error)
	// LoadCell attaches the cell's chunk under the terrain root. Loading a
	// loaded cell only makes it visible again. A chunk already shown for a
	// view is taken over rather than attached twice.
	LoadCell(ctx context.Context, x, y int32) error
	// UnloadCell detaches the cell and releases its chunk.
	UnloadCell(x, y int32) error
	// CacheCell builds and holds the cell's chunk without attaching it. The
	// caller must call release exactly once.
	CacheCell(ctx context.Context, x, y int32) (c *chunk.Chunk, release func(), err error)
	// LoadedCells lists loaded cells in ascending order.
	LoadedCells() [][2]int32

	CreateView() *View
	RemoveView(v *View) error
	// Preload fills v with the chunks needed around eye. Calls for distinct
	// views may run concurrently with each other and with rendering.
	Preload(ctx context.Context, v *View, eye mgl32.Vec3) error
	// Keys returns the keys a preload around eye would select.
	Keys(eye mgl32.Vec3) []region.Key
	// Show attaches v's chunks under the terrain root in place of the
	// previously shown set. Chunks already attached by LoadCell are skipped.
	Show(v *View) error

	// Update stamps the frame used for LRU ordering, rotates the precompile
	// group and evicts unreferenced chunks beyond the cache budget.
	Update(frame uint64) int
	UpdateTextureFiltering(f texture.Filter) int
	Enable(enabled bool)
	// Invalidate marks every cached chunk over k's footprint stale.
	Invalidate(k region.Key)
	InvalidateAll()

	Storage() storage.Storage
	Stats() Stats
	Close() error
}

// Stats is a snapshot of terrain bookkeeping.
type Stats struct {
	Chunks           cache.Stats
	Textures         cache.Stats
	LoadedCells      int
	ShownChunks      int
	Views            int
	Precompiling     int
	CompositePending int
	Generation       uint64
}

// Deps are the collaborators a TerrainProvider drives.
type Deps struct {
	Storage   storage.Storage
	Scene     scene.Graph
	Resources resource.System
	Logger    *slog.Logger
}

// New returns the provider selected by cfg.Paging.
func New(cfg api.Config, deps Deps) (TerrainProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, err := newWorld(cfg, deps)
	if err != nil {
		return nil, err
	}
	switch cfg.Paging {
	case "quadtree":
		return &QuadTreeWorld{world: w, maxMerge: cfg.MaxMerge}, nil
	default:
		return &CellWorld{world: w}, nil
	}
}

// CellWorld pages terrain as a grid of equally sized cells.
type CellWorld struct {
	*world
}

// Keys implements TerrainProvider.
func (w *CellWorld) Keys(eye mgl32.Vec3) []region.Key {
	return w.policy.Cells(eye, w.cfg.Preload.Radius)
}

// Preload implements TerrainProvider.
func (w *CellWorld) Preload(ctx context.Context, v *View, eye mgl32.Vec3) error {
	return w.preload(ctx, v, w.Keys(eye))
}

// QuadTreeWorld pages terrain as quad-tree nodes, merging distant cells into
// larger chunks.
type QuadTreeWorld struct {
	*world
	maxMerge uint8
}

// Keys implements TerrainProvider.
func (w *QuadTreeWorld) Keys(eye mgl32.Vec3) []region.Key {
	return w.policy.QuadTree(eye, w.cfg.Preload.Radius, w.maxMerge)
}

// Preload implements TerrainProvider.
func (w *QuadTreeWorld) Preload(ctx context.Context, v *View, eye mgl32.Vec3) error {
	return w.preload(ctx, v, w.Keys(eye))
}

var (
	_ TerrainProvider = (*CellWorld)(nil)
	_ TerrainProvider = (*QuadTreeWorld)(nil)
)

// OpenStorage builds the storage selected by cfg.Storage. The returned closer
// releases file handles and is never nil.
func OpenStorage(cfg api.Config) (storage.Storage, func() error, error) {
	switch cfg.Storage.Kind {
	case "sqlite":
		s, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		if s.CellSize() != cfg.CellSize {
			_ = s.Close()
			return nil, nil, fmt.Errorf("%w: %s has cell size %v, config has %v",
				api.ErrInvalidConfig, cfg.Storage.Path, s.CellSize(), cfg.CellSize)
		}
		return s, s.Close, nil
	case "procedural":
		return storage.NewProcedural(cfg.Storage.Seed, cfg.CellSize, cfg.Storage.Radius), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("%w: storage kind %q", api.ErrInvalidConfig, cfg.Storage.Kind)
}

// buildErrorSticky reports whether a failed chunk build should leave the key
// absent until invalidated.
func buildErrorSticky(err error) bool {
	return !errors.Is(err, storage.ErrDataUnavailable) && !errors.Is(err, composite.ErrClosed)
}
