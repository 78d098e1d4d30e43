package terrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/cache"
	"github.com/agentic-research/strata/internal/chunk"
	"github.com/agentic-research/strata/internal/composite"
	"github.com/agentic-research/strata/internal/region"
	"github.com/agentic-research/strata/internal/scene"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/texture"
)

type cellCoord struct{ x, y int32 }

type attachment struct {
	node  scene.Node
	chunk *chunk.Chunk
}

// world is the paging-independent core shared by CellWorld and QuadTreeWorld.
type world struct {
	cfg     api.Config
	log     *slog.Logger
	policy  Policy
	storage storage.Storage
	scene   scene.Graph

	textures *texture.Manager
	renderer *composite.Renderer
	stopRun  context.CancelFunc
	runDone  chan struct{}

	builder    *chunk.Builder
	chunks     *cache.Cache[region.Key, *chunk.Chunk]
	heights    *heightTiles
	generation atomic.Uint64

	viewsMu sync.Mutex
	views   map[uuid.UUID]*View

	// pendingCompile collects freshly preloaded keys for the next Update.
	compileMu      sync.Mutex
	pendingCompile []region.Key

	// Foreground state. fg serializes scene mutations.
	fg        sync.Mutex
	closed    bool
	root      scene.Node
	compile   scene.Node
	cells     map[cellCoord]attachment
	loaded    *roaring64.Bitmap
	shown     map[region.Key]attachment
	compiling map[region.Key]attachment
}

func newWorld(cfg api.Config, deps Deps) (*world, error) {
	if deps.Storage == nil || deps.Scene == nil || deps.Resources == nil {
		return nil, errors.New("terrain: storage, scene and resources are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter, err := texture.ParseFilter(cfg.TextureFiltering)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrInvalidConfig, err)
	}

	w := &world{
		cfg: cfg,
		log: logger,
		policy: Policy{
			CellSize: cfg.CellSize,
			MaxLOD:   cfg.MaxLOD,
			Distance: cfg.LODDistance,
			Bias:     cfg.LODBias,
		},
		storage:   deps.Storage,
		scene:     deps.Scene,
		views:     make(map[uuid.UUID]*View),
		cells:     make(map[cellCoord]attachment),
		loaded:    roaring64.New(),
		shown:     make(map[region.Key]attachment),
		compiling: make(map[region.Key]attachment),
	}

	topts := texture.Options{
		CellSize:   cfg.CellSize,
		Size:       cfg.Textures.Size,
		MaxLOD:     cfg.Textures.MaxLOD,
		MaxEntries: cfg.Textures.MaxEntries,
		Filter:     filter,
		Logger:     logger,
	}
	if cfg.Composite.Enabled {
		w.renderer = composite.NewRenderer(composite.Options{FrameBudget: cfg.Composite.FrameBudget, Logger: logger})
		topts.Compositor = w.renderer
	}
	w.textures = texture.NewManager(deps.Storage, deps.Resources, topts)

	w.builder = chunk.NewBuilder(deps.Storage, w.textures, chunk.Options{
		CellSize:       cfg.CellSize,
		SkirtDepth:     cfg.SkirtDepth,
		FlatFallback:   cfg.FlatFallback,
		FallbackHeight: cfg.FallbackHeight,
		Logger:         logger,
	})
	w.chunks = cache.New(cache.Options[region.Key, *chunk.Chunk]{
		Budget:  cache.Budget{Entries: cfg.Cache.MaxChunks, Cost: cfg.Cache.MaxBytes},
		Cost:    (*chunk.Chunk).Cost,
		Less:    region.Less,
		OnEvict: func(_ region.Key, c *chunk.Chunk) { c.Destroy() },
		Sticky:  buildErrorSticky,
		Logger:  logger.With("cache", "chunk"),
	})

	w.heights, err = newHeightTiles(deps.Storage, cfg.CellSize, cfg.CellLOD, cfg.Heights.Tiles)
	if err != nil {
		return nil, err
	}

	w.root, err = deps.Scene.AddGroup(deps.Scene.Root(), "terrain", cfg.NodeMask)
	if err != nil {
		return nil, fmt.Errorf("terrain root: %w", err)
	}
	if cfg.PrecompileMask != 0 {
		w.compile, err = deps.Scene.AddGroup(deps.Scene.Root(), "terrain-precompile", cfg.PrecompileMask)
		if err != nil {
			return nil, fmt.Errorf("terrain precompile group: %w", err)
		}
	}

	if w.renderer != nil {
		ctx, cancel := context.WithCancel(context.Background())
		w.stopRun = cancel
		w.runDone = make(chan struct{})
		go func() {
			defer close(w.runDone)
			_ = w.renderer.Run(ctx)
		}()
	}
	return w, nil
}

func (w *world) build(ctx context.Context, k region.Key) (*chunk.Chunk, error) {
	c, err := w.builder.Build(ctx, k, chunk.BuildOptions{Generation: w.generation.Load()})
	if err != nil {
		if errors.Is(err, storage.ErrDataUnavailable) {
			w.log.Debug("no terrain data", "key", k.String())
		} else {
			w.log.Warn("chunk build failed", "key", k.String(), "err", err)
		}
		return nil, err
	}
	return c, nil
}

func (w *world) release(k region.Key) {
	if err := w.chunks.Release(k); err != nil {
		w.log.Error("chunk release", "key", k.String(), "err", err)
	}
}

// GetHeightAt implements TerrainProvider.
func (w *world) GetHeightAt(ctx context.Context, pos mgl32.Vec3) (float32, error) {
	return w.heights.at(ctx, pos[0], pos[1])
}

// LoadCell implements TerrainProvider.
func (w *world) LoadCell(ctx context.Context, x, y int32) error {
	w.fg.Lock()
	defer w.fg.Unlock()
	if w.closed {
		return ErrClosed
	}

	if a, ok := w.cells[cellCoord{x, y}]; ok {
		if !a.node.Visible() {
			a.node.SetVisible(true)
		}
		return nil
	}

	key := region.Cell(x, y, w.cfg.CellLOD)
	// A chunk already shown for a view becomes the cell's attachment.
	if a, ok := w.shown[key]; ok {
		delete(w.shown, key)
		a.node.SetVisible(true)
		w.cells[cellCoord{x, y}] = a
		w.loaded.Add(region.CellID(x, y))
		w.log.Debug("cell loaded from view", "x", x, "y", y)
		return nil
	}
	c, err := w.chunks.GetOrBuild(ctx, key, w.build)
	if err != nil {
		return fmt.Errorf("load cell %d,%d: %w", x, y, err)
	}
	node, err := w.scene.Attach(w.root, key.String(), c, w.cfg.NodeMask)
	if err != nil {
		w.release(key)
		return fmt.Errorf("load cell %d,%d: %w", x, y, err)
	}
	w.cells[cellCoord{x, y}] = attachment{node: node, chunk: c}
	w.loaded.Add(region.CellID(x, y))
	w.log.Debug("cell loaded", "x", x, "y", y, "vertices", c.Vertices())
	return nil
}

// UnloadCell implements TerrainProvider.
func (w *world) UnloadCell(x, y int32) error {
	w.fg.Lock()
	defer w.fg.Unlock()

	a, ok := w.cells[cellCoord{x, y}]
	if !ok {
		return fmt.Errorf("unload cell %d,%d: %w", x, y, ErrNotLoaded)
	}
	delete(w.cells, cellCoord{x, y})
	w.loaded.Remove(region.CellID(x, y))
	if err := w.scene.Destroy(a.node); err != nil {
		w.log.Warn("detach cell", "x", x, "y", y, "err", err)
	}
	w.release(a.chunk.Key)
	return nil
}

// CacheCell implements TerrainProvider.
func (w *world) CacheCell(ctx context.Context, x, y int32) (*chunk.Chunk, func(), error) {
	key := region.Cell(x, y, w.cfg.CellLOD)
	c, err := w.chunks.GetOrBuild(ctx, key, w.build)
	if err != nil {
		return nil, nil, fmt.Errorf("cache cell %d,%d: %w", x, y, err)
	}
	return c, sync.OnceFunc(func() { w.release(key) }), nil
}

// LoadedCells implements TerrainProvider.
func (w *world) LoadedCells() [][2]int32 {
	w.fg.Lock()
	ids := w.loaded.ToArray()
	w.fg.Unlock()

	keys := make([]region.Key, 0, len(ids))
	for _, id := range ids {
		x, y := region.CellFromID(id)
		keys = append(keys, region.Cell(x, y, 0))
	}
	region.Sort(keys)
	out := make([][2]int32, len(keys))
	for i, k := range keys {
		out[i] = [2]int32{k.X, k.Y}
	}
	return out
}

// CreateView implements TerrainProvider.
func (w *world) CreateView() *View {
	v := newView(w.release)
	w.viewsMu.Lock()
	w.views[v.id] = v
	w.viewsMu.Unlock()
	return v
}

// RemoveView implements TerrainProvider.
func (w *world) RemoveView(v *View) error {
	w.viewsMu.Lock()
	_, ok := w.views[v.id]
	delete(w.views, v.id)
	w.viewsMu.Unlock()

	if !ok || !v.abandon() {
		return ErrViewRemoved
	}
	return nil
}

func (w *world) preload(ctx context.Context, v *View, keys []region.Key) error {
	if v.Abandoned() {
		return ErrViewRemoved
	}

	built := make([]*chunk.Chunk, len(keys))
	var g errgroup.Group
	g.SetLimit(w.cfg.Preload.Workers)
	for i, k := range keys {
		g.Go(func() error {
			c, err := w.chunks.GetOrBuild(ctx, k, w.build)
			if err != nil {
				// A missing chunk is a gap, not a failed preload.
				if ctx.Err() == nil {
					w.log.Debug("preload gap", "key", k.String(), "err", err)
				}
				return nil
			}
			built[i] = c
			return nil
		})
	}
	_ = g.Wait()

	next := make(map[region.Key]*chunk.Chunk, len(keys))
	for _, c := range built {
		if c != nil {
			next[c.Key] = c
		}
	}
	if err := ctx.Err(); err != nil {
		v.releaseAll(next)
		return err
	}
	if !v.install(w.chunks.Frame(), next) {
		w.log.Debug("preload finished for removed view", "view", v.id.String(), "released", len(next))
		return ErrViewRemoved
	}

	if w.compile != nil {
		w.compileMu.Lock()
		for k := range next {
			w.pendingCompile = append(w.pendingCompile, k)
		}
		w.compileMu.Unlock()
	}
	w.log.Debug("preload complete", "view", v.id.String(), "chunks", len(next), "requested", len(keys))
	return nil
}

// Show implements TerrainProvider.
func (w *world) Show(v *View) error {
	w.fg.Lock()
	defer w.fg.Unlock()
	if w.closed {
		return ErrClosed
	}
	if v.Abandoned() {
		return ErrViewRemoved
	}

	want := make(map[region.Key]bool)
	for _, k := range v.Keys() {
		want[k] = true
	}
	for k, a := range w.shown {
		if want[k] {
			continue
		}
		if err := w.scene.Destroy(a.node); err != nil {
			w.log.Warn("detach chunk", "key", k.String(), "err", err)
		}
		delete(w.shown, k)
		w.release(k)
	}
	for _, k := range v.Keys() {
		if _, ok := w.shown[k]; ok || w.cellHolds(k) {
			continue
		}
		// The view holds k, so it is cached; take the attachment's own reference.
		c, ok := w.chunks.Acquire(k)
		if !ok {
			continue
		}
		node, err := w.scene.Attach(w.root, k.String(), c, w.cfg.NodeMask)
		if err != nil {
			w.release(k)
			return fmt.Errorf("show %v: %w", k, err)
		}
		w.shown[k] = attachment{node: node, chunk: c}
		w.dropCompiling(k)
	}
	return nil
}

// cellHolds reports whether LoadCell attached k. It must be called with w.fg held.
func (w *world) cellHolds(k region.Key) bool {
	if k.Size != 0 {
		return false
	}
	a, ok := w.cells[cellCoord{k.X, k.Y}]
	return ok && a.chunk.Key == k
}

// dropCompiling must be called with w.fg held.
func (w *world) dropCompiling(k region.Key) {
	a, ok := w.compiling[k]
	if !ok {
		return
	}
	delete(w.compiling, k)
	if err := w.scene.Destroy(a.node); err != nil {
		w.log.Warn("detach precompile node", "key", k.String(), "err", err)
	}
	w.release(k)
}

// Update implements TerrainProvider.
func (w *world) Update(frame uint64) int {
	w.fg.Lock()
	defer w.fg.Unlock()

	w.chunks.SetFrame(frame)
	w.textures.SetFrame(frame)

	// Staged nodes get one frame under the precompile group.
	for k := range w.compiling {
		w.dropCompiling(k)
	}
	if w.compile != nil && !w.closed {
		w.compileMu.Lock()
		pending := w.pendingCompile
		w.pendingCompile = nil
		w.compileMu.Unlock()
		for _, k := range pending {
			if _, ok := w.compiling[k]; ok {
				continue
			}
			if _, ok := w.shown[k]; ok || w.cellHolds(k) {
				continue
			}
			c, ok := w.chunks.Acquire(k)
			if !ok {
				continue
			}
			node, err := w.scene.Attach(w.compile, k.String(), c, w.cfg.PrecompileMask)
			if err != nil {
				w.release(k)
				continue
			}
			w.compiling[k] = attachment{node: node, chunk: c}
		}
	}

	n := w.chunks.EvictUnused(cache.Budget{Entries: w.cfg.Cache.MaxChunks, Cost: w.cfg.Cache.MaxBytes})
	if n > 0 {
		w.log.Debug("chunks evicted", "frame", frame, "count", n,
			"resident", humanize.IBytes(uint64(w.chunks.Stats().Cost)))
	}
	return n
}

// UpdateTextureFiltering implements TerrainProvider.
func (w *world) UpdateTextureFiltering(f texture.Filter) int {
	return w.textures.UpdateFiltering(f)
}

// Enable implements TerrainProvider.
func (w *world) Enable(enabled bool) {
	w.fg.Lock()
	defer w.fg.Unlock()
	w.root.SetVisible(enabled)
}

// Invalidate implements TerrainProvider.
func (w *world) Invalidate(k region.Key) {
	w.generation.Add(1)
	// Every tier and seam variant over the footprint is stale.
	stale := []region.Key{k}
	w.chunks.Range(func(c region.Key, _ *chunk.Chunk) bool {
		if c != k && c.Overlaps(k) {
			stale = append(stale, c)
		}
		return true
	})
	for _, c := range stale {
		w.chunks.Invalidate(c)
	}
	w.textures.Invalidate(k)
	w.heights.invalidate(k)
}

// InvalidateAll implements TerrainProvider.
func (w *world) InvalidateAll() {
	gen := w.generation.Add(1)
	w.chunks.InvalidateAll()
	w.textures.InvalidateAll()
	w.heights.purge()
	w.log.Info("terrain invalidated", "generation", gen)
}

// Storage implements TerrainProvider.
func (w *world) Storage() storage.Storage { return w.storage }

// Stats implements TerrainProvider.
func (w *world) Stats() Stats {
	w.viewsMu.Lock()
	views := len(w.views)
	w.viewsMu.Unlock()

	w.fg.Lock()
	s := Stats{
		LoadedCells:  int(w.loaded.GetCardinality()),
		ShownChunks:  len(w.shown),
		Views:        views,
		Precompiling: len(w.compiling),
	}
	w.fg.Unlock()

	s.Chunks = w.chunks.Stats()
	s.Textures = w.textures.Stats()
	s.Generation = w.generation.Load()
	if w.renderer != nil {
		s.CompositePending = w.renderer.Pending()
	}
	return s
}

// Close detaches everything, releases every reference the world holds and
// stops the composite renderer. Views still held by callers are removed.
func (w *world) Close() error {
	w.viewsMu.Lock()
	views := make([]*View, 0, len(w.views))
	for _, v := range w.views {
		views = append(views, v)
	}
	w.views = make(map[uuid.UUID]*View)
	w.viewsMu.Unlock()
	for _, v := range views {
		v.abandon()
	}

	w.fg.Lock()
	if w.closed {
		w.fg.Unlock()
		return nil
	}
	w.closed = true
	for k := range w.compiling {
		w.dropCompiling(k)
	}
	for k := range w.shown {
		w.release(k)
		delete(w.shown, k)
	}
	for cc, a := range w.cells {
		w.release(a.chunk.Key)
		delete(w.cells, cc)
	}
	w.loaded.Clear()
	err := w.scene.Destroy(w.root)
	if w.compile != nil {
		err = errors.Join(err, w.scene.Destroy(w.compile))
	}
	w.fg.Unlock()

	if w.renderer != nil {
		w.stopRun()
		<-w.runDone
		err = errors.Join(err, w.renderer.Close())
	}
	return err
}
