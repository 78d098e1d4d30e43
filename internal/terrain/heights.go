package terrain

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/agentic-research/strata/internal/region"
	"github.com/agentic-research/strata/internal/storage"
)

// heightTiles answers point height queries from cell-sized sample tiles kept
// apart from the chunk cache and the scene.
type heightTiles struct {
	storage  storage.Storage
	cellSize float32
	lod      uint8
	tiles    *lru.Cache[region.Key, *storage.Samples]
	group    singleflight.Group

	// mu orders tile inserts against invalidation; gen counts invalidations.
	mu  sync.Mutex
	gen uint64
}

func newHeightTiles(st storage.Storage, cellSize float32, lod uint8, size int) (*heightTiles, error) {
	tiles, err := lru.New[region.Key, *storage.Samples](size)
	if err != nil {
		return nil, fmt.Errorf("height tiles: %w", err)
	}
	return &heightTiles{storage: st, cellSize: cellSize, lod: lod, tiles: tiles}, nil
}

func (h *heightTiles) at(ctx context.Context, x, y float32) (float32, error) {
	cx, cy := region.CellAt(x, y, h.cellSize)
	key := region.Cell(cx, cy, h.lod)

	s, ok := h.tiles.Get(key)
	if !ok {
		var err error
		if s, err = h.fetch(ctx, key); err != nil {
			return 0, fmt.Errorf("height at (%g, %g): %w", x, y, err)
		}
	}
	return s.Interpolate(x, y), nil
}

// fetch loads one tile. Concurrent callers share a single storage read that
// outlives any one caller's context; each caller stops waiting on its own.
func (h *heightTiles) fetch(ctx context.Context, key region.Key) (*storage.Samples, error) {
	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := h.group.DoChan(fmt.Sprintf("%v@%d", key, gen), func() (any, error) {
		s, err := h.storage.SampleRegion(detached, key.Rect(h.cellSize), key.LOD)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		if h.gen == gen {
			h.tiles.Add(key, s)
		}
		h.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*storage.Samples), nil
	}
}

func (h *heightTiles) invalidate(k region.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	ox, oy := k.Origin()
	s := k.Span()
	for y := oy; y < oy+s; y++ {
		for x := ox; x < ox+s; x++ {
			h.tiles.Remove(region.Cell(x, y, h.lod))
		}
	}
}

func (h *heightTiles) purge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	h.tiles.Purge()
}
