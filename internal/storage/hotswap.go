package storage

import (
	"context"
	"sync"

	"github.com/agentic-research/strata/internal/region"
)

// HotSwap is a thread-safe wrapper that allows swapping the underlying Storage,
// e.g. after a baked database has been rewritten on disk.
type HotSwap struct {
	mu      sync.RWMutex
	current Storage
}

func NewHotSwap(initial Storage) *HotSwap {
	return &HotSwap{current: initial}
}

// Swap atomically replaces the current storage and returns the previous one.
// Closing the previous storage is the caller's job; in-flight samples finish on it.
func (h *HotSwap) Swap(next Storage) Storage {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = next
	return prev
}

// Current returns the storage new calls are routed to.
func (h *HotSwap) Current() Storage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// SampleRegion delegates to the current storage.
func (h *HotSwap) SampleRegion(ctx context.Context, r region.Rect, lod uint8) (*Samples, error) {
	return h.Current().SampleRegion(ctx, r, lod)
}

// SampleTexture delegates to the current storage.
func (h *HotSwap) SampleTexture(ctx context.Context, r region.Rect, lod uint8) ([]Layer, error) {
	return h.Current().SampleTexture(ctx, r, lod)
}
