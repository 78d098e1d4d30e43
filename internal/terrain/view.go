package terrain

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentic-research/strata/internal/chunk"
	"github.com/agentic-research/strata/internal/region"
)

// View holds chunk references for one consumer, typically a camera or a
// preload request, so the chunks stay cached until the consumer is done.
// Only one producer may fill a View at a time.
type View struct {
	id      uuid.UUID
	release func(region.Key)

	mu        sync.Mutex
	chunks    map[region.Key]*chunk.Chunk
	frame     uint64
	abandoned bool
}

func newView(release func(region.Key)) *View {
	return &View{
		id:      uuid.New(),
		release: release,
		chunks:  make(map[region.Key]*chunk.Chunk),
	}
}

func (v *View) ID() uuid.UUID { return v.id }

// Len returns the number of chunks held.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.chunks)
}

// Keys returns the held keys in region.Less order.
func (v *View) Keys() []region.Key {
	v.mu.Lock()
	keys := make([]region.Key, 0, len(v.chunks))
	for k := range v.chunks {
		keys = append(keys, k)
	}
	v.mu.Unlock()

	region.Sort(keys)
	return keys
}

// Chunk returns the held chunk for k.
func (v *View) Chunk(k region.Key) (*chunk.Chunk, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.chunks[k]
	return c, ok
}

// Frame returns the frame the view was last filled or reset at.
func (v *View) Frame() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame
}

// Abandoned reports whether the view has been removed from its world.
func (v *View) Abandoned() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.abandoned
}

// Reset drops every held reference and stamps the view with frame.
func (v *View) Reset(frame uint64) error {
	v.mu.Lock()
	if v.abandoned {
		v.mu.Unlock()
		return ErrViewRemoved
	}
	old := v.chunks
	v.chunks = make(map[region.Key]*chunk.Chunk)
	v.frame = frame
	v.mu.Unlock()

	v.releaseAll(old)
	return nil
}

// install replaces the held set with next, whose references the caller has
// already taken. The previous set is released after the swap so chunks in
// both sets are never unreferenced in between. An abandoned view releases next
// instead and reports false.
func (v *View) install(frame uint64, next map[region.Key]*chunk.Chunk) bool {
	v.mu.Lock()
	if v.abandoned {
		v.mu.Unlock()
		v.releaseAll(next)
		return false
	}
	old := v.chunks
	v.chunks = next
	v.frame = frame
	v.mu.Unlock()

	v.releaseAll(old)
	return true
}

// abandon marks the view removed and releases everything it holds. Work still
// in flight for it releases its results on completion.
func (v *View) abandon() bool {
	v.mu.Lock()
	if v.abandoned {
		v.mu.Unlock()
		return false
	}
	v.abandoned = true
	old := v.chunks
	v.chunks = nil
	v.mu.Unlock()

	v.releaseAll(old)
	return true
}

func (v *View) releaseAll(chunks map[region.Key]*chunk.Chunk) {
	for k := range chunks {
		v.release(k)
	}
}
