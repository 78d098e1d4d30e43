// Package cache implements the reference-counted build cache shared by chunks
// and textures.
//
// Every key maps to at most one live value. Values are built on demand by the
// first caller; concurrent callers for the same key wait for that build and
// share its result. A value is only reclaimable once every holder released it,
// and reclamation is lazy: zero-reference entries stay cached until an eviction
// pass needs their room. Reference transitions and eviction scans are serialized
// by one mutex over the entry table.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrBuildAborted is returned to callers that waited on another caller's
	// build of the same key when that build failed. It is joined with the cause.
	ErrBuildAborted = errors.New("concurrent build aborted")
	// ErrAbsent is returned for keys whose last build failed with a sticky error.
	// The key stays absent until Invalidate.
	ErrAbsent = errors.New("entry absent until invalidated")
	// ErrNotHeld is returned by Release for keys the caller holds no reference to.
	ErrNotHeld = errors.New("release of unreferenced entry")
)

// BuildFunc produces the value for a key.
type BuildFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Budget bounds the cache. Zero fields are unlimited.
type Budget struct {
	Entries int
	Cost    int64
}

// Options configures a Cache.
type Options[K comparable, V any] struct {
	// Budget is enforced after every insertion, evicting only unreferenced entries.
	Budget Budget
	// Cost reports the memory cost of a value. Nil counts every value as zero.
	Cost func(V) int64
	// Less orders keys for deterministic iteration and eviction tie-breaks.
	Less func(a, b K) bool
	// OnEvict is called, outside the cache lock, for every value leaving the cache.
	OnEvict func(key K, value V)
	// Sticky reports build errors that should leave the key absent until
	// invalidated instead of allowing an immediate retry.
	Sticky func(err error) bool
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Building  int
	Absent    int
	Refs      int
	Cost      int64
	Hits      uint64
	Misses    uint64
	Waits     uint64
	Builds    uint64
	Failures  uint64
	Evictions uint64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
	refs  int

	lastAccess uint64 // frame of the last get
	seq        uint64 // insertion order

	building bool
	done     chan struct{}
	err      error

	// stale entries are dropped as soon as their last reference is released.
	stale bool
}

// Cache maps keys to reference-counted values.
type Cache[K comparable, V any] struct {
	opts Options[K, V]
	log  *slog.Logger

	mu      sync.Mutex
	entries map[K]*entry[K, V]
	absent  map[K]error
	frame   uint64
	seq     uint64
	cost    int64
	stats   Stats
}

// New returns an empty cache.
func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[K, V]{
		opts:    opts,
		log:     logger,
		entries: make(map[K]*entry[K, V]),
		absent:  make(map[K]error),
	}
}

// SetFrame stamps subsequent accesses with frame. Eviction prefers entries
// accessed in older frames.
func (c *Cache[K, V]) SetFrame(frame uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = frame
}

// Frame returns the current access stamp.
func (c *Cache[K, V]) Frame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// GetOrBuild returns the value for key, taking one reference on it.
//
// On a miss it calls build exactly once; callers arriving while that build is
// in flight block until it completes and receive the same value. If the build
// fails nothing is cached, the builder's caller gets the error and every waiter
// gets ErrBuildAborted joined with it. The next call retries, unless the error
// is sticky, in which case the key reports ErrAbsent until Invalidate.
//
// Every successful call must be paired with one Release.
func (c *Cache[K, V]) GetOrBuild(ctx context.Context, key K, build BuildFunc[K, V]) (V, error) {
	var zero V

	c.mu.Lock()
	if cause, ok := c.absent[key]; ok {
		c.mu.Unlock()
		return zero, fmt.Errorf("%v: %w: %w", key, ErrAbsent, cause)
	}
	if e, ok := c.entries[key]; ok {
		if e.building {
			e.refs++
			c.stats.Waits++
			c.mu.Unlock()
			return c.wait(ctx, e)
		}
		e.refs++
		e.lastAccess = c.frame
		c.stats.Hits++
		c.mu.Unlock()
		return e.value, nil
	}

	e := &entry[K, V]{
		key:        key,
		refs:       1,
		lastAccess: c.frame,
		seq:        c.seq,
		building:   true,
		done:       make(chan struct{}),
	}
	c.seq++
	c.entries[key] = e
	c.stats.Misses++
	c.mu.Unlock()

	v, err := c.runBuild(ctx, key, build)
	return c.finish(e, v, err)
}

// wait blocks on an in-flight build the caller already holds a reservation on.
func (c *Cache[K, V]) wait(ctx context.Context, e *entry[K, V]) (V, error) {
	var zero V
	select {
	case <-e.done:
	case <-ctx.Done():
		c.mu.Lock()
		var evicted []*entry[K, V]
		select {
		case <-e.done:
			// The build finished while we were giving up: hand our reference back.
			if e.err == nil {
				evicted = c.releaseLocked(e)
			}
		default:
			e.refs--
		}
		c.mu.Unlock()
		c.notify(evicted)
		return zero, ctx.Err()
	}
	if e.err != nil {
		return zero, fmt.Errorf("%v: %w: %w", e.key, ErrBuildAborted, e.err)
	}
	return e.value, nil
}

func (c *Cache[K, V]) runBuild(ctx context.Context, key K, build BuildFunc[K, V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build %v panicked: %v", key, r)
		}
	}()
	return build(ctx, key)
}

func (c *Cache[K, V]) finish(e *entry[K, V], v V, err error) (V, error) {
	var zero V

	c.mu.Lock()
	c.stats.Builds++
	if err != nil {
		c.stats.Failures++
		e.err = err
		e.building = false
		e.refs = 0
		delete(c.entries, e.key)
		// A build that raced an invalidation may have read the old data.
		sticky := !e.stale && c.opts.Sticky != nil && c.opts.Sticky(err) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		if sticky {
			c.absent[e.key] = err
		}
		close(e.done)
		c.mu.Unlock()

		if sticky {
			c.log.Warn("cache build failed", "key", fmt.Sprint(e.key), "err", err)
		} else {
			c.log.Debug("cache build failed", "key", fmt.Sprint(e.key), "err", err)
		}
		return zero, err
	}

	e.value = v
	if c.opts.Cost != nil {
		e.cost = c.opts.Cost(v)
	}
	c.cost += e.cost
	e.building = false
	close(e.done)
	evicted := c.evictLocked(c.opts.Budget)
	c.mu.Unlock()

	c.notify(evicted)
	return v, nil
}

// Acquire takes a reference on an already-built value without building.
func (c *Cache[K, V]) Acquire(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.building {
		return zero, false
	}
	e.refs++
	e.lastAccess = c.frame
	c.stats.Hits++
	return e.value, true
}

// Release drops one reference on key. The entry becomes evictable when its
// count reaches zero; stale entries are dropped right away.
func (c *Cache[K, V]) Release(key K) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.building || e.refs == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%v: %w", key, ErrNotHeld)
	}
	evicted := c.releaseLocked(e)
	c.mu.Unlock()

	c.notify(evicted)
	return nil
}

// releaseLocked must be called with c.mu held.
func (c *Cache[K, V]) releaseLocked(e *entry[K, V]) []*entry[K, V] {
	e.refs--
	if e.refs == 0 && e.stale {
		c.removeLocked(e)
		return []*entry[K, V]{e}
	}
	return nil
}

// EvictUnused drops unreferenced entries, least recently accessed first, until
// the cache fits budget or nothing unreferenced is left. It returns the number
// of entries dropped.
func (c *Cache[K, V]) EvictUnused(budget Budget) int {
	c.mu.Lock()
	evicted := c.evictLocked(budget)
	c.mu.Unlock()

	c.notify(evicted)
	return len(evicted)
}

func (c *Cache[K, V]) within(b Budget) bool {
	return (b.Entries <= 0 || len(c.entries) <= b.Entries) && (b.Cost <= 0 || c.cost <= b.Cost)
}

// evictLocked must be called with c.mu held.
func (c *Cache[K, V]) evictLocked(b Budget) []*entry[K, V] {
	if c.within(b) {
		return nil
	}
	var candidates []*entry[K, V]
	for _, e := range c.entries {
		if e.refs == 0 && !e.building {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.lastAccess != b.lastAccess {
			return a.lastAccess < b.lastAccess
		}
		return a.seq < b.seq
	})

	var evicted []*entry[K, V]
	for _, e := range candidates {
		if c.within(b) {
			break
		}
		c.removeLocked(e)
		evicted = append(evicted, e)
	}
	return evicted
}

// removeLocked must be called with c.mu held.
func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	delete(c.entries, e.key)
	c.cost -= e.cost
	c.stats.Evictions++
}

func (c *Cache[K, V]) notify(evicted []*entry[K, V]) {
	if c.opts.OnEvict == nil {
		return
	}
	for _, e := range evicted {
		c.opts.OnEvict(e.key, e.value)
	}
}

// Invalidate forgets a sticky failure for key and marks any cached value for
// rebuild. Unreferenced values are dropped now; referenced ones stay valid for
// their holders and are dropped when the last reference is released.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	evicted := c.invalidateLocked(key)
	c.mu.Unlock()

	c.notify(evicted)
}

// InvalidateAll invalidates every key.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	var evicted []*entry[K, V]
	for k := range c.absent {
		delete(c.absent, k)
	}
	for k := range c.entries {
		evicted = append(evicted, c.invalidateLocked(k)...)
	}
	c.mu.Unlock()

	c.notify(evicted)
}

func (c *Cache[K, V]) invalidateLocked(key K) []*entry[K, V] {
	delete(c.absent, key)
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.refs == 0 && !e.building {
		c.removeLocked(e)
		return []*entry[K, V]{e}
	}
	e.stale = true
	return nil
}

// Refs returns the reference count held on key.
func (c *Cache[K, V]) Refs(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Contains reports whether a built value is cached for key.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.building
}

// Len returns the number of cached and in-flight entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Range calls fn for every built value in key order until fn returns false.
// It iterates a snapshot; fn may call back into the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	snapshot := make([]*entry[K, V], 0, len(c.entries))
	for _, e := range c.entries {
		if !e.building {
			snapshot = append(snapshot, e)
		}
	}
	c.mu.Unlock()

	if c.opts.Less != nil {
		sort.Slice(snapshot, func(i, j int) bool { return c.opts.Less(snapshot[i].key, snapshot[j].key) })
	}
	for _, e := range snapshot {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	s.Absent = len(c.absent)
	s.Cost = c.cost
	for _, e := range c.entries {
		if e.building {
			s.Building++
		}
		s.Refs += e.refs
	}
	return s
}
