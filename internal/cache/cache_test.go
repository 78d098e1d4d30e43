package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type value struct {
	name string
}

func constBuild(counter *atomic.Int32) BuildFunc[string, *value] {
	return func(_ context.Context, key string) (*value, error) {
		if counter != nil {
			counter.Add(1)
		}
		return &value{name: key}, nil
	}
}

func TestGetOrBuild_ConcurrentCallersShareOneBuild(t *testing.T) {
	c := New(Options[string, *value]{})
	var builds atomic.Int32
	release := make(chan struct{})

	build := func(_ context.Context, key string) (*value, error) {
		builds.Add(1)
		<-release
		return &value{name: key}, nil
	}

	const n = 32
	results := make([]*value, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrBuild(context.Background(), "a", build)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let every caller reach the in-flight entry before the build finishes.
	require.Eventually(t, func() bool { return c.Refs("a") == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, v := range results {
		assert.Same(t, results[0], v)
	}
	assert.Equal(t, n, c.Refs("a"))
}

func TestRefsTrackGetsMinusReleases(t *testing.T) {
	c := New(Options[string, *value]{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetOrBuild(ctx, "k", constBuild(nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Refs("k"))

	require.NoError(t, c.Release("k"))
	assert.Equal(t, 2, c.Refs("k"))

	_, ok := c.Acquire("k")
	require.True(t, ok)
	assert.Equal(t, 3, c.Refs("k"))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Release("k"))
	}
	assert.Equal(t, 0, c.Refs("k"))
	assert.True(t, c.Contains("k"), "release must not evict eagerly")

	err := c.Release("k")
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.Equal(t, 0, c.Refs("k"))
}

func TestEvictUnused_NeverEvictsReferenced(t *testing.T) {
	var evicted []string
	c := New(Options[string, *value]{
		OnEvict: func(key string, _ *value) { evicted = append(evicted, key) },
	})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
	}
	require.NoError(t, c.Release("b"))

	n := c.EvictUnused(Budget{Entries: 0, Cost: 1})
	assert.Equal(t, 0, n, "zero cost values never exceed a cost budget")

	n = c.EvictUnused(Budget{Entries: 1})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, evicted)
	assert.True(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 2, c.Len())
}

func TestEvictUnused_LeastRecentlyUsedFirst(t *testing.T) {
	var evicted []string
	c := New(Options[string, *value]{
		OnEvict: func(key string, _ *value) { evicted = append(evicted, key) },
	})
	ctx := context.Background()

	for i, k := range []string{"a", "b", "c"} {
		c.SetFrame(uint64(i + 1))
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
	}
	// Touch a again in a later frame, then release everything. "c" is released
	// last but "b" was accessed least recently.
	c.SetFrame(10)
	_, ok := c.Acquire("a")
	require.True(t, ok)
	for _, k := range []string{"a", "a", "b", "c"} {
		require.NoError(t, c.Release(k))
	}

	c.EvictUnused(Budget{Entries: 1})
	assert.Equal(t, []string{"b", "c"}, evicted)
	assert.True(t, c.Contains("a"))
}

func TestEvictUnused_TieBreaksOnInsertionOrder(t *testing.T) {
	var evicted []string
	c := New(Options[string, *value]{
		OnEvict: func(key string, _ *value) { evicted = append(evicted, key) },
	})
	ctx := context.Background()
	c.SetFrame(7)

	for _, k := range []string{"z", "y", "x"} {
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
	}
	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, c.Release(k))
	}

	c.EvictUnused(Budget{Entries: 1})
	assert.Equal(t, []string{"z", "y"}, evicted)
}

func TestBudget_ReferencedEntriesKeepTheirSlots(t *testing.T) {
	var evicted []string
	c := New(Options[string, *value]{
		Budget:  Budget{Entries: 3},
		OnEvict: func(key string, _ *value) { evicted = append(evicted, key) },
	})
	ctx := context.Background()

	for _, k := range []string{"A", "B", "C", "D"} {
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
	}
	assert.Empty(t, evicted, "held entries must survive an over-budget insert")
	assert.Equal(t, 4, c.Len())

	require.NoError(t, c.Release("A"))
	v, err := c.GetOrBuild(ctx, "E", constBuild(nil))
	require.NoError(t, err)
	assert.Equal(t, "E", v.name)

	assert.Equal(t, []string{"A"}, evicted)
	assert.False(t, c.Contains("A"))
	for _, k := range []string{"B", "C", "D", "E"} {
		assert.Equal(t, 1, c.Refs(k), k)
	}
}

func TestBudget_Cost(t *testing.T) {
	c := New(Options[string, *value]{
		Budget: Budget{Cost: 10},
		Cost:   func(v *value) int64 { return int64(len(v.name)) },
	})
	ctx := context.Background()

	for _, k := range []string{"aaaa", "bbbb"} {
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
		require.NoError(t, c.Release(k))
	}
	assert.Equal(t, int64(8), c.Stats().Cost)

	_, err := c.GetOrBuild(ctx, "cccc", constBuild(nil))
	require.NoError(t, err)
	assert.False(t, c.Contains("aaaa"))
	assert.Equal(t, int64(8), c.Stats().Cost)
}

func TestBuildFailure_PropagatesToWaitersAndAllowsRetry(t *testing.T) {
	c := New(Options[string, *value]{})
	boom := errors.New("no samples")
	started := make(chan struct{})
	fail := make(chan struct{})

	failing := func(_ context.Context, _ string) (*value, error) {
		close(started)
		<-fail
		return nil, boom
	}

	builderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuild(context.Background(), "k", failing)
		builderErr <- err
	}()
	<-started

	const waiters = 4
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrBuild(context.Background(), "k", constBuild(nil))
		}(i)
	}
	require.Eventually(t, func() bool { return c.Refs("k") == waiters+1 }, time.Second, time.Millisecond)
	close(fail)
	wg.Wait()

	assert.ErrorIs(t, <-builderErr, boom)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrBuildAborted)
		assert.ErrorIs(t, err, boom)
	}
	assert.False(t, c.Contains("k"))
	assert.Equal(t, 0, c.Len())

	var builds atomic.Int32
	v, err := c.GetOrBuild(context.Background(), "k", constBuild(&builds))
	require.NoError(t, err)
	assert.Equal(t, "k", v.name)
	assert.Equal(t, int32(1), builds.Load())
}

func TestBuildFailure_StickyUntilInvalidated(t *testing.T) {
	malformed := errors.New("malformed")
	c := New(Options[string, *value]{
		Sticky: func(err error) bool { return errors.Is(err, malformed) },
	})
	ctx := context.Background()

	_, err := c.GetOrBuild(ctx, "k", func(context.Context, string) (*value, error) { return nil, malformed })
	require.ErrorIs(t, err, malformed)

	var builds atomic.Int32
	_, err = c.GetOrBuild(ctx, "k", constBuild(&builds))
	assert.ErrorIs(t, err, ErrAbsent)
	assert.ErrorIs(t, err, malformed)
	assert.Equal(t, int32(0), builds.Load())
	assert.Equal(t, 1, c.Stats().Absent)

	c.Invalidate("k")
	_, err = c.GetOrBuild(ctx, "k", constBuild(&builds))
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds.Load())
}

func TestBuildFailure_RacingInvalidateIsNotSticky(t *testing.T) {
	malformed := errors.New("malformed")
	c := New(Options[string, *value]{
		Sticky: func(err error) bool { return errors.Is(err, malformed) },
	})
	ctx := context.Background()

	_, err := c.GetOrBuild(ctx, "k", func(context.Context, string) (*value, error) {
		c.Invalidate("k")
		return nil, malformed
	})
	require.ErrorIs(t, err, malformed)
	assert.Equal(t, 0, c.Stats().Absent)

	_, err = c.GetOrBuild(ctx, "k", constBuild(nil))
	require.NoError(t, err)
}

func TestBuildPanicBecomesError(t *testing.T) {
	c := New(Options[string, *value]{})
	_, err := c.GetOrBuild(context.Background(), "k", func(context.Context, string) (*value, error) {
		panic("bad sample")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad sample")
	assert.Equal(t, 0, c.Len())
}

func TestInvalidate_DefersWhileReferenced(t *testing.T) {
	var evicted []string
	c := New(Options[string, *value]{
		OnEvict: func(key string, _ *value) { evicted = append(evicted, key) },
	})
	ctx := context.Background()

	first, err := c.GetOrBuild(ctx, "k", constBuild(nil))
	require.NoError(t, err)

	c.Invalidate("k")
	assert.True(t, c.Contains("k"), "referenced entries survive invalidation")
	assert.Empty(t, evicted)

	require.NoError(t, c.Release("k"))
	assert.Equal(t, []string{"k"}, evicted)
	assert.False(t, c.Contains("k"))

	second, err := c.GetOrBuild(ctx, "k", constBuild(nil))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestInvalidateAll(t *testing.T) {
	c := New(Options[string, *value]{})
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
	}
	require.NoError(t, c.Release("a"))

	c.InvalidateAll()
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))

	require.NoError(t, c.Release("b"))
	assert.Equal(t, 0, c.Len())
}

func TestWaiterCancellationReturnsReservation(t *testing.T) {
	c := New(Options[string, *value]{})
	started := make(chan struct{})
	finish := make(chan struct{})

	go func() {
		_, _ = c.GetOrBuild(context.Background(), "k", func(_ context.Context, key string) (*value, error) {
			close(started)
			<-finish
			return &value{name: key}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuild(ctx, "k", constBuild(nil))
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.Refs("k") == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 1, c.Refs("k"))

	close(finish)
	require.Eventually(t, func() bool { return c.Contains("k") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.Refs("k"))
}

func TestRangeIsOrdered(t *testing.T) {
	c := New(Options[string, *value]{Less: func(a, b string) bool { return a < b }})
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		_, err := c.GetOrBuild(ctx, k, constBuild(nil))
		require.NoError(t, err)
	}

	var keys []string
	c.Range(func(k string, _ *value) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestStats(t *testing.T) {
	c := New(Options[string, *value]{})
	ctx := context.Background()

	_, err := c.GetOrBuild(ctx, "a", constBuild(nil))
	require.NoError(t, err)
	_, err = c.GetOrBuild(ctx, "a", constBuild(nil))
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, 2, s.Refs)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Builds)
}
