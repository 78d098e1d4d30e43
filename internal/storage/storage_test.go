package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/strata/internal/region"
)

const testCellSize = 64

func TestProcedural_Deterministic(t *testing.T) {
	ctx := context.Background()
	a := NewProcedural(7, testCellSize, 4)
	b := NewProcedural(7, testCellSize, 4)
	r := region.Cell(1, -2, 0).Rect(testCellSize)

	sa, err := a.SampleRegion(ctx, r, 3)
	require.NoError(t, err)
	sb, err := b.SampleRegion(ctx, r, 3)
	require.NoError(t, err)

	assert.Equal(t, 9, sa.Size)
	assert.Len(t, sa.Heights, 81)
	assert.Equal(t, sa.Heights, sb.Heights)
	for _, n := range sa.Normals {
		assert.InDelta(t, 1.0, n.Len(), 1e-4)
		assert.Greater(t, n.Z(), float32(0))
	}
}

func TestProcedural_OutOfBounds(t *testing.T) {
	p := NewProcedural(1, testCellSize, 2)
	_, err := p.SampleRegion(context.Background(), region.Cell(5, 0, 0).Rect(testCellSize), 2)
	assert.True(t, errors.Is(err, ErrDataUnavailable))

	_, err = p.SampleTexture(context.Background(), region.Cell(0, -3, 0).Rect(testCellSize), 2)
	assert.True(t, errors.Is(err, ErrDataUnavailable))

	_, err = p.HeightAt(0, 1000)
	assert.True(t, errors.Is(err, ErrDataUnavailable))
}

func TestProcedural_TextureLayersBaseFirst(t *testing.T) {
	p := NewProcedural(3, testCellSize, 0)
	layers, err := p.SampleTexture(context.Background(), region.Cell(0, 0, 0).Rect(testCellSize), 0)
	require.NoError(t, err)
	require.NotEmpty(t, layers)
	assert.Equal(t, "grass", layers[0].Name)
	assert.Equal(t, float32(1), layers[0].Opacity)
}

func TestSamples_Interpolate(t *testing.T) {
	s := &Samples{
		Rect:    region.Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10},
		Size:    2,
		Heights: []float32{0, 10, 20, 30},
	}
	assert.InDelta(t, 0, s.Interpolate(0, 0), 1e-6)
	assert.InDelta(t, 30, s.Interpolate(10, 10), 1e-6)
	assert.InDelta(t, 15, s.Interpolate(5, 5), 1e-6)
	assert.InDelta(t, 5, s.Interpolate(5, 0), 1e-6)
}

func bakeProcedural(t *testing.T, radius int32, lod uint8) (string, *Procedural) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terrain.db")
	src := NewProcedural(11, testCellSize, radius)

	w, err := NewWriter(path, testCellSize, lod)
	require.NoError(t, err)
	n, err := Bake(context.Background(), src, w, radius)
	require.NoError(t, err)
	require.Equal(t, int(4*radius*radius), n)
	require.NoError(t, w.Close())
	return path, src
}

func TestSQLite_BakeRoundTrip(t *testing.T) {
	path, src := bakeProcedural(t, 2, 3)

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	assert.Equal(t, float32(testCellSize), db.CellSize())

	ctx := context.Background()
	r := region.Cell(0, -1, 0).Rect(testCellSize)
	want, err := src.SampleRegion(ctx, r, 3)
	require.NoError(t, err)
	got, err := db.SampleRegion(ctx, r, 3)
	require.NoError(t, err)

	require.Equal(t, want.Size, got.Size)
	for i := range want.Heights {
		assert.InDelta(t, want.Heights[i], got.Heights[i], 1e-3, "height %d", i)
	}

	layers, err := db.SampleTexture(ctx, r, 3)
	require.NoError(t, err)
	wantLayers, err := src.SampleTexture(ctx, r, 3)
	require.NoError(t, err)
	assert.Equal(t, wantLayers, layers)
}

func TestSQLite_CoarserLODResamples(t *testing.T) {
	path, src := bakeProcedural(t, 1, 2)
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	r := region.Cell(-1, 0, 0).Rect(testCellSize)
	got, err := db.SampleRegion(ctx, r, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Size)

	corner, err := src.HeightAt(r.MinX, r.MinY)
	require.NoError(t, err)
	assert.InDelta(t, corner, got.Height(0, 0), 1e-3)
}

func TestSQLite_MissingCell(t *testing.T) {
	path, _ := bakeProcedural(t, 1, 1)
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.SampleRegion(context.Background(), region.Cell(4, 4, 0).Rect(testCellSize), 1)
	assert.True(t, errors.Is(err, ErrDataUnavailable))

	_, err = db.SampleTexture(context.Background(), region.Cell(4, 4, 0).Rect(testCellSize), 1)
	assert.True(t, errors.Is(err, ErrDataUnavailable))
}

func TestOpenSQLite_RejectsMissingMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := OpenSQLite(path)
	assert.Error(t, err)
}

func TestWriter_RejectsWrongResolution(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "t.db"), testCellSize, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	err = w.PutCell(0, 0, &Samples{Size: 3, Heights: make([]float32, 9)}, nil)
	assert.Error(t, err)
}

func TestHotSwap_RoutesToCurrent(t *testing.T) {
	a := NewProcedural(1, testCellSize, 1)
	b := NewProcedural(2, testCellSize, 1)
	h := NewHotSwap(a)
	ctx := context.Background()
	r := region.Cell(0, 0, 0).Rect(testCellSize)

	sa, err := h.SampleRegion(ctx, r, 2)
	require.NoError(t, err)
	prev := h.Swap(b)
	assert.Same(t, a, prev)

	sb, err := h.SampleRegion(ctx, r, 2)
	require.NoError(t, err)
	direct, err := b.SampleRegion(ctx, r, 2)
	require.NoError(t, err)
	assert.Equal(t, direct.Heights, sb.Heights)
	assert.NotEqual(t, sa.Heights, sb.Heights)
}

func TestWatch_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terrain.db")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func() { fired.Add(1) })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
