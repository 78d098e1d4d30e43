package resource

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_DecodesAndCaches(t *testing.T) {
	root := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	f, err := os.Create(filepath.Join(root, "grass.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	d, err := NewDir(root, 8)
	require.NoError(t, err)

	got, err := d.Image("grass")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), got.Bounds())

	// Served from cache even after the file is gone.
	require.NoError(t, os.Remove(filepath.Join(root, "grass.png")))
	again, err := d.Image("grass")
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestDir_NotFound(t *testing.T) {
	d, err := NewDir(t.TempDir(), 2)
	require.NoError(t, err)
	_, err = d.Image("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPalette_KnownAndDerivedColours(t *testing.T) {
	p := NewPalette(2)
	img, err := p.Image("sand")
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(194), r>>8)
	assert.Equal(t, uint32(178), g>>8)
	assert.Equal(t, uint32(128), b>>8)

	a, err := p.Image("moss")
	require.NoError(t, err)
	b2, err := p.Image("moss")
	require.NoError(t, err)
	assert.Equal(t, a.At(0, 0), b2.At(0, 0))

	_, err = p.Image("")
	assert.ErrorIs(t, err, ErrNotFound)
}
