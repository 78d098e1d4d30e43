package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGraph_AttachAndChildren(t *testing.T) {
	g := NewMemoryGraph()
	terrain, err := g.AddGroup(g.Root(), "terrain", 0x1)
	require.NoError(t, err)

	n, err := g.Attach(terrain, "0,0", "mesh", 0x1)
	require.NoError(t, err)
	assert.Equal(t, "mesh", n.Drawable())

	children, err := g.Children(terrain)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "0,0", children[0].Name())
	assert.Equal(t, 1, g.Drawables())
	assert.Equal(t, uint64(2), g.Mutations())
}

func TestMemoryGraph_AttachRejectsNilDrawable(t *testing.T) {
	g := NewMemoryGraph()
	_, err := g.Attach(g.Root(), "x", nil, 1)
	assert.Error(t, err)
}

func TestMemoryGraph_VisibilityFollowsAncestors(t *testing.T) {
	g := NewMemoryGraph()
	group, err := g.AddGroup(g.Root(), "terrain", 0x4)
	require.NoError(t, err)
	n, err := g.Attach(group, "c", 1, 0x4)
	require.NoError(t, err)
	assert.True(t, n.Visible())

	group.SetVisible(false)
	assert.False(t, n.Visible())
	assert.Equal(t, uint32(0), group.Mask())

	group.SetVisible(true)
	assert.True(t, n.Visible())
	assert.Equal(t, uint32(0x4), group.Mask())
}

func TestMemoryGraph_DetachAndReattach(t *testing.T) {
	g := NewMemoryGraph()
	n, err := g.Attach(g.Root(), "c", 1, 1)
	require.NoError(t, err)

	require.NoError(t, g.Detach(n))
	assert.Equal(t, 0, g.Drawables())
	children, err := g.Children(g.Root())
	require.NoError(t, err)
	assert.Empty(t, children)

	require.NoError(t, g.Reattach(g.Root(), n))
	assert.Equal(t, 1, g.Drawables())
	assert.ErrorIs(t, g.Reattach(g.Root(), n), ErrAttached)
}

func TestMemoryGraph_DestroySubtree(t *testing.T) {
	g := NewMemoryGraph()
	group, err := g.AddGroup(g.Root(), "terrain", 1)
	require.NoError(t, err)
	child, err := g.Attach(group, "c", 1, 1)
	require.NoError(t, err)

	require.NoError(t, g.Destroy(group))
	assert.Equal(t, 0, g.Drawables())
	assert.ErrorIs(t, g.Detach(child), ErrDestroyed)
	_, err = g.Attach(group, "d", 1, 1)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Error(t, g.Destroy(g.Root()))
}

func TestMemoryGraph_ForeignNode(t *testing.T) {
	a := NewMemoryGraph()
	b := NewMemoryGraph()
	_, err := a.AddGroup(b.Root(), "x", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
