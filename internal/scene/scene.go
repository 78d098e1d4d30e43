// Package scene is the boundary to the rendering library's scene graph.
// The terrain core only ever needs a root group, child attachment, visibility
// masks and node destruction; everything else stays behind the renderer.
package scene

import "errors"

var (
	ErrNotFound  = errors.New("scene node not found")
	ErrDestroyed = errors.New("scene node destroyed")
	ErrAttached  = errors.New("scene node already has a parent")
)

// Node is a scene-graph node. A mask of zero hides the node and its subtree.
type Node interface {
	Name() string
	Mask() uint32
	SetMask(mask uint32)
	// Visible reports whether the node and all its ancestors have a non-zero mask.
	Visible() bool
	// SetVisible toggles the mask between zero and the last non-zero mask.
	SetVisible(visible bool)
	// Drawable is the renderable payload; nil for groups.
	Drawable() any
}

// Graph is the interface the terrain core drives. It must only be mutated from
// the foreground (rendering) goroutine.
// This allows us to swap the backend later (memory -> GPU scene).
type Graph interface {
	Root() Node
	AddGroup(parent Node, name string, mask uint32) (Node, error)
	Attach(parent Node, name string, drawable any, mask uint32) (Node, error)
	// Detach unlinks n from its parent. The node may be attached again later.
	Detach(n Node) error
	// Destroy detaches n and releases it with its subtree. Destroyed nodes cannot be reused.
	Destroy(n Node) error
	Children(parent Node) ([]Node, error)
}
