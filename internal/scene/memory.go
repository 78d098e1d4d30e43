package scene

import (
	"fmt"
	"sync"
)

// MemoryGraph is an in-memory Graph used by tools and tests. It records every
// structural mutation so callers can assert that an operation left the scene alone.
type MemoryGraph struct {
	mu        sync.RWMutex
	root      *memoryNode
	mutations uint64
	drawables int
}

type memoryNode struct {
	g         *MemoryGraph
	name      string
	mask      uint32
	lastMask  uint32
	drawable  any
	parent    *memoryNode
	children  []*memoryNode
	destroyed bool
}

func NewMemoryGraph() *MemoryGraph {
	g := &MemoryGraph{}
	g.root = &memoryNode{g: g, name: "root", mask: ^uint32(0), lastMask: ^uint32(0)}
	return g
}

// Root implements Graph.
func (g *MemoryGraph) Root() Node { return g.root }

// Mutations returns the number of structural changes applied so far.
func (g *MemoryGraph) Mutations() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mutations
}

// Drawables returns the number of attached drawable nodes anywhere in the graph.
func (g *MemoryGraph) Drawables() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.drawables
}

func (g *MemoryGraph) node(n Node) (*memoryNode, error) {
	mn, ok := n.(*memoryNode)
	if !ok || mn.g != g {
		return nil, ErrNotFound
	}
	if mn.destroyed {
		return nil, ErrDestroyed
	}
	return mn, nil
}

// AddGroup implements Graph.
func (g *MemoryGraph) AddGroup(parent Node, name string, mask uint32) (Node, error) {
	return g.add(parent, name, nil, mask)
}

// Attach implements Graph.
func (g *MemoryGraph) Attach(parent Node, name string, drawable any, mask uint32) (Node, error) {
	if drawable == nil {
		return nil, fmt.Errorf("attach %s: nil drawable", name)
	}
	return g.add(parent, name, drawable, mask)
}

func (g *MemoryGraph) add(parent Node, name string, drawable any, mask uint32) (Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.node(parent)
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", name, err)
	}
	n := &memoryNode{g: g, name: name, mask: mask, lastMask: mask, drawable: drawable, parent: p}
	p.children = append(p.children, n)
	g.mutations++
	g.drawables += n.countDrawables()
	return n, nil
}

// Detach implements Graph.
func (g *MemoryGraph) Detach(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	mn, err := g.node(n)
	if err != nil {
		return err
	}
	g.unlink(mn)
	return nil
}

// Reattach links a previously detached node under parent.
func (g *MemoryGraph) Reattach(parent, n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.node(parent)
	if err != nil {
		return err
	}
	mn, err := g.node(n)
	if err != nil {
		return err
	}
	if mn.parent != nil {
		return ErrAttached
	}
	mn.parent = p
	p.children = append(p.children, mn)
	g.mutations++
	g.drawables += mn.countDrawables()
	return nil
}

// Destroy implements Graph.
func (g *MemoryGraph) Destroy(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	mn, err := g.node(n)
	if err != nil {
		return err
	}
	if mn == g.root {
		return fmt.Errorf("destroy root: not permitted")
	}
	g.unlink(mn)
	mn.destroyTree()
	return nil
}

// unlink must be called with g.mu held.
func (g *MemoryGraph) unlink(mn *memoryNode) {
	p := mn.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == mn {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	mn.parent = nil
	g.mutations++
	g.drawables -= mn.countDrawables()
}

// Children implements Graph.
func (g *MemoryGraph) Children(parent Node) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, err := g.node(parent)
	if err != nil {
		return nil, err
	}
	out := make([]Node, len(p.children))
	for i, c := range p.children {
		out[i] = c
	}
	return out, nil
}

func (n *memoryNode) countDrawables() int {
	c := 0
	if n.drawable != nil {
		c++
	}
	for _, ch := range n.children {
		c += ch.countDrawables()
	}
	return c
}

func (n *memoryNode) destroyTree() {
	n.destroyed = true
	n.drawable = nil
	for _, c := range n.children {
		c.parent = nil
		c.destroyTree()
	}
	n.children = nil
}

func (n *memoryNode) Name() string { return n.name }

func (n *memoryNode) Drawable() any {
	n.g.mu.RLock()
	defer n.g.mu.RUnlock()
	return n.drawable
}

func (n *memoryNode) Mask() uint32 {
	n.g.mu.RLock()
	defer n.g.mu.RUnlock()
	return n.mask
}

func (n *memoryNode) SetMask(mask uint32) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.mask = mask
	if mask != 0 {
		n.lastMask = mask
	}
}

func (n *memoryNode) SetVisible(visible bool) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if visible {
		n.mask = n.lastMask
	} else {
		n.mask = 0
	}
}

func (n *memoryNode) Visible() bool {
	n.g.mu.RLock()
	defer n.g.mu.RUnlock()
	for c := n; c != nil; c = c.parent {
		if c.mask == 0 || c.destroyed {
			return false
		}
	}
	return true
}

var _ Graph = (*MemoryGraph)(nil)
