package graph

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrInvalidGraph is returned by Build for malformed declarations.
var ErrInvalidGraph = errors.New("invalid protocol graph")

// Builder declares a protocol graph. It is not safe for concurrent use and
// cannot be reused after Build.
//
// The wire description nests each forward destination and reply node
// inside the edge that reaches it, so Forward and Replies edges must not
// form a cycle. A conversation that returns to an earlier state declares
// that state again as a new node.
type Builder struct {
	name    string
	version int
	nodes   []*NodeBuilder
	errs    []error
	built   bool
}

// NodeBuilder declares the edges of one node.
type NodeBuilder struct {
	b     *Builder
	id    int
	edges map[uint64]edgeDecl
}

type edgeDecl struct {
	name     string
	kind     Kind
	next     *NodeBuilder
	upstream *NodeBuilder
}

// NewBuilder starts a protocol declaration. The root node is created
// implicitly.
func NewBuilder(name string, version int) *Builder {
	b := &Builder{name: name, version: version}
	b.Node()
	return b
}

// Root returns the root node declaration.
func (b *Builder) Root() *NodeBuilder {
	return b.nodes[0]
}

// Node declares a new node.
func (b *Builder) Node() *NodeBuilder {
	n := &NodeBuilder{b: b, id: len(b.nodes), edges: make(map[uint64]edgeDecl)}
	b.nodes = append(b.nodes, n)
	return n
}

// Recurrent declares a message that keeps the conversation at this node.
func (n *NodeBuilder) Recurrent(typeID uint64, name string) *NodeBuilder {
	return n.add(typeID, edgeDecl{name: name, kind: Recurrent})
}

// Terminal declares a message that ends the conversation.
func (n *NodeBuilder) Terminal(typeID uint64, name string) *NodeBuilder {
	return n.add(typeID, edgeDecl{name: name, kind: Terminal})
}

// Forward declares a message that moves the conversation to next.
func (n *NodeBuilder) Forward(typeID uint64, name string, next *NodeBuilder) *NodeBuilder {
	return n.add(typeID, edgeDecl{name: name, kind: Forward, next: next})
}

// Replies attaches an upstream description to an already declared message.
func (n *NodeBuilder) Replies(typeID uint64, upstream *NodeBuilder) *NodeBuilder {
	e, ok := n.edges[typeID]
	if !ok {
		n.b.errs = append(n.b.errs, fmt.Errorf("node %d: replies for undeclared type %d", n.id, typeID))
		return n
	}
	e.upstream = upstream
	n.edges[typeID] = e
	return n
}

func (n *NodeBuilder) add(typeID uint64, e edgeDecl) *NodeBuilder {
	if n.b.built {
		panic("graph: builder used after Build")
	}
	if _, exists := n.edges[typeID]; exists {
		n.b.errs = append(n.b.errs, fmt.Errorf("node %d: duplicate type %d (%s)", n.id, typeID, e.name))
		return n
	}
	if e.kind == Forward {
		switch {
		case e.next == nil:
			n.b.errs = append(n.b.errs, fmt.Errorf("node %d: forward %s has no destination", n.id, e.name))
			return n
		case e.next.b != n.b:
			n.b.errs = append(n.b.errs, fmt.Errorf("node %d: forward %s leaves the protocol", n.id, e.name))
			return n
		case e.next == n:
			n.b.errs = append(n.b.errs, fmt.Errorf("node %d: forward %s to itself, use Recurrent", n.id, e.name))
			return n
		}
	}
	n.edges[typeID] = e
	return n
}

// Build validates the declaration and returns the immutable protocol.
// Forward edges must form an acyclic graph.
func (b *Builder) Build() (*Protocol, error) {
	if b.built {
		return nil, fmt.Errorf("%w: builder already used", ErrInvalidGraph)
	}
	b.built = true

	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidGraph, b.name, errors.Join(b.errs...))
	}
	if err := b.checkAcyclic(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidGraph, b.name, err)
	}

	nodes := make([]*Node, len(b.nodes))
	for i := range b.nodes {
		nodes[i] = &Node{id: i, edges: make(map[uint64]Edge, len(b.nodes[i].edges))}
	}
	for i, nb := range b.nodes {
		for typeID, e := range nb.edges {
			edge := Edge{Name: e.name, Kind: e.kind}
			if e.next != nil {
				edge.Next = nodes[e.next.id]
			}
			if e.upstream != nil {
				edge.Upstream = nodes[e.upstream.id]
			}
			nodes[i].edges[typeID] = edge
		}
	}

	p := &Protocol{name: b.name, version: b.version, root: nodes[0], nodes: nodes}
	encoded, err := p.MarshalMsgpack()
	if err != nil {
		return nil, fmt.Errorf("graph: encode %s: %w", b.name, err)
	}
	p.digest = blake3.Sum256(encoded)
	return p, nil
}

// MustBuild is like Build but panics on error. It is meant for package-level
// protocol declarations.
func (b *Builder) MustBuild() *Protocol {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

func (b *Builder) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(b.nodes))

	var visit func(n *NodeBuilder) error
	visit = func(n *NodeBuilder) error {
		switch state[n.id] {
		case visiting:
			return fmt.Errorf("forward cycle through node %d", n.id)
		case done:
			return nil
		}
		state[n.id] = visiting
		for _, e := range n.edges {
			for _, next := range []*NodeBuilder{e.next, e.upstream} {
				if next == nil {
					continue
				}
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		state[n.id] = done
		return nil
	}

	for _, n := range b.nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}
