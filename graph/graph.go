// Package graph describes service protocols as immutable state graphs.
//
// Each node maps message type ids to an edge. Following an edge either keeps
// the conversation at the same node (Recurrent), ends it (Terminal), or moves
// it to another node (Forward). A Protocol is built once per service
// interface and shared by every live dispatch of that interface.
package graph

import (
	"encoding/hex"
	"fmt"
	"slices"
)

// Kind tags a transition.
type Kind int

const (
	// Recurrent keeps the conversation at the current node.
	Recurrent Kind = iota
	// Terminal ends the conversation; no further messages are expected.
	Terminal
	// Forward moves the conversation to another node.
	Forward
)

func (k Kind) String() string {
	switch k {
	case Recurrent:
		return "recurrent"
	case Terminal:
		return "terminal"
	case Forward:
		return "forward"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Edge is the transition taken when a message type arrives at a node.
type Edge struct {
	// Name is the message name, used in diagnostics and descriptions.
	Name string
	Kind Kind
	// Next is the destination node of a Forward edge, nil otherwise.
	Next *Node
	// Upstream optionally describes the replies the message produces.
	Upstream *Node
}

// Node is one protocol state.
type Node struct {
	id    int
	edges map[uint64]Edge
}

// ID returns the node's position in its protocol, root being 0.
func (n *Node) ID() int { return n.id }

// Transition returns the edge for typeID, or false if the message type is
// not legal at this node.
func (n *Node) Transition(typeID uint64) (Edge, bool) {
	if n == nil {
		return Edge{}, false
	}
	e, ok := n.edges[typeID]
	return e, ok
}

// TypeIDs returns the legal message type ids in ascending order.
func (n *Node) TypeIDs() []uint64 {
	ids := make([]uint64, 0, len(n.edges))
	for id := range n.edges {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Protocol is an immutable protocol graph for one service interface.
type Protocol struct {
	name    string
	version int
	root    *Node
	nodes   []*Node
	digest  [32]byte
}

// Name returns the interface name.
func (p *Protocol) Name() string { return p.name }

// Version returns the schema revision.
func (p *Protocol) Version() int { return p.version }

// Root returns the initial node.
func (p *Protocol) Root() *Node { return p.root }

// Nodes returns every node, root first.
func (p *Protocol) Nodes() []*Node { return slices.Clone(p.nodes) }

// Contains reports whether n belongs to this protocol.
func (p *Protocol) Contains(n *Node) bool {
	return n != nil && n.id < len(p.nodes) && p.nodes[n.id] == n
}

// Transition returns the edge taken from node on typeID.
func (p *Protocol) Transition(node *Node, typeID uint64) (Edge, bool) {
	return node.Transition(typeID)
}

// Digest returns a hex fingerprint of the protocol's structure and version.
// Peers compare digests to detect schema drift.
func (p *Protocol) Digest() string {
	return hex.EncodeToString(p.digest[:])
}
