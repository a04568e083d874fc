package graph

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MarshalMsgpack encodes the protocol the way peers exchange it during
// introspection: each node is a map from type id to
// [name, upstream, dispatch], where dispatch is nil for Recurrent, an empty
// map for Terminal, and the destination node for Forward. Keys are written
// in ascending order so the encoding is deterministic.
func (p *Protocol) MarshalMsgpack() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(p.name); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(p.version)); err != nil {
		return nil, err
	}
	if err := encodeNode(enc, p.root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeNode(enc *msgpack.Encoder, n *Node) error {
	ids := n.TypeIDs()
	if err := enc.EncodeMapLen(len(ids)); err != nil {
		return err
	}
	for _, id := range ids {
		e := n.edges[id]
		if err := enc.EncodeUint(id); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := enc.EncodeString(e.Name); err != nil {
			return err
		}
		if e.Upstream == nil {
			if err := enc.EncodeNil(); err != nil {
				return err
			}
		} else if err := encodeNode(enc, e.Upstream); err != nil {
			return err
		}
		switch e.Kind {
		case Recurrent:
			if err := enc.EncodeNil(); err != nil {
				return err
			}
		case Terminal:
			if err := enc.EncodeMapLen(0); err != nil {
				return err
			}
		case Forward:
			if err := encodeNode(enc, e.Next); err != nil {
				return err
			}
		default:
			return fmt.Errorf("graph: unknown transition kind %d", e.Kind)
		}
	}
	return nil
}

// Description is a serializable view of a protocol.
type Description struct {
	Name    string            `json:"name" yaml:"name" cbor:"name"`
	Version int               `json:"version" yaml:"version" cbor:"version"`
	Digest  string            `json:"digest" yaml:"digest" cbor:"digest"`
	Nodes   []NodeDescription `json:"nodes" yaml:"nodes" cbor:"nodes"`
}

// NodeDescription lists a node's edges.
type NodeDescription struct {
	ID    int               `json:"id" yaml:"id" cbor:"id"`
	Edges []EdgeDescription `json:"edges" yaml:"edges" cbor:"edges"`
}

// EdgeDescription is one transition of a node.
type EdgeDescription struct {
	TypeID   uint64 `json:"type_id" yaml:"type_id" cbor:"type_id"`
	Name     string `json:"name" yaml:"name" cbor:"name"`
	Kind     string `json:"kind" yaml:"kind" cbor:"kind"`
	Next     *int   `json:"next,omitempty" yaml:"next,omitempty" cbor:"next,omitempty"`
	Upstream *int   `json:"upstream,omitempty" yaml:"upstream,omitempty" cbor:"upstream,omitempty"`
}

// Describe returns a flat description of the protocol, nodes in id order.
func (p *Protocol) Describe() Description {
	d := Description{
		Name:    p.name,
		Version: p.version,
		Digest:  p.Digest(),
		Nodes:   make([]NodeDescription, 0, len(p.nodes)),
	}
	for _, n := range p.nodes {
		nd := NodeDescription{ID: n.id, Edges: make([]EdgeDescription, 0, len(n.edges))}
		for _, id := range n.TypeIDs() {
			e := n.edges[id]
			ed := EdgeDescription{TypeID: id, Name: e.Name, Kind: e.Kind.String()}
			if e.Next != nil {
				next := e.Next.id
				ed.Next = &next
			}
			if e.Upstream != nil {
				up := e.Upstream.id
				ed.Upstream = &up
			}
			nd.Edges = append(nd.Edges, ed)
		}
		d.Nodes = append(d.Nodes, nd)
	}
	return d
}
