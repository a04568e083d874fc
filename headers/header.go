// Package headers implements per-connection metadata headers and the
// size-bounded table that lets peers reference previously sent headers by
// index instead of repeating literal values.
//
// Entry sizes follow the HPACK accounting rule (name + value + 32 bytes of
// overhead), so a budget configured for an HTTP/2 peer means the same thing
// here.
package headers

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// Well-known header names. They occupy the static part of every table.
const (
	TraceID  = "trace_id"
	SpanID   = "span_id"
	ParentID = "parent_id"
	RPCName  = "rpc_name"
)

// Header is one metadata entry carried alongside a frame.
type Header struct {
	Name  string
	Value []byte
	// Indexed asks the receiving side to record the header in its table.
	Indexed bool
}

// New returns a literal header that the peer should not record.
func New(name string, value []byte) Header {
	return Header{Name: name, Value: value}
}

// NewIndexed returns a literal header that the peer should record.
func NewIndexed(name string, value []byte) Header {
	return Header{Name: name, Value: value, Indexed: true}
}

// Size returns the table accounting size of the header.
func (h Header) Size() uint32 {
	return hpack.HeaderField{Name: h.Name, Value: string(h.Value)}.Size()
}

// Equal reports whether two headers carry the same name and value.
// The indexing mode is a transport hint and is not compared.
func (h Header) Equal(other Header) bool {
	return h.Name == other.Name && bytes.Equal(h.Value, other.Value)
}

// Find returns the first header in hs named name.
func Find(hs []Header, name string) (Header, bool) {
	for _, h := range hs {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}
