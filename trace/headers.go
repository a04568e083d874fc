package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/pithecene-io/switchyard/headers"
)

// Headers encodes s as metadata headers: ids as 8-byte big-endian values
// plus the rpc name when set. An empty state yields no headers.
func (s State) Headers() []headers.Header {
	if s.Empty() {
		return nil
	}
	hs := []headers.Header{
		headers.New(headers.TraceID, binary.BigEndian.AppendUint64(nil, s.TraceID)),
		headers.New(headers.SpanID, binary.BigEndian.AppendUint64(nil, s.SpanID)),
		headers.New(headers.ParentID, binary.BigEndian.AppendUint64(nil, s.ParentID)),
	}
	if s.RPCName != "" {
		hs = append(hs, headers.New(headers.RPCName, []byte(s.RPCName)))
	}
	return hs
}

// FromHeaders builds a validated State from metadata headers. A list
// without any trace id header yields the empty state. If any id header is
// present all three must be, each 8 bytes long.
func FromHeaders(hs []headers.Header) (State, error) {
	names := [...]string{headers.TraceID, headers.SpanID, headers.ParentID}
	var ids [3]uint64
	found := 0
	for i, name := range names {
		h, ok := headers.Find(hs, name)
		if !ok {
			continue
		}
		if len(h.Value) != 8 {
			return State{}, fmt.Errorf("%w: header %s is %d bytes, want 8", ErrInvalidParameters, name, len(h.Value))
		}
		ids[i] = binary.BigEndian.Uint64(h.Value)
		found++
	}
	switch found {
	case 0:
		return State{}, nil
	case len(names):
	default:
		return State{}, fmt.Errorf("%w: incomplete trace headers", ErrInvalidParameters)
	}

	var rpcName string
	if h, ok := headers.Find(hs, headers.RPCName); ok {
		rpcName = string(h.Value)
	}
	return New(ids[0], ids[1], ids[2], rpcName)
}
