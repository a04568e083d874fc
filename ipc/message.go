package ipc

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/switchyard/headers"
)

// Message is one decoded frame.
type Message struct {
	// StreamID identifies the logical channel on the connection.
	StreamID uint64
	// TypeID selects the protocol edge and the slot.
	TypeID uint64
	// Args is the raw msgpack array of positional arguments. Its schema
	// depends on TypeID and is only interpreted by the slot.
	Args msgpack.RawMessage
	// Headers are the decoded metadata headers, references resolved.
	Headers []headers.Header
}

// Header returns the first header named name.
func (m *Message) Header(name string) (headers.Header, bool) {
	return headers.Find(m.Headers, name)
}

// DecodeArgs unmarshals the argument array into v.
// v is typically a pointer to a slice or to a struct tagged
// `msgpack:",as_array"`.
func (m *Message) DecodeArgs(v any) error {
	return msgpack.Unmarshal(m.Args, v)
}

// Values decodes the argument array into generic values.
func (m *Message) Values() ([]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(m.Args))
	dec.UseLooseInterfaceDecoding(true)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, max(n, 0))
	for i := 0; i < n; i++ {
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}
