package ipc

import (
	"bytes"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/switchyard/headers"
)

// Encoder writes frames to a stream.
//
// Encode is safe for concurrent use; each frame is written with a single
// Write so frames from concurrent slots never interleave.
type Encoder struct {
	mu    sync.Mutex
	w     io.Writer
	buf   bytes.Buffer
	enc   *msgpack.Encoder
	table *headers.Table
}

// NewEncoder creates an encoder writing to w. When table is non-nil it
// mirrors the peer decoder's header table and headers are compressed
// against it.
func NewEncoder(w io.Writer, table *headers.Table) *Encoder {
	e := &Encoder{w: w, table: table}
	e.enc = msgpack.NewEncoder(&e.buf)
	e.enc.UseCompactInts(true)
	return e
}

// Encode writes one frame.
func (e *Encoder) Encode(streamID, typeID uint64, args []any, hs ...headers.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Reset()
	if err := appendFrame(e.enc, streamID, typeID, args, hs, e.table); err != nil {
		return err
	}
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

// Marshal encodes a single frame without header compression.
func Marshal(streamID, typeID uint64, args []any, hs ...headers.Header) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := appendFrame(enc, streamID, typeID, args, hs, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendFrame(enc *msgpack.Encoder, streamID, typeID uint64, args []any, hs []headers.Header, table *headers.Table) error {
	size := 3
	if len(hs) > 0 {
		size = 4
	}
	if err := enc.EncodeArrayLen(size); err != nil {
		return err
	}
	if err := enc.EncodeUint(streamID); err != nil {
		return err
	}
	if err := enc.EncodeUint(typeID); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := enc.Encode(arg); err != nil {
			return err
		}
	}
	if size == 4 {
		return headers.EncodeList(enc, hs, table)
	}
	return nil
}
