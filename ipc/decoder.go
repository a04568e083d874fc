// Package ipc implements the switchyard wire codec.
//
// A frame is a single msgpack array:
//
//	[stream_id, type_id, [args...], [headers...]?]
//
// stream_id and type_id are non-negative integers, args is an array whose
// schema depends on type_id, and the optional headers array is decoded
// against the connection's header table. Frames are self-delimiting, so the
// decoder works on a caller-owned accumulating buffer and reports how many
// bytes each frame consumed.
package ipc

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/pithecene-io/switchyard/headers"
)

// DefaultMaxFrameSize is the default frame size limit (16 MiB).
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Decoder extracts frames from a byte buffer.
//
// A Decoder carries the connection's header table and must be used by a
// single receive path; it is not safe for concurrent use.
type Decoder struct {
	table        *headers.Table
	maxFrameSize int
	maxDepth     int

	// need and seen remember the last ErrInsufficientBytes: a buffer of
	// seen bytes needed at least need bytes to complete its frame.
	need int64
	seen int

	reader bytes.Reader
	dec    *msgpack.Decoder
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithHeaderTableSize sets the header table budget in bytes.
func WithHeaderTableSize(size uint32) Option {
	return func(d *Decoder) { d.table = headers.NewTable(size) }
}

// WithMaxFrameSize sets the frame size limit. Zero disables the limit.
func WithMaxFrameSize(size int) Option {
	return func(d *Decoder) { d.maxFrameSize = size }
}

// WithMaxDepth sets how deeply containers may nest inside a frame, counting
// the frame array itself. Values below one keep DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(d *Decoder) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// NewDecoder creates a decoder with its own header table.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{maxFrameSize: DefaultMaxFrameSize, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(d)
	}
	if d.table == nil {
		d.table = headers.NewTable(headers.DefaultTableSize)
	}
	// bytes.Reader is an io.ByteScanner, so msgpack reads it unbuffered.
	d.dec = msgpack.NewDecoder(&d.reader)
	return d
}

// Table returns the connection's header table.
func (d *Decoder) Table() *headers.Table {
	return d.table
}

// Decode extracts exactly one frame from the start of buf.
//
// On success it returns the number of bytes the frame occupied; the caller
// discards that prefix and calls Decode again on the remainder. When buf
// holds only part of a frame it returns ErrInsufficientBytes. Any other
// error is a *FrameError and is fatal for the connection. Errors never
// consume bytes.
//
// Structure is validated before headers are decoded, and headers update
// the table only when the whole frame is accepted.
//
// After ErrInsufficientBytes the decoder expects the same bytes again,
// extended, and returns ErrInsufficientBytes without rescanning until buf
// can hold the rest of the frame. A shorter buf starts over.
func (d *Decoder) Decode(buf []byte) (int, *Message, error) {
	n, err := d.frameLength(buf)
	if err != nil {
		return 0, nil, err
	}

	msg, err := d.decodeFrame(buf[:n])
	if err != nil {
		return 0, nil, err
	}
	return n, msg, nil
}

// frameLength finds the end of the next msgpack value without
// interpreting it.
func (d *Decoder) frameLength(buf []byte) (int, error) {
	if len(buf) < d.seen {
		d.need, d.seen = 0, 0
	}
	if int64(len(buf)) < d.need {
		return 0, ErrInsufficientBytes
	}

	res, err := scan(buf, d.maxDepth)
	d.need, d.seen = 0, 0
	if err != nil {
		return 0, err
	}
	if d.maxFrameSize > 0 && res.need > int64(d.maxFrameSize) {
		return 0, d.tooLarge(res.need)
	}
	if res.n == 0 {
		d.need, d.seen = res.need, len(buf)
		return 0, ErrInsufficientBytes
	}
	return res.n, nil
}

func (d *Decoder) tooLarge(n int64) *FrameError {
	return &FrameError{
		Kind: FrameErrorTooLarge,
		Msg:  fmt.Sprintf("frame size %d exceeds maximum %d", n, d.maxFrameSize),
	}
}

// decodeFrame validates and decodes one complete msgpack value.
func (d *Decoder) decodeFrame(frame []byte) (*Message, error) {
	d.reader.Reset(frame)
	d.dec.ResetReader(&d.reader)
	dec := d.dec

	if c, _ := dec.PeekCode(); !isArray(c) {
		return nil, formatError("frame is not an array")
	}
	size, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorParse, Msg: "failed to decode frame length", Err: err}
	}
	if size < 3 {
		return nil, formatError(fmt.Sprintf("frame has %d elements, want at least 3", size))
	}

	msg := &Message{}
	var ok bool
	if msg.StreamID, ok = decodeIndex(dec); !ok {
		return nil, formatError("stream id is not a non-negative integer")
	}
	if msg.TypeID, ok = decodeIndex(dec); !ok {
		return nil, formatError("type id is not a non-negative integer")
	}

	if c, _ := dec.PeekCode(); !isArray(c) {
		return nil, formatError("arguments are not an array")
	}
	if msg.Args, err = dec.DecodeRaw(); err != nil {
		return nil, &FrameError{Kind: FrameErrorParse, Msg: "failed to read arguments", Err: err}
	}

	if size == 3 {
		return msg, nil
	}

	if c, _ := dec.PeekCode(); !isArray(c) {
		return nil, formatError("headers are not an array")
	}
	if msg.Headers, err = headers.DecodeList(dec, d.table); err != nil {
		return nil, &FrameError{Kind: FrameErrorHeader, Msg: "failed to decode headers", Err: err}
	}
	// Trailing elements are reserved and ignored.
	return msg, nil
}

// decodeIndex decodes a non-negative integer of any msgpack int encoding.
func decodeIndex(dec *msgpack.Decoder) (uint64, bool) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, false
	}

	switch {
	case c <= msgpcode.PosFixedNumHigh,
		c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		v, err := dec.DecodeUint64()
		return v, err == nil
	case c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		v, err := dec.DecodeInt64()
		if err != nil || v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

func isArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}
