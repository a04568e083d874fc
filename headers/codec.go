package headers

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Sentinel errors for header decoding.
var (
	// ErrMalformed indicates a header element with an unexpected shape.
	ErrMalformed = errors.New("malformed header")
	// ErrIndex indicates a reference to an index the table does not hold.
	ErrIndex = errors.New("header index out of range")
)

// DecodeList decodes a msgpack array of header elements.
//
// Each element is either an unsigned integer referencing a full table entry,
// or a triple [indexed, name, value] where name is a string or an index whose
// name is reused. Indexes resolve against the table as it was before the
// list; entries flagged indexed are recorded only once the whole list has
// decoded, so a failing list leaves the table untouched.
func DecodeList(dec *msgpack.Decoder, t *Table) ([]Header, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n <= 0 {
		return nil, nil
	}

	hs := make([]Header, 0, n)
	var record []Header
	for i := 0; i < n; i++ {
		h, err := decodeOne(dec, t)
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		if h.Indexed {
			record = append(record, h)
		}
		hs = append(hs, h)
	}

	if t != nil {
		t.Record(record...)
	}
	return hs, nil
}

func decodeOne(dec *msgpack.Decoder, t *Table) (Header, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case isUint(c):
		h, err := decodeRef(dec, t)
		if err != nil {
			return Header{}, err
		}
		// Already in the table; a reference never records again.
		h.Indexed = false
		return h, nil
	case isArray(c):
	default:
		return Header{}, fmt.Errorf("%w: unexpected code %#x", ErrMalformed, c)
	}

	l, err := dec.DecodeArrayLen()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l != 3 {
		return Header{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformed, l)
	}

	var h Header
	if c, _ = dec.PeekCode(); c != msgpcode.True && c != msgpcode.False {
		return Header{}, fmt.Errorf("%w: indexing flag is not a bool", ErrMalformed)
	}
	if h.Indexed, err = dec.DecodeBool(); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c, err = dec.PeekCode()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case msgpcode.IsString(c):
		if h.Name, err = dec.DecodeString(); err != nil {
			return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case isUint(c):
		ref, err := decodeRef(dec, t)
		if err != nil {
			return Header{}, err
		}
		h.Name = ref.Name
	default:
		return Header{}, fmt.Errorf("%w: name is neither string nor index", ErrMalformed)
	}

	if c, _ = dec.PeekCode(); !msgpcode.IsString(c) && !msgpcode.IsBin(c) {
		return Header{}, fmt.Errorf("%w: value of %q is not a string", ErrMalformed, h.Name)
	}
	if h.Value, err = dec.DecodeBytes(); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

func decodeRef(dec *msgpack.Decoder, t *Table) (Header, error) {
	idx, err := dec.DecodeUint64()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if t == nil || idx > math.MaxInt32 {
		return Header{}, fmt.Errorf("%w: %d", ErrIndex, idx)
	}
	h, ok := t.At(int(idx))
	if !ok {
		return Header{}, fmt.Errorf("%w: %d", ErrIndex, idx)
	}
	return h, nil
}

// EncodeList writes hs as a msgpack array of header elements.
//
// With a non-nil table the encoder mirrors the peer's table: headers already
// present are sent as a single index, known names are sent by index, and
// headers flagged indexed are recorded after the list is written.
func EncodeList(enc *msgpack.Encoder, hs []Header, t *Table) error {
	if err := enc.EncodeArrayLen(len(hs)); err != nil {
		return err
	}

	var record []Header
	for _, h := range hs {
		if t != nil {
			if idx, ok := t.IndexOf(h, false); ok {
				if err := enc.EncodeUint(uint64(idx)); err != nil {
					return err
				}
				continue
			}
		}

		if err := enc.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := enc.EncodeBool(h.Indexed); err != nil {
			return err
		}

		var err error
		if idx, ok := nameIndex(t, h); ok {
			err = enc.EncodeUint(uint64(idx))
		} else {
			err = enc.EncodeString(h.Name)
		}
		if err != nil {
			return err
		}
		value := h.Value
		if value == nil {
			value = []byte{}
		}
		if err := enc.EncodeBytes(value); err != nil {
			return err
		}

		if h.Indexed {
			record = append(record, h)
		}
	}

	if t != nil {
		t.Record(record...)
	}
	return nil
}

func nameIndex(t *Table, h Header) (int, bool) {
	if t == nil {
		return 0, false
	}
	return t.IndexOf(h, true)
}

func isUint(c byte) bool {
	return c <= msgpcode.PosFixedNumHigh ||
		c == msgpcode.Uint8 || c == msgpcode.Uint16 || c == msgpcode.Uint32 || c == msgpcode.Uint64
}

func isArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}
