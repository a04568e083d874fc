package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// DefaultMaxDepth is the default container nesting limit of a frame. The
// frame array itself is depth 1.
const DefaultMaxDepth = 64

// scanResult describes how far a scan got into a buffer.
type scanResult struct {
	// n is the frame length when the frame is complete, zero otherwise.
	n int
	// need is a lower bound on the bytes required to complete the frame.
	need int64
}

// scan walks the msgpack value at the start of buf without copying string,
// bin or ext bodies and without recursion. Nesting beyond maxDepth is a
// format error. An incomplete value yields a zero n and a need beyond
// len(buf).
func scan(buf []byte, maxDepth int) (scanResult, error) {
	// pending holds the number of values still to be read per open
	// container; the bottom entry is the frame itself.
	pending := []int64{1}
	pos := int64(0)
	size := int64(len(buf))

	// missing is the lower bound when the value at pos is cut short and
	// every still pending value takes at least one byte.
	missing := func(end int64) scanResult {
		for _, p := range pending {
			end += p
		}
		return scanResult{need: end}
	}

	for len(pending) > 0 {
		top := len(pending) - 1
		if pending[top] == 0 {
			pending = pending[:top]
			continue
		}
		pending[top]--

		if pos >= size {
			return missing(pos + 1), nil
		}
		c := buf[pos]

		hdr, body, children, err := header(c)
		if err != nil {
			return scanResult{}, err
		}
		if pos+hdr > size {
			return missing(pos + hdr), nil
		}
		if body < 0 || children < 0 {
			// Length lives in the bytes after the code.
			n := readLength(c, buf[pos+1:pos+hdr])
			if body < 0 {
				body = n
			} else {
				children = n
				if isMap(c) {
					children *= 2
				}
			}
		}

		pos += hdr + body
		if pos > size {
			return missing(pos), nil
		}
		if children > 0 {
			if len(pending) > maxDepth {
				return scanResult{}, formatError(fmt.Sprintf("frame nested deeper than %d", maxDepth))
			}
			pending = append(pending, children)
		}
	}
	return scanResult{n: int(pos), need: pos}, nil
}

// header returns the header length, the body length and the number of
// nested values of a value starting with code c. A negative body or
// children means the length is encoded after the code.
func header(c byte) (hdr, body, children int64, err error) {
	switch {
	case msgpcode.IsFixedNum(c):
		return 1, 0, 0, nil
	case msgpcode.IsFixedMap(c):
		return 1, 0, 2 * int64(c&msgpcode.FixedMapMask), nil
	case msgpcode.IsFixedArray(c):
		return 1, 0, int64(c & msgpcode.FixedArrayMask), nil
	case msgpcode.IsFixedString(c):
		return 1, int64(c & msgpcode.FixedStrMask), 0, nil
	}

	switch c {
	case msgpcode.Nil, msgpcode.False, msgpcode.True:
		return 1, 0, 0, nil
	case msgpcode.Uint8, msgpcode.Int8:
		return 2, 0, 0, nil
	case msgpcode.Uint16, msgpcode.Int16:
		return 3, 0, 0, nil
	case msgpcode.Uint32, msgpcode.Int32, msgpcode.Float:
		return 5, 0, 0, nil
	case msgpcode.Uint64, msgpcode.Int64, msgpcode.Double:
		return 9, 0, 0, nil
	case msgpcode.FixExt1:
		return 3, 0, 0, nil
	case msgpcode.FixExt2:
		return 4, 0, 0, nil
	case msgpcode.FixExt4:
		return 6, 0, 0, nil
	case msgpcode.FixExt8:
		return 10, 0, 0, nil
	case msgpcode.FixExt16:
		return 18, 0, 0, nil
	case msgpcode.Bin8, msgpcode.Str8:
		return 2, -1, 0, nil
	case msgpcode.Bin16, msgpcode.Str16:
		return 3, -1, 0, nil
	case msgpcode.Bin32, msgpcode.Str32:
		return 5, -1, 0, nil
	// Ext lengths are followed by a one byte type.
	case msgpcode.Ext8:
		return 3, -1, 0, nil
	case msgpcode.Ext16:
		return 4, -1, 0, nil
	case msgpcode.Ext32:
		return 6, -1, 0, nil
	case msgpcode.Array16, msgpcode.Map16:
		return 3, 0, -1, nil
	case msgpcode.Array32, msgpcode.Map32:
		return 5, 0, -1, nil
	}
	return 0, 0, 0, &FrameError{Kind: FrameErrorParse, Msg: fmt.Sprintf("invalid msgpack code %#x", c)}
}

// readLength decodes the big-endian length following code c.
func readLength(c byte, b []byte) int64 {
	switch c {
	case msgpcode.Bin8, msgpcode.Str8, msgpcode.Ext8:
		return int64(b[0])
	case msgpcode.Bin16, msgpcode.Str16, msgpcode.Ext16, msgpcode.Array16, msgpcode.Map16:
		return int64(binary.BigEndian.Uint16(b))
	default:
		return int64(binary.BigEndian.Uint32(b))
	}
}

func isMap(c byte) bool {
	return c == msgpcode.Map16 || c == msgpcode.Map32
}
