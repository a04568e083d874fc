package ipc

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/switchyard/headers"
)

// rawFrame builds arbitrary msgpack bytes, including malformed frames.
func rawFrame(t testing.TB, build func(*msgpack.Encoder)) []byte {
	t.Helper()
	var buf bytes.Buffer
	build(msgpack.NewEncoder(&buf))
	return buf.Bytes()
}

func mustMarshal(t testing.TB, streamID, typeID uint64, args []any, hs ...headers.Header) []byte {
	t.Helper()
	frame, err := Marshal(streamID, typeID, args, hs...)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return frame
}

func TestDecoder_SingleFrame(t *testing.T) {
	frame := mustMarshal(t, 7, 3, []any{42, "x"})

	n, msg, err := NewDecoder().Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(frame) {
		t.Errorf("consumed = %d, want %d", n, len(frame))
	}
	if msg.StreamID != 7 {
		t.Errorf("StreamID = %d, want 7", msg.StreamID)
	}
	if msg.TypeID != 3 {
		t.Errorf("TypeID = %d, want 3", msg.TypeID)
	}
	if len(msg.Headers) != 0 {
		t.Errorf("Headers = %v, want none", msg.Headers)
	}

	values, err := msg.Values()
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	want := []any{int64(42), "x"}
	if !reflect.DeepEqual(values, want) {
		t.Errorf("Values = %#v, want %#v", values, want)
	}
}

func TestDecoder_DecodeArgsIntoStruct(t *testing.T) {
	type args struct {
		_msgpack struct{} `msgpack:",as_array"`
		Count    int
		Label    string
	}

	_, msg, err := NewDecoder().Decode(mustMarshal(t, 1, 0, []any{42, "x"}))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var got args
	if err := msg.DecodeArgs(&got); err != nil {
		t.Fatalf("DecodeArgs failed: %v", err)
	}
	if got.Count != 42 || got.Label != "x" {
		t.Errorf("args = %+v, want {42 x}", got)
	}
}

func TestDecoder_EmptyBuffer(t *testing.T) {
	n, msg, err := NewDecoder().Decode(nil)
	if !errors.Is(err, ErrInsufficientBytes) {
		t.Fatalf("err = %v, want ErrInsufficientBytes", err)
	}
	if n != 0 || msg != nil {
		t.Errorf("got n=%d msg=%v, want nothing consumed", n, msg)
	}
}

func TestDecoder_EveryPrefixIsInsufficient(t *testing.T) {
	frame := mustMarshal(t, 9, 1, []any{"hello", []byte{1, 2, 3}},
		headers.NewIndexed("authorization", []byte("token")))

	d := NewDecoder()
	for i := 0; i < len(frame); i++ {
		n, _, err := d.Decode(frame[:i])
		if !errors.Is(err, ErrInsufficientBytes) {
			t.Fatalf("prefix %d: err = %v, want ErrInsufficientBytes", i, err)
		}
		if n != 0 {
			t.Fatalf("prefix %d: consumed %d bytes", i, n)
		}
	}
	// Insufficient input must not touch the header table.
	if d.Table().Len() != 0 {
		t.Errorf("table Len = %d, want 0", d.Table().Len())
	}
}

func TestDecoder_ChunkedInputMatchesWholeFrame(t *testing.T) {
	frame := mustMarshal(t, 12, 5, []any{"payload", 3.5, []any{1, 2}, map[string]any{"k": "v"}},
		headers.New("request_id", []byte("req-1")))

	_, want, err := NewDecoder().Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 200; trial++ {
		d := NewDecoder()
		var buf []byte
		var got *Message
		consumed := 0

		for offset := 0; offset < len(frame); {
			step := 1 + rng.IntN(len(frame)-offset)
			buf = append(buf, frame[offset:offset+step]...)
			offset += step

			n, msg, err := d.Decode(buf)
			if errors.Is(err, ErrInsufficientBytes) {
				continue
			}
			if err != nil {
				t.Fatalf("trial %d: Decode failed: %v", trial, err)
			}
			got = msg
			consumed = n
			buf = buf[n:]
		}

		if got == nil {
			t.Fatalf("trial %d: no message decoded", trial)
		}
		if consumed != len(frame) {
			t.Errorf("trial %d: consumed = %d, want %d", trial, consumed, len(frame))
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("trial %d: message = %+v, want %+v", trial, got, want)
		}
	}
}

func TestDecoder_PipelinedFrames(t *testing.T) {
	var stream []byte
	for i := uint64(0); i < 3; i++ {
		stream = append(stream, mustMarshal(t, i+1, i, []any{i})...)
	}

	d := NewDecoder()
	for i := uint64(0); i < 3; i++ {
		n, msg, err := d.Decode(stream)
		if err != nil {
			t.Fatalf("frame %d: Decode failed: %v", i, err)
		}
		if msg.StreamID != i+1 || msg.TypeID != i {
			t.Errorf("frame %d: got [%d %d], want [%d %d]", i, msg.StreamID, msg.TypeID, i+1, i)
		}
		stream = stream[n:]
	}
	if len(stream) != 0 {
		t.Errorf("%d bytes left over", len(stream))
	}
}

func TestDecoder_FrameFormatErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(*msgpack.Encoder)
	}{
		{"map instead of array", func(e *msgpack.Encoder) {
			_ = e.EncodeMapLen(0)
		}},
		{"scalar", func(e *msgpack.Encoder) {
			_ = e.EncodeUint(7)
		}},
		{"two elements", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(2)
			_ = e.EncodeUint(1)
			_ = e.EncodeUint(2)
		}},
		{"empty array", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(0)
		}},
		{"negative stream id", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(3)
			_ = e.EncodeInt(-1)
			_ = e.EncodeUint(0)
			_ = e.EncodeArrayLen(0)
		}},
		{"negative int8 type id", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(3)
			_ = e.EncodeUint(1)
			_ = e.EncodeInt8(-100)
			_ = e.EncodeArrayLen(0)
		}},
		{"string type id", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(3)
			_ = e.EncodeUint(1)
			_ = e.EncodeString("invoke")
			_ = e.EncodeArrayLen(0)
		}},
		{"float stream id", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(3)
			_ = e.EncodeFloat64(1)
			_ = e.EncodeUint(0)
			_ = e.EncodeArrayLen(0)
		}},
		{"args not array", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(3)
			_ = e.EncodeUint(1)
			_ = e.EncodeUint(0)
			_ = e.EncodeString("args")
		}},
		{"headers not array", func(e *msgpack.Encoder) {
			_ = e.EncodeArrayLen(4)
			_ = e.EncodeUint(1)
			_ = e.EncodeUint(0)
			_ = e.EncodeArrayLen(0)
			_ = e.EncodeMapLen(0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := rawFrame(t, tt.build)

			n, msg, err := NewDecoder().Decode(frame)
			kind, ok := FrameErrorKindOf(err)
			if !ok || kind != FrameErrorFormat {
				t.Fatalf("err = %v, want frame format error", err)
			}
			if n != 0 || msg != nil {
				t.Errorf("got n=%d msg=%v, want nothing consumed", n, msg)
			}
			if !IsFatalFrameError(err) {
				t.Error("frame format errors must be fatal")
			}
		})
	}
}

func TestDecoder_SignedNonNegativeIDs(t *testing.T) {
	frame := rawFrame(t, func(e *msgpack.Encoder) {
		_ = e.EncodeArrayLen(3)
		_ = e.EncodeInt64(5)
		_ = e.EncodeInt8(2)
		_ = e.EncodeArrayLen(0)
	})

	_, msg, err := NewDecoder().Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.StreamID != 5 || msg.TypeID != 2 {
		t.Errorf("got [%d %d], want [5 2]", msg.StreamID, msg.TypeID)
	}
}

func TestDecoder_HeaderError(t *testing.T) {
	// First header is valid and indexed, second references a missing entry.
	frame := rawFrame(t, func(e *msgpack.Encoder) {
		_ = e.EncodeArrayLen(4)
		_ = e.EncodeUint(1)
		_ = e.EncodeUint(0)
		_ = e.EncodeArrayLen(0)
		_ = e.EncodeArrayLen(2)
		_ = e.EncodeArrayLen(3)
		_ = e.EncodeBool(true)
		_ = e.EncodeString("authorization")
		_ = e.EncodeString("token")
		_ = e.EncodeUint(uint64(headers.StaticLen + 40))
	})

	d := NewDecoder()
	n, _, err := d.Decode(frame)
	kind, ok := FrameErrorKindOf(err)
	if !ok || kind != FrameErrorHeader {
		t.Fatalf("err = %v, want header error", err)
	}
	if !errors.Is(err, headers.ErrIndex) {
		t.Errorf("err = %v, want wrapped headers.ErrIndex", err)
	}
	if n != 0 {
		t.Errorf("consumed = %d, want 0", n)
	}
	if d.Table().Len() != 0 {
		t.Errorf("table Len = %d, want 0 after rejected frame", d.Table().Len())
	}
}

func TestDecoder_ParseError(t *testing.T) {
	// 0xc1 is never used by msgpack.
	_, _, err := NewDecoder().Decode([]byte{0x93, 0x01, 0xc1, 0x90})
	kind, ok := FrameErrorKindOf(err)
	if !ok || kind != FrameErrorParse {
		t.Fatalf("err = %v, want parse error", err)
	}
}

func TestDecoder_TooLarge(t *testing.T) {
	frame := mustMarshal(t, 1, 1, []any{string(make([]byte, 64))})

	d := NewDecoder(WithMaxFrameSize(32))
	_, _, err := d.Decode(frame)
	if kind, ok := FrameErrorKindOf(err); !ok || kind != FrameErrorTooLarge {
		t.Errorf("complete frame: err = %v, want too large", err)
	}

	// An incomplete frame that already exceeds the limit is rejected too.
	_, _, err = d.Decode(frame[:len(frame)-1])
	if kind, ok := FrameErrorKindOf(err); !ok || kind != FrameErrorTooLarge {
		t.Errorf("partial frame: err = %v, want too large", err)
	}
}

func TestDecoder_HeaderTableAcrossFrames(t *testing.T) {
	first := mustMarshal(t, 1, 0, nil, headers.NewIndexed("authorization", []byte("token-1")))
	second := rawFrame(t, func(e *msgpack.Encoder) {
		_ = e.EncodeArrayLen(4)
		_ = e.EncodeUint(3)
		_ = e.EncodeUint(0)
		_ = e.EncodeArrayLen(0)
		_ = e.EncodeArrayLen(1)
		_ = e.EncodeUint(uint64(headers.StaticLen)) // newest dynamic entry
	})

	d := NewDecoder()
	if _, _, err := d.Decode(first); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	_, msg, err := d.Decode(second)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}

	h, ok := msg.Header("authorization")
	if !ok || string(h.Value) != "token-1" {
		t.Errorf("Header(authorization) = %+v, %v; want token-1", h, ok)
	}
}

func TestDecoder_TrailingElementsIgnored(t *testing.T) {
	frame := rawFrame(t, func(e *msgpack.Encoder) {
		_ = e.EncodeArrayLen(5)
		_ = e.EncodeUint(1)
		_ = e.EncodeUint(2)
		_ = e.EncodeArrayLen(0)
		_ = e.EncodeArrayLen(0)
		_ = e.EncodeString("reserved")
	})

	n, _, err := NewDecoder().Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(frame) {
		t.Errorf("consumed = %d, want %d", n, len(frame))
	}
}

func TestEncoder_MirrorsDecoderTable(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(&wire, headers.NewTable(headers.DefaultTableSize))
	auth := headers.NewIndexed("authorization", []byte("token-1"))

	for i := uint64(0); i < 3; i++ {
		if err := enc.Encode(i, 0, []any{"ping"}, auth); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}

	d := NewDecoder()
	buf := wire.Bytes()
	for i := uint64(0); i < 3; i++ {
		n, msg, err := d.Decode(buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		h, ok := msg.Header("authorization")
		if !ok || string(h.Value) != "token-1" {
			t.Errorf("frame %d: authorization = %+v, %v", i, h, ok)
		}
		buf = buf[n:]
	}
}

func TestDecoder_NestingLimit(t *testing.T) {
	// Each 0x91 opens a one-element array inside the previous one.
	_, _, err := NewDecoder().Decode(bytes.Repeat([]byte{0x91}, 8<<20))
	if kind, ok := FrameErrorKindOf(err); !ok || kind != FrameErrorFormat {
		t.Fatalf("err = %v, want format error", err)
	}
}

func TestDecoder_WithMaxDepth(t *testing.T) {
	// [1, 2, [[[]]]] nests three arrays below the frame.
	frame := []byte{0x93, 0x01, 0x02, 0x91, 0x91, 0x90}

	if _, _, err := NewDecoder(WithMaxDepth(3)).Decode(frame); err != nil {
		t.Errorf("depth 3: Decode failed: %v", err)
	}
	_, _, err := NewDecoder(WithMaxDepth(2)).Decode(frame)
	if kind, ok := FrameErrorKindOf(err); !ok || kind != FrameErrorFormat {
		t.Errorf("depth 2: err = %v, want format error", err)
	}
	if _, _, err := NewDecoder(WithMaxDepth(0)).Decode(frame); err != nil {
		t.Errorf("default depth: Decode failed: %v", err)
	}
}

func TestDecoder_DeclaredSizeTooLarge(t *testing.T) {
	frame := mustMarshal(t, 1, 1, []any{string(make([]byte, 1<<20))})

	// The string header alone announces more than the limit allows.
	d := NewDecoder(WithMaxFrameSize(64 << 10))
	_, _, err := d.Decode(frame[:16])
	if kind, ok := FrameErrorKindOf(err); !ok || kind != FrameErrorTooLarge {
		t.Errorf("err = %v, want too large", err)
	}
}

func TestDecoder_LargeFrameInSmallChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 12<<20)
	frame := mustMarshal(t, 4, 2, []any{payload, "tail"})

	d := NewDecoder()
	const step = 4096
	start := time.Now()
	for end := step; ; end += step {
		if end > len(frame) {
			end = len(frame)
		}
		n, msg, err := d.Decode(frame[:end])
		if errors.Is(err, ErrInsufficientBytes) {
			if end == len(frame) {
				t.Fatal("complete frame reported as insufficient")
			}
			continue
		}
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if n != len(frame) || msg.StreamID != 4 {
			t.Fatalf("got n=%d stream=%d, want n=%d stream=4", n, msg.StreamID, len(frame))
		}
		break
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("decoding took %v", elapsed)
	}
}

func TestDecoder_ShorterBufferRescans(t *testing.T) {
	frame := mustMarshal(t, 1, 0, []any{"hello"})
	d := NewDecoder()

	// A long declared string leaves a large pending requirement.
	long := mustMarshal(t, 1, 0, []any{string(make([]byte, 1024))})
	if _, _, err := d.Decode(long[:32]); !errors.Is(err, ErrInsufficientBytes) {
		t.Fatalf("err = %v, want ErrInsufficientBytes", err)
	}

	// A new, shorter buffer is scanned afresh.
	n, _, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(frame) {
		t.Errorf("consumed = %d, want %d", n, len(frame))
	}
}
