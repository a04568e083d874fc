package ipc

import (
	"errors"
	"fmt"
)

// ErrInsufficientBytes reports that the buffer holds only a prefix of a
// frame. It is not a failure: the caller should retry once more bytes have
// arrived. No bytes are consumed.
var ErrInsufficientBytes = errors.New("insufficient bytes")

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorFormat indicates a structurally invalid frame.
	FrameErrorFormat FrameErrorKind = iota
	// FrameErrorHeader indicates a malformed header list or a bad table reference.
	FrameErrorHeader
	// FrameErrorParse indicates bytes that are not valid msgpack.
	FrameErrorParse
	// FrameErrorTooLarge indicates a frame exceeding the configured limit.
	FrameErrorTooLarge
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorFormat:
		return "frame_format"
	case FrameErrorHeader:
		return "header"
	case FrameErrorParse:
		return "parse"
	case FrameErrorTooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("FrameErrorKind(%d)", int(k))
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the connection must be closed.
// Every frame error is fatal: the decoder cannot resynchronise on a stream
// once a frame boundary is in doubt.
func (e *FrameError) IsFatal() bool {
	return true
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameErrorKindOf returns the kind of a frame error in err's chain.
func FrameErrorKindOf(err error) (FrameErrorKind, bool) {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.Kind, true
	}
	return 0, false
}

func formatError(msg string) *FrameError {
	return &FrameError{Kind: FrameErrorFormat, Msg: msg}
}
