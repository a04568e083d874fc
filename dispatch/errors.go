package dispatch

import (
	"errors"
	"fmt"
)

// Registry and invocation errors. Use errors.Is; concrete errors are
// *SlotError.
var (
	// ErrDuplicateSlot is returned by Register when a slot already handles
	// the type id.
	ErrDuplicateSlot = errors.New("duplicate slot")

	// ErrSlotNotFound is returned when no slot handles the type id, or when
	// the protocol does not allow the type id at the current node.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrNotPermitted marks a type id the protocol node does not declare.
	// Dispatch errors carrying it also match ErrSlotNotFound.
	ErrNotPermitted = errors.New("message type not permitted at this protocol node")

	// ErrInvalidArgument is returned when message arguments do not decode
	// into the slot's argument type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransition is returned when a handler's forward contradicts the
	// protocol edge it was invoked on.
	ErrTransition = errors.New("illegal transition")

	// ErrCompleted is returned by Promise and Stream methods after the reply
	// has already been completed.
	ErrCompleted = errors.New("reply already completed")
)

// Error codes sent to peers in error replies.
const (
	CodeInternal        = 1
	CodeSlotNotFound    = 2
	CodeInvalidArgument = 3
	CodeTransition      = 4
)

// SlotError describes a failed registry operation or dispatch.
type SlotError struct {
	// Op is the failing operation: register, unregister, dispatch or decode.
	Op       string
	TypeID   uint64
	Dispatch string
	Err      error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s: %s type %d: %v", e.Dispatch, e.Op, e.TypeID, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

// Code returns the peer-visible error code for the failure.
func (e *SlotError) Code() int {
	switch {
	case errors.Is(e.Err, ErrSlotNotFound):
		return CodeSlotNotFound
	case errors.Is(e.Err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(e.Err, ErrTransition):
		return CodeTransition
	default:
		return CodeInternal
	}
}

// Code returns the error code carried by err, or CodeInternal. Handler
// errors may implement Code() int to choose their own.
func Code(err error) int {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeInternal
}
