// Package trace carries distributed tracing identifiers through nested call
// legs.
//
// A State is the (trace, span, parent, rpc name) tuple of one call leg. A
// Context holds the active State of one execution context plus at most one
// saved State for push/pop nesting. Contexts travel explicitly inside
// context.Context and are never shared between goroutines: code handing work
// to another goroutine snapshots the state with Detach.
package trace

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
)

const (
	// MaxID is the largest legal identifier. The top bit is never set so
	// consumers that store ids as signed 64-bit integers can read them.
	MaxID uint64 = 1<<63 - 1

	// MaxRPCName bounds the length of State.RPCName in bytes.
	MaxRPCName = 64
)

// ErrInvalidParameters is returned when a State violates the id invariants.
var ErrInvalidParameters = errors.New("invalid trace parameters")

// State identifies one call leg.
type State struct {
	TraceID  uint64
	SpanID   uint64
	ParentID uint64
	RPCName  string
}

// New validates and returns a State. A zero trace id requires zero span and
// parent ids; a non-zero trace id requires a non-zero span id.
func New(traceID, spanID, parentID uint64, rpcName string) (State, error) {
	if traceID > MaxID || spanID > MaxID || parentID > MaxID {
		return State{}, invalid(traceID, spanID, parentID)
	}
	if traceID == 0 && (spanID != 0 || parentID != 0) {
		return State{}, invalid(traceID, spanID, parentID)
	}
	if traceID != 0 && spanID == 0 {
		return State{}, invalid(traceID, spanID, parentID)
	}
	return State{
		TraceID:  traceID,
		SpanID:   spanID,
		ParentID: parentID,
		RPCName:  truncate(rpcName),
	}, nil
}

// Generate returns a fresh root State whose trace and span ids are equal.
func Generate(rpcName string) State {
	id := NewID()
	return State{TraceID: id, SpanID: id, RPCName: truncate(rpcName)}
}

// NewID samples a uniformly distributed id in [1, MaxID-1].
func NewID() uint64 {
	return rand.Uint64N(MaxID-1) + 1
}

// Empty reports whether s is the disabled trace.
func (s State) Empty() bool {
	return s.TraceID == 0
}

func (s State) String() string {
	if s.Empty() {
		return "<no trace>"
	}
	return fmt.Sprintf("%s/%s/%s %s", Hex(s.TraceID), Hex(s.SpanID), Hex(s.ParentID), s.RPCName)
}

// Hex renders an id in lowercase hexadecimal without padding.
func Hex(id uint64) string {
	return strconv.FormatUint(id, 16)
}

func invalid(traceID, spanID, parentID uint64) error {
	return fmt.Errorf("%w: %d %d %d", ErrInvalidParameters, traceID, spanID, parentID)
}

func truncate(name string) string {
	if len(name) > MaxRPCName {
		return name[:MaxRPCName]
	}
	return name
}
