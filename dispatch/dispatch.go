// Package dispatch routes decoded messages of one logical channel to typed
// handlers and walks the channel's protocol graph.
//
// A Dispatch is bound to one protocol node and owns a registry of slots
// keyed by message type id. The registry may be changed while messages are
// being dispatched, including by the handlers themselves: the registry lock
// is only held to copy the slot out, never while a handler runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pithecene-io/switchyard/graph"
	"github.com/pithecene-io/switchyard/ipc"
)

// Dispatch is the live state of one channel: a protocol node plus the slots
// currently attached to it.
type Dispatch struct {
	name  string
	proto *graph.Protocol
	node  *graph.Node

	mu    sync.Mutex
	slots map[uint64]Slot

	onDiscard func(error)
	discarded atomic.Bool
	inflight  sync.WaitGroup
}

// Option configures a Dispatch.
type Option func(*Dispatch)

// At binds the dispatch to node instead of the protocol root. node must
// belong to the protocol.
func At(node *graph.Node) Option {
	return func(d *Dispatch) {
		d.node = node
	}
}

// OnDiscard sets the function called when the channel ends abnormally.
// It runs at most once.
func OnDiscard(fn func(err error)) Option {
	return func(d *Dispatch) {
		d.onDiscard = fn
	}
}

// New creates a dispatch named name for proto, bound to its root node.
func New(name string, proto *graph.Protocol, opts ...Option) *Dispatch {
	d := &Dispatch{
		name:  name,
		proto: proto,
		node:  proto.Root(),
		slots: make(map[uint64]Slot),
	}
	for _, opt := range opts {
		opt(d)
	}
	if !proto.Contains(d.node) {
		panic(fmt.Sprintf("dispatch: %s: node is not part of protocol %s", name, proto.Name()))
	}
	return d
}

// Name returns the interface name used in diagnostics.
func (d *Dispatch) Name() string { return d.name }

// Protocol returns the protocol graph the dispatch walks.
func (d *Dispatch) Protocol() *graph.Protocol { return d.proto }

// Node returns the protocol node the dispatch is bound to.
func (d *Dispatch) Node() *graph.Node { return d.node }

// Root returns the root node of the dispatch's protocol.
func (d *Dispatch) Root() *graph.Node { return d.proto.Root() }

// Version returns the protocol schema revision.
func (d *Dispatch) Version() int { return d.proto.Version() }

// Register attaches s to typeID. The type must be declared at the
// dispatch's node and must not already have a slot.
func (d *Dispatch) Register(typeID uint64, s Slot) error {
	if _, ok := d.node.Transition(typeID); !ok {
		return d.slotError("register", typeID, ErrNotPermitted)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slots[typeID]; exists {
		return d.slotError("register", typeID, ErrDuplicateSlot)
	}
	d.slots[typeID] = s
	return nil
}

// On is Register for declarations; it panics on error and returns d for
// chaining:
//
//	d := dispatch.New("echo", proto).
//		On(0, dispatch.Blocking(ping)).
//		On(1, dispatch.Streamed(tail))
func (d *Dispatch) On(typeID uint64, s Slot) *Dispatch {
	if err := d.Register(typeID, s); err != nil {
		panic(err)
	}
	return d
}

// Unregister detaches the slot for typeID.
func (d *Dispatch) Unregister(typeID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slots[typeID]; !exists {
		return d.slotError("unregister", typeID, ErrSlotNotFound)
	}
	delete(d.slots, typeID)
	return nil
}

// Registered reports whether a slot is attached to typeID.
func (d *Dispatch) Registered(typeID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.slots[typeID]
	return ok
}

// Result is the outcome of dispatching one message.
type Result struct {
	// Transition tells the caller what to do with the channel.
	Transition graph.Kind
	// Next is the dispatch that takes over the channel after a Forward.
	Next *Dispatch
	// Value is the slot's synchronous result: the reply value of a Blocking
	// slot, the *Promise of a Deferred slot, the *Stream of a Streamed slot.
	Value any
	// Err is the handler failure already sent upstream as an error reply.
	Err error
}

// Dispatch hands msg to the slot registered for its type id and resolves
// the resulting transition against the protocol edge.
//
// The slot runs on the calling goroutine. ctx should carry the trace
// Context the handler runs under.
func (d *Dispatch) Dispatch(ctx context.Context, msg *ipc.Message, up Upstream) (Result, error) {
	d.mu.Lock()
	slot, ok := d.slots[msg.TypeID]
	d.mu.Unlock()

	if !ok {
		return Result{}, d.slotError("dispatch", msg.TypeID, ErrSlotNotFound)
	}
	edge, ok := d.node.Transition(msg.TypeID)
	if !ok {
		return Result{}, d.slotError("dispatch", msg.TypeID, fmt.Errorf("%w: %w", ErrSlotNotFound, ErrNotPermitted))
	}

	call := &Call{ctx: ctx, dispatch: d, Message: msg, Upstream: up}
	value, err := slot.Invoke(call)
	if errors.Is(err, ErrInvalidArgument) {
		call.abandon(err)
		return Result{}, d.slotError("decode", msg.TypeID, err)
	}
	if err != nil {
		call.abandon(err)
		return Result{}, d.slotError("dispatch", msg.TypeID, err)
	}

	res, err := d.resolve(edge, call)
	if err != nil {
		call.abandon(err)
		return Result{}, d.slotError("dispatch", msg.TypeID, err)
	}
	res.Value = value
	res.Err = call.err
	return res, nil
}

// resolve combines the handler's forward request with the protocol edge.
func (d *Dispatch) resolve(edge graph.Edge, call *Call) (Result, error) {
	switch edge.Kind {
	case graph.Recurrent, graph.Terminal:
		if call.forwarded {
			return Result{}, fmt.Errorf("%w: %s is %s", ErrTransition, edge.Name, edge.Kind)
		}
		return Result{Transition: edge.Kind}, nil

	case graph.Forward:
		if call.next == nil {
			return Result{Transition: graph.Terminal}, nil
		}
		if call.next.proto != d.proto || call.next.node != edge.Next {
			return Result{}, fmt.Errorf("%w: %s forwards to a dispatch bound to another node", ErrTransition, edge.Name)
		}
		return Result{Transition: graph.Forward, Next: call.next}, nil

	default:
		return Result{}, fmt.Errorf("%w: unknown edge kind %v", ErrTransition, edge.Kind)
	}
}

// Discard notifies the dispatch that its channel ended abnormally. The
// OnDiscard function runs once; later calls are ignored. Discard does not
// wait for handlers still running.
func (d *Dispatch) Discard(err error) {
	if !d.discarded.CompareAndSwap(false, true) {
		return
	}
	if d.onDiscard != nil {
		d.onDiscard(err)
	}
}

// Discarded reports whether Discard has been called.
func (d *Dispatch) Discarded() bool {
	return d.discarded.Load()
}

// Wait blocks until every goroutine started with Call.Go has returned.
func (d *Dispatch) Wait() {
	d.inflight.Wait()
}

func (d *Dispatch) slotError(op string, typeID uint64, err error) *SlotError {
	return &SlotError{Op: op, TypeID: typeID, Dispatch: d.name, Err: err}
}
