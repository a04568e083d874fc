// Package metrics provides in-process counters for the dispatch runtime.
//
// A Collector is shared by every session of a listener. It is a leaf
// package with no internal dependencies: callers pass error kinds and
// transition kinds as strings.
package metrics

import (
	"maps"
	"sync"
)

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Sessions (one per connection)
	SessionsOpened int64
	SessionsClosed int64

	// Wire
	FramesDecoded      int64
	DecodeErrors       int64
	DecodeErrorsByKind map[string]int64
	FramesSent         int64

	// Dispatch
	ChannelsOpened    int64
	Dispatches        int64
	SlotNotFound      int64
	HandlerErrors     int64
	HandlerPanics     int64
	Transitions       map[string]int64
	ChannelsDiscarded int64

	// Registrar (ephemeral registrations released on discard)
	RegistrationSuccess int64
	RegistrationFailure int64

	// Dimensions (informational, set at construction)
	Service string
	Listen  string
}

// Collector accumulates counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sessionsOpened int64
	sessionsClosed int64

	framesDecoded      int64
	decodeErrors       int64
	decodeErrorsByKind map[string]int64
	framesSent         int64

	channelsOpened    int64
	dispatches        int64
	slotNotFound      int64
	handlerErrors     int64
	handlerPanics     int64
	transitions       map[string]int64
	channelsDiscarded int64

	registrationSuccess int64
	registrationFailure int64

	service string
	listen  string
}

// NewCollector creates a Collector labelled with the service name and the
// listen address.
func NewCollector(service, listen string) *Collector {
	return &Collector{
		decodeErrorsByKind: make(map[string]int64),
		transitions:        make(map[string]int64),
		service:            service,
		listen:             listen,
	}
}

func (c *Collector) inc(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// --- Sessions ---

// IncSessionOpened records an accepted connection.
func (c *Collector) IncSessionOpened() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsOpened)
}

// IncSessionClosed records a finished connection.
func (c *Collector) IncSessionClosed() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsClosed)
}

// --- Wire ---

// IncFramesDecoded records a successfully decoded frame.
func (c *Collector) IncFramesDecoded() {
	if c == nil {
		return
	}
	c.inc(&c.framesDecoded)
}

// IncDecodeError records a fatal decode error of the given kind.
func (c *Collector) IncDecodeError(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.decodeErrorsByKind[kind]++
	c.mu.Unlock()
}

// IncFramesSent records a reply frame written to the peer.
func (c *Collector) IncFramesSent() {
	if c == nil {
		return
	}
	c.inc(&c.framesSent)
}

// --- Dispatch ---

// IncChannelOpened records a new stream id bound to a root dispatch.
func (c *Collector) IncChannelOpened() {
	if c == nil {
		return
	}
	c.inc(&c.channelsOpened)
}

// IncDispatch records a message handed to a dispatch.
func (c *Collector) IncDispatch() {
	if c == nil {
		return
	}
	c.inc(&c.dispatches)
}

// IncSlotNotFound records a message no slot could handle.
func (c *Collector) IncSlotNotFound() {
	if c == nil {
		return
	}
	c.inc(&c.slotNotFound)
}

// IncHandlerError records a handler failure replied upstream.
func (c *Collector) IncHandlerError() {
	if c == nil {
		return
	}
	c.inc(&c.handlerErrors)
}

// IncHandlerPanic records a recovered handler panic.
func (c *Collector) IncHandlerPanic() {
	if c == nil {
		return
	}
	c.inc(&c.handlerPanics)
}

// IncTransition records a resolved transition (recurrent, terminal, forward).
func (c *Collector) IncTransition(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transitions[kind]++
	c.mu.Unlock()
}

// IncChannelDiscarded records a dispatch discarded on abnormal close.
func (c *Collector) IncChannelDiscarded() {
	if c == nil {
		return
	}
	c.inc(&c.channelsDiscarded)
}

// --- Registrar ---

// IncRegistrationSuccess records a successful registrar call.
func (c *Collector) IncRegistrationSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.registrationSuccess)
}

// IncRegistrationFailure records a failed registrar call.
func (c *Collector) IncRegistrationFailure() {
	if c == nil {
		return
	}
	c.inc(&c.registrationFailure)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		SessionsOpened: c.sessionsOpened,
		SessionsClosed: c.sessionsClosed,

		FramesDecoded:      c.framesDecoded,
		DecodeErrors:       c.decodeErrors,
		DecodeErrorsByKind: maps.Clone(c.decodeErrorsByKind),
		FramesSent:         c.framesSent,

		ChannelsOpened:    c.channelsOpened,
		Dispatches:        c.dispatches,
		SlotNotFound:      c.slotNotFound,
		HandlerErrors:     c.handlerErrors,
		HandlerPanics:     c.handlerPanics,
		Transitions:       maps.Clone(c.transitions),
		ChannelsDiscarded: c.channelsDiscarded,

		RegistrationSuccess: c.registrationSuccess,
		RegistrationFailure: c.registrationFailure,

		Service: c.service,
		Listen:  c.listen,
	}
}
