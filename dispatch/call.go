package dispatch

import (
	"context"

	"github.com/zhiqiangxu/util"

	"github.com/pithecene-io/switchyard/ipc"
	"github.com/pithecene-io/switchyard/trace"
)

// Call is one slot invocation.
type Call struct {
	ctx      context.Context
	dispatch *Dispatch

	// Message is the decoded frame being handled.
	Message *ipc.Message
	// Upstream replies on the message's channel.
	Upstream Upstream

	forwarded bool
	next      *Dispatch
	err       error
}

// Context returns the invocation context. It carries the trace Context the
// handler runs under.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Dispatch returns the dispatch the slot is registered on.
func (c *Call) Dispatch() *Dispatch {
	return c.dispatch
}

// Forward asks for subsequent messages on the channel to be routed to next.
// The edge being handled must be a Forward edge and next must be bound to
// its destination node. A nil next ends the conversation. If the call fails
// instead, next is discarded with the failure.
func (c *Call) Forward(next *Dispatch) {
	c.forwarded = true
	c.next = next
}

// Go runs fn on a new goroutine tracked by the dispatch. fn receives a
// context carrying a snapshot of the caller's trace state.
func (c *Call) Go(fn func(ctx context.Context)) {
	ctx := trace.Detach(c.ctx)
	util.GoFunc(&c.dispatch.inflight, func() {
		fn(ctx)
	})
}

// abandon discards a forwarded dispatch that will never be installed
// because the call failed.
func (c *Call) abandon(err error) {
	if c.next != nil && c.next != c.dispatch {
		c.next.Discard(err)
	}
}
