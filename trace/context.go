package trace

import "context"

// Context is the trace stack of one execution context. The zero value is an
// empty trace. A Context is not safe for concurrent use.
type Context struct {
	current  State
	previous State
	pushed   bool
}

// Current returns the active state.
func (c *Context) Current() State {
	return c.current
}

// Set replaces the active state and drops any saved state.
func (c *Context) Set(s State) {
	*c = Context{current: s}
}

// Push enters a nested call leg: the active state is saved, a new span id is
// drawn and the previous span becomes the parent. Push on an empty trace is
// a no-op.
func (c *Context) Push(rpcName string) {
	if c.current.Empty() {
		return
	}
	c.previous = c.current
	c.pushed = true
	c.current.SpanID = NewID()
	c.current.ParentID = c.previous.SpanID
	c.current.RPCName = truncate(rpcName)
}

// Pop leaves the call leg entered by Push. Pop on an empty trace is a no-op.
// It panics if no state was saved.
func (c *Context) Pop() {
	if c.current.Empty() {
		return
	}
	if !c.pushed {
		panic("trace: pop without a pushed state")
	}
	c.current = c.previous
	c.previous = State{}
	c.pushed = false
}

// Pushed reports whether a saved state exists.
func (c *Context) Pushed() bool {
	return c.pushed
}

// Restore runs the caller's scope under s. The returned function puts back
// whatever was active before and must be called on every exit path:
//
//	defer trace.Restore(tc, msgState)()
//
// An empty s leaves the context unchanged.
func Restore(c *Context, s State) func() {
	if s.Empty() {
		return func() {}
	}
	saved := *c
	c.Set(s)
	return func() { *c = saved }
}

// PushScope enters a nested call leg and returns the function that leaves
// it.
func PushScope(c *Context, rpcName string) func() {
	if c.current.Empty() {
		return func() {}
	}
	c.Push(rpcName)
	return c.Pop
}

type contextKey struct{}

// NewContext returns ctx carrying a fresh empty trace Context.
func NewContext(ctx context.Context) (context.Context, *Context) {
	tc := &Context{}
	return context.WithValue(ctx, contextKey{}, tc), tc
}

// From returns the trace Context carried by ctx, or nil.
func From(ctx context.Context) *Context {
	tc, _ := ctx.Value(contextKey{}).(*Context)
	return tc
}

// CurrentFrom returns the active state carried by ctx. A ctx without a trace
// Context yields the empty state.
func CurrentFrom(ctx context.Context) State {
	if tc := From(ctx); tc != nil {
		return tc.Current()
	}
	return State{}
}

// Detach returns a context for another goroutine: it carries a new trace
// Context seeded with the active state of ctx. The two never share a
// Context.
func Detach(ctx context.Context) context.Context {
	state := CurrentFrom(ctx)
	ctx, tc := NewContext(ctx)
	tc.Set(state)
	return ctx
}
