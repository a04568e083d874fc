package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// SlotKind tags how a slot completes its reply.
type SlotKind int

const (
	// KindBlocking replies with the handler's return value.
	KindBlocking SlotKind = iota
	// KindDeferred replies once, later, through a Promise.
	KindDeferred
	// KindStreamed replies with any number of values through a Stream.
	KindStreamed
)

func (k SlotKind) String() string {
	switch k {
	case KindBlocking:
		return "blocking"
	case KindDeferred:
		return "deferred"
	case KindStreamed:
		return "streamed"
	default:
		return fmt.Sprintf("SlotKind(%d)", int(k))
	}
}

// Slot is a handler bound to one message type.
type Slot interface {
	Kind() SlotKind
	// Invoke handles the call. The returned value is the synchronous result,
	// reported in Result.Value. Errors returned by Invoke fail the dispatch;
	// handler failures that were already replied upstream are not returned.
	Invoke(c *Call) (any, error)
}

func decodeArgs[A any](c *Call) (A, error) {
	var args A
	if err := msgpack.Unmarshal(c.Message.Args, &args); err != nil {
		return args, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return args, nil
}

type blocking[A, R any] struct {
	fn func(*Call, A) (R, error)
}

// Blocking returns a slot that replies with fn's return value, or with an
// error reply if fn fails. A is the argument schema, typically a struct
// tagged `msgpack:",as_array"`.
func Blocking[A, R any](fn func(c *Call, args A) (R, error)) Slot {
	return &blocking[A, R]{fn: fn}
}

func (s *blocking[A, R]) Kind() SlotKind { return KindBlocking }

func (s *blocking[A, R]) Invoke(c *Call) (any, error) {
	args, err := decodeArgs[A](c)
	if err != nil {
		return nil, err
	}
	v, err := s.fn(c, args)
	if err != nil {
		c.err = err
		return nil, replyError(c.Upstream, err)
	}
	if err := sendValue(c.Upstream, v); err != nil {
		return nil, err
	}
	return v, nil
}

type deferred[A, R any] struct {
	fn func(*Call, A, *Promise[R]) error
}

// Deferred returns a slot whose handler accepts the call and completes it
// later through the Promise, usually from a goroutine started with Call.Go.
// An error returned by fn rejects the promise if it is still pending.
func Deferred[A, R any](fn func(c *Call, args A, p *Promise[R]) error) Slot {
	return &deferred[A, R]{fn: fn}
}

func (s *deferred[A, R]) Kind() SlotKind { return KindDeferred }

func (s *deferred[A, R]) Invoke(c *Call) (any, error) {
	args, err := decodeArgs[A](c)
	if err != nil {
		return nil, err
	}
	p := &Promise[R]{up: c.Upstream}
	if err := s.fn(c, args, p); err != nil {
		c.err = err
		if rerr := p.Reject(err); rerr != nil && !errors.Is(rerr, ErrCompleted) {
			return nil, rerr
		}
	}
	return p, nil
}

type streamed[A, R any] struct {
	fn func(*Call, A, *Stream[R]) error
}

// Streamed returns a slot whose handler emits any number of values through
// the Stream and finishes with Close or Error. An error returned by fn is
// sent as the stream's error if the stream is still open.
func Streamed[A, R any](fn func(c *Call, args A, s *Stream[R]) error) Slot {
	return &streamed[A, R]{fn: fn}
}

func (s *streamed[A, R]) Kind() SlotKind { return KindStreamed }

func (s *streamed[A, R]) Invoke(c *Call) (any, error) {
	args, err := decodeArgs[A](c)
	if err != nil {
		return nil, err
	}
	st := &Stream[R]{up: c.Upstream}
	if err := s.fn(c, args, st); err != nil {
		c.err = err
		if serr := st.Error(err); serr != nil && !errors.Is(serr, ErrCompleted) {
			return nil, serr
		}
	}
	return st, nil
}

// replyError sends err upstream. It returns nil once the error is
// delivered, so the dispatch itself does not fail.
func replyError(up Upstream, err error) error {
	if serr := sendError(up, err); serr != nil {
		return fmt.Errorf("reply error %q: %w", err, serr)
	}
	return nil
}

// Promise completes a deferred reply exactly once.
type Promise[R any] struct {
	mu   sync.Mutex
	up   Upstream
	done bool
}

// Resolve replies with v.
func (p *Promise[R]) Resolve(v R) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrCompleted
	}
	p.done = true
	return sendValue(p.up, v)
}

// Reject replies with err.
func (p *Promise[R]) Reject(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrCompleted
	}
	p.done = true
	return sendError(p.up, err)
}

// Done reports whether the promise has been completed.
func (p *Promise[R]) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Stream emits an ordered sequence of values terminated by Close or Error.
// It is safe for concurrent use; values reach the peer in the order the
// Write calls complete.
type Stream[R any] struct {
	mu     sync.Mutex
	up     Upstream
	closed bool
}

// Write emits one value.
func (s *Stream[R]) Write(v R) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCompleted
	}
	return sendValue(s.up, v)
}

// Error terminates the stream with err.
func (s *Stream[R]) Error(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCompleted
	}
	s.closed = true
	return sendError(s.up, err)
}

// Close terminates the stream normally.
func (s *Stream[R]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCompleted
	}
	s.closed = true
	return sendClose(s.up)
}

// Closed reports whether the stream has been terminated.
func (s *Stream[R]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
