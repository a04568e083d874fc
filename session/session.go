// Package session drives the dispatch core over one connection.
//
// A Session reads bytes, decodes frames, routes each message to the
// dispatch bound to its stream id and applies the resulting transition.
// New stream ids are bound to a root dispatch produced by the Factory.
// When the connection ends while channels are still open, every remaining
// dispatch is discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/switchyard/dispatch"
	"github.com/pithecene-io/switchyard/graph"
	"github.com/pithecene-io/switchyard/iox"
	"github.com/pithecene-io/switchyard/ipc"
	"github.com/pithecene-io/switchyard/log"
	"github.com/pithecene-io/switchyard/metrics"
	"github.com/pithecene-io/switchyard/trace"
)

// DefaultReadSize is the size of a single read from the connection.
const DefaultReadSize = 4096

// ErrConnectionClosed is the discard cause when the peer closes the
// connection with channels still open.
var ErrConnectionClosed = errors.New("connection closed with open channels")

// Factory returns the root dispatch for a stream id newly seen on the
// session identified by sessionID.
type Factory func(sessionID string, streamID uint64) (*dispatch.Dispatch, error)

// Session serves one connection.
type Session struct {
	id      string
	conn    io.ReadWriteCloser
	open    Factory
	dec     *ipc.Decoder
	enc     *ipc.Encoder
	logger  *log.Logger
	metrics *metrics.Collector

	readSize   int
	decOptions []ipc.Option

	mu       sync.Mutex
	channels map[uint64]*dispatch.Dispatch

	closer *iox.OnceCloser
	wg     sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to log.Nop().
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics collector. A nil collector is allowed.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithReadSize sets the size of a single read.
func WithReadSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.readSize = n
		}
	}
}

// WithDecoderOptions configures the frame decoder.
func WithDecoderOptions(opts ...ipc.Option) Option {
	return func(s *Session) { s.decOptions = append(s.decOptions, opts...) }
}

// New creates a session over conn. Replies are written to conn; the
// encoder does not compress headers.
func New(conn io.ReadWriteCloser, open Factory, opts ...Option) *Session {
	s := &Session{
		id:       trace.Hex(trace.NewID()),
		conn:     conn,
		closer:   iox.NewOnceCloser(conn),
		open:     open,
		logger:   log.Nop(),
		readSize: DefaultReadSize,
		channels: make(map[uint64]*dispatch.Dispatch),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dec = ipc.NewDecoder(s.decOptions...)
	s.enc = ipc.NewEncoder(conn, nil)
	s.logger = s.logger.With(map[string]any{"session_id": s.id})
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Channels returns the number of open channels.
func (s *Session) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Open returns the dispatch bound to streamID, creating the root dispatch
// if the channel is new.
func (s *Session) Open(streamID uint64) (*dispatch.Dispatch, error) {
	s.mu.Lock()
	d, ok := s.channels[streamID]
	s.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := s.open(s.id, streamID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("session: factory returned no dispatch for stream %d", streamID)
	}

	s.mu.Lock()
	s.channels[streamID] = d
	s.mu.Unlock()
	s.metrics.IncChannelOpened()
	return d, nil
}

// Serve runs the read loop until the connection ends, ctx is cancelled or
// a fatal decode error occurs. A clean end of stream returns nil.
func (s *Session) Serve(ctx context.Context) (err error) {
	s.metrics.IncSessionOpened()
	ctx, cancel := context.WithCancel(ctx)

	defer func() {
		cancel()
		s.shutdown(err)
		s.wg.Wait()
		s.metrics.IncSessionClosed()
	}()

	iox.CloseOnDone(ctx, &s.wg, s.closer)

	buf := make([]byte, 0, s.readSize)
	chunk := make([]byte, s.readSize)
	for {
		n, rerr := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if buf, err = s.drain(ctx, buf); err != nil {
				return err
			}
		}
		if rerr != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(rerr, io.EOF):
				if len(buf) > 0 {
					return fmt.Errorf("session: %d bytes of partial frame at end of stream: %w", len(buf), io.ErrUnexpectedEOF)
				}
				return nil
			default:
				return rerr
			}
		}
	}
}

// drain decodes and handles every complete frame in buf and returns the
// unconsumed remainder, moved to the front of buf.
func (s *Session) drain(ctx context.Context, buf []byte) ([]byte, error) {
	offset := 0
	for offset < len(buf) {
		n, msg, err := s.dec.Decode(buf[offset:])
		if errors.Is(err, ipc.ErrInsufficientBytes) {
			break
		}
		if err != nil {
			s.decodeFailed(err)
			return buf, err
		}
		offset += n
		s.metrics.IncFramesDecoded()
		s.handle(ctx, msg)
	}
	if offset == 0 {
		return buf, nil
	}
	rest := copy(buf, buf[offset:])
	return buf[:rest], nil
}

func (s *Session) decodeFailed(err error) {
	kind, _ := ipc.FrameErrorKindOf(err)
	s.metrics.IncDecodeError(kind.String())

	var message string
	switch kind {
	case ipc.FrameErrorFormat:
		message = "frame format error"
	case ipc.FrameErrorHeader:
		message = "header table error"
	case ipc.FrameErrorParse:
		message = "parse error"
	default:
		message = "frame error"
	}
	s.logger.Error(message, map[string]any{"error": err.Error()})
}

// handle dispatches one message and applies its transition.
func (s *Session) handle(ctx context.Context, msg *ipc.Message) {
	up := s.upstream(msg.StreamID)

	d, err := s.Open(msg.StreamID)
	if err != nil {
		s.logger.Warn("failed to open channel", map[string]any{
			"stream_id": msg.StreamID,
			"error":     err.Error(),
		})
		_ = up.Send(graph.ErrorType, dispatch.CodeInternal, err.Error())
		return
	}

	state, err := trace.FromHeaders(msg.Headers)
	if err != nil {
		s.logger.Warn("ignoring invalid trace headers", map[string]any{
			"stream_id": msg.StreamID,
			"error":     err.Error(),
		})
	}
	ctx, tc := trace.NewContext(ctx)
	defer trace.Restore(tc, state)()

	s.metrics.IncDispatch()
	res, err := s.invoke(ctx, d, msg, up)
	if err != nil {
		s.revoke(msg, d, up, err)
		return
	}

	s.metrics.IncTransition(res.Transition.String())
	if res.Err != nil {
		s.metrics.IncHandlerError()
		s.logger.Debug("handler failed", map[string]any{
			"stream_id": msg.StreamID,
			"type_id":   msg.TypeID,
			"trace_id":  trace.Hex(state.TraceID),
			"error":     res.Err.Error(),
		})
	}

	switch res.Transition {
	case graph.Terminal:
		s.remove(msg.StreamID, d)
	case graph.Forward:
		s.mu.Lock()
		if s.channels[msg.StreamID] == d {
			s.channels[msg.StreamID] = res.Next
		}
		s.mu.Unlock()
	}
}

// invoke runs the dispatch and turns a handler panic into an error.
func (s *Session) invoke(ctx context.Context, d *dispatch.Dispatch, msg *ipc.Message, up dispatch.Upstream) (res dispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncHandlerPanic()
			s.logger.Error("handler panicked", map[string]any{
				"stream_id": msg.StreamID,
				"type_id":   msg.TypeID,
				"dispatch":  d.Name(),
				"panic":     fmt.Sprint(r),
			})
			err = fmt.Errorf("session: handler for type %d panicked: %v", msg.TypeID, r)
		}
	}()
	return d.Dispatch(ctx, msg, up)
}

// revoke replies with err and drops the channel.
func (s *Session) revoke(msg *ipc.Message, d *dispatch.Dispatch, up dispatch.Upstream, err error) {
	reason := err.Error()
	if errors.Is(err, dispatch.ErrSlotNotFound) {
		s.metrics.IncSlotNotFound()
		reason = fmt.Sprintf("unsupported method: type %d", msg.TypeID)
	}
	s.logger.Warn("revoking channel", map[string]any{
		"stream_id": msg.StreamID,
		"type_id":   msg.TypeID,
		"dispatch":  d.Name(),
		"error":     err.Error(),
	})
	_ = up.Send(graph.ErrorType, dispatch.Code(err), reason)

	if s.remove(msg.StreamID, d) {
		s.metrics.IncChannelDiscarded()
		d.Discard(err)
	}
}

func (s *Session) remove(streamID uint64, d *dispatch.Dispatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[streamID] != d {
		return false
	}
	delete(s.channels, streamID)
	return true
}

// shutdown closes the connection and discards every open channel.
func (s *Session) shutdown(cause error) {
	_ = s.Close()

	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[uint64]*dispatch.Dispatch)
	s.mu.Unlock()

	if len(channels) == 0 {
		return
	}
	if cause == nil {
		cause = ErrConnectionClosed
	}
	s.logger.Info("discarding open channels", map[string]any{
		"channels": len(channels),
		"cause":    cause.Error(),
	})
	for _, d := range channels {
		s.metrics.IncChannelDiscarded()
		d.Discard(cause)
	}
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	return s.closer.Close()
}

type upstream struct {
	s        *Session
	streamID uint64
}

func (s *Session) upstream(streamID uint64) dispatch.Upstream {
	return &upstream{s: s, streamID: streamID}
}

func (u *upstream) Send(typeID uint64, args ...any) error {
	if err := u.s.enc.Encode(u.streamID, typeID, args); err != nil {
		return err
	}
	u.s.metrics.IncFramesSent()
	return nil
}
