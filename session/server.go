package session

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/zhiqiangxu/util"

	"github.com/pithecene-io/switchyard/iox"
	"github.com/pithecene-io/switchyard/log"
)

// Server accepts connections and serves each with a Session.
type Server struct {
	ln     net.Listener
	open   Factory
	opts   []Option
	logger *log.Logger

	wg sync.WaitGroup
}

// NewServer creates a server for ln. Every accepted connection gets a
// Session built with open and opts.
func NewServer(ln net.Listener, open Factory, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{ln: ln, open: open, opts: opts, logger: logger}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for every session to finish. If the listener fails,
// open sessions are cancelled as well.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()
	iox.CloseOnDone(ctx, &s.wg, s.ln)

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := s.ln.Accept()
		if err == nil {
			tempDelay = 0
			util.GoFunc(&s.wg, func() {
				s.serveConn(ctx, conn)
			})
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return err
		}

		if tempDelay == 0 {
			tempDelay = 5 * time.Millisecond
		} else {
			tempDelay *= 2
		}
		if limit := 1 * time.Second; tempDelay > limit {
			tempDelay = limit
		}
		s.logger.Error("accept failed", map[string]any{
			"error":       err.Error(),
			"retry_in_ms": tempDelay.Milliseconds(),
		})
		select {
		case <-time.After(tempDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With(map[string]any{"remote": remote})

	opts := append(slices.Clone(s.opts), WithLogger(logger))
	sess := New(conn, s.open, opts...)

	logger.Debug("session started", map[string]any{"session_id": sess.ID()})
	if err := sess.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session ended", map[string]any{
			"session_id": sess.ID(),
			"error":      err.Error(),
		})
		return
	}
	logger.Debug("session ended", map[string]any{"session_id": sess.ID()})
}
