// Package echo is a reference service built on the dispatch core.
//
// The root node answers ping and version requests and can be stopped.
// Subscribing moves the channel to a subscription node where pushed values
// are echoed back until the client unsubscribes. Each live subscription is
// announced through an adapter.Registrar and withdrawn when the channel
// ends, cleanly or not.
package echo

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/switchyard/adapter"
	"github.com/pithecene-io/switchyard/dispatch"
	"github.com/pithecene-io/switchyard/graph"
	"github.com/pithecene-io/switchyard/log"
	"github.com/pithecene-io/switchyard/metrics"
	"github.com/pithecene-io/switchyard/session"
	"github.com/pithecene-io/switchyard/trace"
	"github.com/pithecene-io/switchyard/types"
)

// Root node message types.
const (
	TypePing      = 0
	TypeVersion   = 1
	TypeSubscribe = 2
	TypeRepeat    = 3
	TypeStop      = 4
)

// Subscription node message types.
const (
	TypePush        = 0
	TypeUnsubscribe = 1
)

// DefaultRegistrarTimeout bounds a single registrar call.
const DefaultRegistrarTimeout = 5 * time.Second

// MaxRepeat caps the count accepted by repeat.
const MaxRepeat = 1024

// Protocol returns the echo protocol.
var Protocol = graph.Memoize(func() *graph.Builder {
	b := graph.NewBuilder("echo", 1)
	sub := b.Node()
	value := b.PrimitiveReplies()
	stream := b.StreamingReplies()

	sub.
		Recurrent(TypePush, "push").Replies(TypePush, value).
		Terminal(TypeUnsubscribe, "unsubscribe").Replies(TypeUnsubscribe, value)

	b.Root().
		Recurrent(TypePing, "ping").Replies(TypePing, value).
		Recurrent(TypeVersion, "version").Replies(TypeVersion, value).
		Forward(TypeSubscribe, "subscribe", sub).Replies(TypeSubscribe, value).
		Recurrent(TypeRepeat, "repeat").Replies(TypeRepeat, stream).
		Terminal(TypeStop, "stop").Replies(TypeStop, value)
	return b
})

// Info is the reply to version.
type Info struct {
	Name     string `msgpack:"name"`
	Version  int    `msgpack:"version"`
	Digest   string `msgpack:"digest"`
	Software string `msgpack:"software"`
}

type repeatArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
	Value    string
	Count    int
}

type subscribeArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
	Topic    string
}

// Service builds echo dispatches for new channels.
type Service struct {
	name      string
	endpoint  string
	registrar adapter.Registrar
	timeout   time.Duration
	logger    *log.Logger
	metrics   *metrics.Collector
}

// Option configures a Service.
type Option func(*Service)

// WithRegistrar announces subscriptions through r.
func WithRegistrar(r adapter.Registrar) Option {
	return func(s *Service) { s.registrar = r }
}

// WithEndpoint sets the endpoint advertised in registrations.
func WithEndpoint(endpoint string) Option {
	return func(s *Service) { s.endpoint = endpoint }
}

// WithRegistrarTimeout bounds registrar calls made on discard.
func WithRegistrarTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records registration outcomes in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// New creates the service. name identifies it in registrations.
func New(name string, opts ...Option) *Service {
	s := &Service{
		name:    name,
		timeout: DefaultRegistrarTimeout,
		logger:  log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory returns the session factory that binds new channels to the
// service's root dispatch.
func (s *Service) Factory() session.Factory {
	return s.Open
}

// Open returns the root dispatch for one channel.
func (s *Service) Open(sessionID string, streamID uint64) (*dispatch.Dispatch, error) {
	proto := Protocol()
	d := dispatch.New(s.name, proto)

	d.On(TypePing, dispatch.Blocking(func(_ *dispatch.Call, args []any) ([]any, error) {
		return args, nil
	}))
	d.On(TypeVersion, dispatch.Deferred(func(c *dispatch.Call, _ []any, p *dispatch.Promise[Info]) error {
		c.Go(func(context.Context) {
			_ = p.Resolve(Info{
				Name:     proto.Name(),
				Version:  proto.Version(),
				Digest:   proto.Digest(),
				Software: types.Version,
			})
		})
		return nil
	}))
	d.On(TypeRepeat, dispatch.Streamed(func(_ *dispatch.Call, args repeatArgs, st *dispatch.Stream[string]) error {
		if args.Count < 0 || args.Count > MaxRepeat {
			return fmt.Errorf("%w: count %d out of range [0, %d]", dispatch.ErrInvalidArgument, args.Count, MaxRepeat)
		}
		for range args.Count {
			if err := st.Write(args.Value); err != nil {
				return err
			}
		}
		return st.Close()
	}))
	d.On(TypeSubscribe, dispatch.Blocking(func(c *dispatch.Call, args subscribeArgs) (string, error) {
		return s.subscribe(c, sessionID, streamID, args.Topic)
	}))
	d.On(TypeStop, dispatch.Blocking(func(*dispatch.Call, []any) (string, error) {
		return "stopped", nil
	}))
	return d, nil
}

// subscribe announces the subscription and moves the channel to the
// subscription node.
func (s *Service) subscribe(c *dispatch.Call, sessionID string, streamID uint64, topic string) (string, error) {
	proto := Protocol()
	edge, _ := proto.Transition(proto.Root(), TypeSubscribe)

	reg := &adapter.Registration{
		ContractVersion: types.ContractVersion,
		Event:           adapter.EventRegistered,
		Service:         s.name,
		Session:         sessionID,
		StreamID:        streamID,
		Endpoint:        s.endpoint,
		TraceID:         traceID(c.Context()),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.register(c.Context(), reg); err != nil {
		return "", err
	}

	sub := dispatch.New(s.name+"."+topic, proto,
		dispatch.At(edge.Next),
		dispatch.OnDiscard(func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			_ = s.deregister(ctx, reg.Withdrawn(err.Error()))
		}),
	)
	sub.On(TypePush, dispatch.Blocking(func(_ *dispatch.Call, args []any) ([]any, error) {
		return args, nil
	}))
	sub.On(TypeUnsubscribe, dispatch.Blocking(func(c *dispatch.Call, _ []any) (string, error) {
		if err := s.deregister(c.Context(), reg.Withdrawn("")); err != nil {
			return "", err
		}
		return "unsubscribed", nil
	}))

	c.Forward(sub)
	return reg.Key(), nil
}

func (s *Service) register(ctx context.Context, reg *adapter.Registration) error {
	if s.registrar == nil {
		return nil
	}
	if tc := trace.From(ctx); tc != nil {
		defer trace.PushScope(tc, "registrar.register")()
	}
	if err := s.registrar.Register(ctx, reg); err != nil {
		s.metrics.IncRegistrationFailure()
		s.logger.Warn("registration failed", map[string]any{
			"key":   reg.Key(),
			"error": err.Error(),
		})
		return fmt.Errorf("register %s: %w", reg.Key(), err)
	}
	s.metrics.IncRegistrationSuccess()
	s.logger.Debug("registered", map[string]any{"key": reg.Key()})
	return nil
}

func (s *Service) deregister(ctx context.Context, reg *adapter.Registration) error {
	if s.registrar == nil {
		return nil
	}
	if tc := trace.From(ctx); tc != nil {
		defer trace.PushScope(tc, "registrar.deregister")()
	}
	if err := s.registrar.Deregister(ctx, reg); err != nil {
		s.metrics.IncRegistrationFailure()
		s.logger.Warn("deregistration failed", map[string]any{
			"key":    reg.Key(),
			"reason": reg.Reason,
			"error":  err.Error(),
		})
		return fmt.Errorf("deregister %s: %w", reg.Key(), err)
	}
	s.logger.Debug("deregistered", map[string]any{
		"key":    reg.Key(),
		"reason": reg.Reason,
	})
	return nil
}

func traceID(ctx context.Context) string {
	state := trace.CurrentFrom(ctx)
	if state.Empty() {
		return ""
	}
	return trace.Hex(state.TraceID)
}
