package dispatch

import "github.com/pithecene-io/switchyard/graph"

// Upstream sends reply frames to the peer on the message's channel.
// Implementations must be safe for concurrent use.
type Upstream interface {
	Send(typeID uint64, args ...any) error
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(typeID uint64, args ...any) error

func (f UpstreamFunc) Send(typeID uint64, args ...any) error {
	return f(typeID, args...)
}

func sendValue(up Upstream, v any) error {
	return up.Send(graph.ChunkType, v)
}

func sendError(up Upstream, err error) error {
	return up.Send(graph.ErrorType, Code(err), err.Error())
}

func sendClose(up Upstream) error {
	return up.Send(graph.ChokeType)
}
