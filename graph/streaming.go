package graph

// Upstream type ids shared by every streaming reply protocol.
const (
	ChunkType uint64 = 0
	ErrorType uint64 = 1
	ChokeType uint64 = 2
)

// Streaming returns the conventional reply protocol: any number of chunks
// followed by either an error or a choke. The result is shared and must not
// be mutated.
func Streaming() *Protocol {
	return streaming()
}

// Primitive returns the single-reply protocol: exactly one value or error.
func Primitive() *Protocol {
	return primitive()
}

// StreamingReplies declares the streaming reply node inside b, for use with
// NodeBuilder.Replies.
func (b *Builder) StreamingReplies() *NodeBuilder {
	return declareStreaming(b.Node())
}

// PrimitiveReplies declares the single-reply node inside b.
func (b *Builder) PrimitiveReplies() *NodeBuilder {
	return declarePrimitive(b.Node())
}

func declareStreaming(n *NodeBuilder) *NodeBuilder {
	return n.
		Recurrent(ChunkType, "write").
		Terminal(ErrorType, "error").
		Terminal(ChokeType, "close")
}

func declarePrimitive(n *NodeBuilder) *NodeBuilder {
	return n.
		Terminal(ChunkType, "value").
		Terminal(ErrorType, "error")
}

var streaming = onceProtocol(func() *Builder {
	b := NewBuilder("streaming", 1)
	declareStreaming(b.Root())
	return b
})

var primitive = onceProtocol(func() *Builder {
	b := NewBuilder("primitive", 1)
	declarePrimitive(b.Root())
	return b
})
