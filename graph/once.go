package graph

import "sync"

// onceProtocol memoizes a protocol declaration so every caller shares one
// graph instance per interface.
func onceProtocol(declare func() *Builder) func() *Protocol {
	return sync.OnceValue(func() *Protocol {
		return declare().MustBuild()
	})
}

// Memoize wraps a protocol declaration for package-level use:
//
//	var echoProtocol = graph.Memoize(func() *graph.Builder { ... })
//
// The declaration runs once, on first call.
func Memoize(declare func() *Builder) func() *Protocol {
	return onceProtocol(declare)
}
