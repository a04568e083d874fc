// Package iox provides I/O helpers for connection and resource cleanup.
package iox

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zhiqiangxu/util"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Sync) where errors are unactionable:
//
//	defer iox.DiscardErr(logger.Sync)
func DiscardErr(fn func() error) { _ = fn() }

// OnceCloser forwards only the first Close to the wrapped closer.
type OnceCloser struct {
	c    io.Closer
	done atomic.Bool
}

// NewOnceCloser wraps c.
func NewOnceCloser(c io.Closer) *OnceCloser {
	return &OnceCloser{c: c}
}

// Close closes the wrapped closer on the first call and returns nil after.
func (o *OnceCloser) Close() error {
	if !o.done.CompareAndSwap(false, true) {
		return nil
	}
	return o.c.Close()
}

// Closed reports whether Close has been called.
func (o *OnceCloser) Closed() bool { return o.done.Load() }

// CloseOnDone closes c once ctx is done. The watcher goroutine is added to
// wg, so callers must cancel ctx before waiting on wg.
func CloseOnDone(ctx context.Context, wg *sync.WaitGroup, c io.Closer) {
	util.GoFunc(wg, func() {
		<-ctx.Done()
		_ = c.Close()
	})
}
