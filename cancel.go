package grpcfallback

import (
	"context"
	"sync/atomic"
)

// callCancel is the cancellation state of one invocation. The requested
// flag only ever goes from false to true.
type callCancel struct {
	requested atomic.Bool
	abort     context.CancelFunc
}

func newCallCancel(parent context.Context) (context.Context, *callCancel) {
	ctx, abort := context.WithCancel(parent)
	return ctx, &callCancel{abort: abort}
}

// Cancel records the cancel request and signals the abort. Calling it after
// the call has completed has no effect on what the caller observes.
func (c *callCancel) Cancel() {
	c.requested.Store(true)
	c.abort()
}

// release frees the context resources at the end of a call without marking
// the call as canceled.
func (c *callCancel) release() {
	c.abort()
}

// suppress reports whether err should be swallowed: only abort-classified
// errors of calls whose cancellation was requested are.
func (c *callCancel) suppress(err error) bool {
	return c.requested.Load() && IsAborted(err)
}

type noopCanceler struct{}

func (noopCanceler) Cancel() {}

// NoopCanceler is the inert handle returned by "close" and by calls that
// fail before dispatch.
var NoopCanceler Canceler = noopCanceler{}
