package grpcfallback

import (
	"context"
	"io"
	"sync"
)

// Stream is the handle returned for methods with a streamed response. A
// goroutine feeds decoded elements to it as the response body arrives;
// callers consume them with Recv.
//
// A stream ends exactly once: normally (Recv returns io.EOF), with an error
// (Recv returns that error), or quietly after the caller canceled it and the
// resulting failure was an abort (Recv returns io.EOF and Canceled reports
// true).
type Stream struct {
	method *Method
	ctx    context.Context
	cancel *callCancel

	// rCh delivers elements from the call goroutine to Recv. It is closed
	// when the stream ends; done must be set before that.
	rCh chan interface{}

	// mu protects done, err and canceled
	mu       sync.RWMutex
	done     bool
	err      error
	canceled bool

	doneCh chan struct{}
}

func newStream(ctx context.Context, m *Method, cancel *callCancel) *Stream {
	return &Stream{
		method: m,
		ctx:    ctx,
		cancel: cancel,
		rCh:    make(chan interface{}),
		doneCh: make(chan struct{}),
	}
}

// Method returns the method this stream belongs to.
func (s *Stream) Method() *Method {
	return s.method
}

// Cancel requests cancellation of the call backing the stream.
func (s *Stream) Cancel() {
	s.cancel.Cancel()
}

// Recv returns the next element of the stream. It returns io.EOF once the
// stream has ended normally or was canceled, and the stream's error if it
// ended with one.
func (s *Stream) Recv() (interface{}, error) {
	elem, ok := <-s.rCh
	if ok {
		return elem, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Done returns a channel that is closed once the stream has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

// Err returns the error the stream ended with, if any. It is nil while the
// stream is still open.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Canceled reports whether the stream ended because the caller canceled it.
func (s *Stream) Canceled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canceled
}

// emit hands one element to the consumer, blocking until it is received or
// the call is aborted.
func (s *Stream) emit(elem interface{}) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.rCh <- elem:
		return nil
	}
}

// finish ends the stream. Only the first call has any effect, and it reports
// whether it was the one that ended the stream.
func (s *Stream) finish(err error, canceled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.err = err
	s.canceled = canceled
	close(s.rCh)
	close(s.doneCh)
	return true
}
