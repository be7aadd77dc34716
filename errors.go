package grpcfallback

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies the stage at which a fallback call failed.
type Kind int

const (
	// KindEncode means the request could not be translated into an HTTP
	// request. No network call was attempted.
	KindEncode Kind = iota + 1
	// KindDispatch means auth headers could not be obtained or the HTTP
	// round trip itself failed before a response was available.
	KindDispatch
	// KindDecode means the response body could not be read or decoded.
	KindDecode
	// KindStreamPipe means relaying a streamed body into the element parser
	// failed.
	KindStreamPipe
	// KindAborted means the operation was aborted by a cancellation signal.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindEncode:
		return "encode"
	case KindDispatch:
		return "dispatch"
	case KindDecode:
		return "decode"
	case KindStreamPipe:
		return "stream"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrAborted can be returned (or wrapped) by transports, decoders and parsers
// to report that an operation stopped because its call was canceled. Errors
// wrapping context.Canceled are recognized the same way.
var ErrAborted = errors.New("operation aborted")

// Error is the error reported to callers for a failed call.
type Error struct {
	Kind   Kind
	Method string
	Err    error
}

// newError wraps err with the given kind, unless err is recognized as an
// abort, in which case the kind is KindAborted.
func newError(kind Kind, method string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		// already classified (e.g. returned from a nested fallback call)
		kind = fe.Kind
	}
	if isAbortCause(err) {
		kind = KindAborted
	}
	return &Error{Kind: kind, Method: method, Err: err}
}

// isAbortCause recognizes client-side aborts only. A CANCELLED status sent
// by the server is an ordinary failure.
func isAbortCause(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted)
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus returns a gRPC status for the error, so that status.FromError
// and status.Code work on errors reported by fallback calls.
func (e *Error) GRPCStatus() *status.Status {
	switch e.Kind {
	case KindAborted:
		return status.New(codes.Canceled, e.Err.Error())
	case KindEncode:
		return status.New(codes.Internal, e.Error())
	case KindDispatch:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return status.New(codes.DeadlineExceeded, e.Err.Error())
		}
		return status.New(codes.Unavailable, e.Error())
	}
	if st, ok := status.FromError(e.Err); ok {
		return st
	}
	return status.New(codes.Internal, e.Error())
}

// KindOf returns the kind of the given error, or zero if it was not produced
// by a fallback call.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsAborted reports whether err is an abort-classified failure.
func IsAborted(err error) bool {
	return KindOf(err) == KindAborted
}
