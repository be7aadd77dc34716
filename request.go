package grpcfallback

import (
	"io"

	"google.golang.org/grpc/metadata"
)

// HTTPMethod is the HTTP verb of a fallback request. Only the values
// declared below are valid.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

// Valid reports whether m is one of the supported HTTP methods.
func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// HasBody reports whether requests with this method may carry a body. The
// body of GET and DELETE requests is never sent.
func (m HTTPMethod) HasBody() bool {
	return m != MethodGet && m != MethodDelete
}

// HTTPRequest is the transport-level form of an RPC request, as produced by a
// RequestEncoder. Each invocation gets its own instance.
type HTTPRequest struct {
	Method  HTTPMethod
	URL     string
	Headers map[string]string
	// Body is the request payload; nil means no body.
	Body []byte
}

// CallOptions are per-call header overrides. Only the first value for each
// key is used.
type CallOptions map[string][]string

// Callback receives the single outcome of a call: either a non-nil error or
// the decoded response.
type Callback func(err error, resp interface{})

// Canceler is the handle returned by an invoker. Cancel may be called any
// number of times, including after the call has completed.
type Canceler interface {
	Cancel()
}

// Invoker issues one RPC over the fallback transport. The md argument is
// accepted for parity with generated stubs and is otherwise ignored.
//
// The returned handle is a *Stream for methods with a streamed response and a
// plain Canceler for all others. It is returned before any network I/O
// completes.
type Invoker func(req interface{}, opts CallOptions, md metadata.MD, cb Callback) Canceler

// RequestEncoder translates a request message into an HTTPRequest.
type RequestEncoder func(m *Method, protocol, host string, port int, req interface{}, numericEnums bool) (*HTTPRequest, error)

// ResponseDecoder translates a response body into a response message. The ok
// flag reports whether the HTTP status indicated success.
type ResponseDecoder func(m *Method, ok bool, body []byte) (interface{}, error)

// StreamParser reads a streamed response body and calls emit once for every
// decoded element, in order. If emit returns an error (which happens when the
// call is canceled), the parser must stop and return it.
type StreamParser func(m *Method, body io.Reader, emit func(elem interface{}) error) error
