// Package grpcfallback issues gRPC calls over plain HTTP requests, for
// environments where a real gRPC channel is not available (browsers behind
// proxies, serverless runtimes, networks that block HTTP/2, etc).
//
// Given the methods of a service, NewServiceStub builds a ServiceStub: a
// table with one Invoker per method, keyed by method name, plus a reserved
// "close" entry. Invokers keep the calling convention of callback-style RPC
// stubs:
//
//	handle := invoker(request, callOptions, metadata, callback)
//
// The call proceeds asynchronously and the handle is returned right away, so
// the caller can cancel the call before it completes. For methods whose
// response is a single message, the handle is a Canceler and the callback
// receives the outcome. For methods with a streamed response, the handle is a
// *Stream that yields each decoded element as it arrives, and the callback
// is only invoked for failures.
//
// Anatomy of a call
//
// The configured RequestEncoder turns the request into an HTTPRequest. If it
// fails, the callback gets the error and nothing is sent. Otherwise the
// encoder's headers are combined with the call options (call options win)
// and with the headers from the AuthProvider (which lose to both). Bodies of
// GET and DELETE requests are never sent. If the response indicates success
// and the method streams, the body is fed to the StreamParser; in every other
// case the full body is read and handed to the ResponseDecoder along with the
// success flag.
//
// Cancellation
//
// Calling Cancel on a handle aborts the call's context. If the call then fails
// with an abort-classified error (see Kind) while reading or decoding the
// response, the failure is swallowed: the callback is not invoked and the
// stream ends without an error. Failures that happen before a response is
// available, such as the round trip itself being aborted, are always reported
// to the callback. Nothing is retried.
//
// Generated gRPC clients can use the stub through ServiceStub.Channel, which
// adapts it to grpc.ClientConnInterface. Client interceptors given with
// WithUnaryInterceptors and WithStreamInterceptors apply to that view.
//
// The fallbackcodec package provides encoders, decoders and stream parsers
// for the binary "$rpc" protocol and for JSON transcoding via google.api.http
// annotations.
package grpcfallback
