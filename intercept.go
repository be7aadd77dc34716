package grpcfallback

import (
	"context"

	"google.golang.org/grpc"
)

// WithUnaryInterceptors adds interceptors to unary calls made through the
// stub's Channel view. The first interceptor given is the outermost one: it
// runs first, and when it delegates to its invoker the second one runs, and
// so on. Calls made directly through the stub's invokers are not
// intercepted.
func WithUnaryInterceptors(ints ...grpc.UnaryClientInterceptor) StubOption {
	return stubOptFunc(func(o *stubOpts) {
		o.unaryInts = append(o.unaryInts, ints...)
	})
}

// WithStreamInterceptors adds interceptors to streaming calls made through
// the stub's Channel view. They are ordered like those given to
// WithUnaryInterceptors.
func WithStreamInterceptors(ints ...grpc.StreamClientInterceptor) StubOption {
	return stubOptFunc(func(o *stubOpts) {
		o.streamInts = append(o.streamInts, ints...)
	})
}

// interceptedChannel applies client interceptors to a channel. Interceptors
// receive a nil *grpc.ClientConn since there is no real connection.
type interceptedChannel struct {
	ch        grpc.ClientConnInterface
	unaryInt  grpc.UnaryClientInterceptor
	streamInt grpc.StreamClientInterceptor
}

var _ grpc.ClientConnInterface = (*interceptedChannel)(nil)

func intercept(ch grpc.ClientConnInterface, unaryInts []grpc.UnaryClientInterceptor, streamInts []grpc.StreamClientInterceptor) grpc.ClientConnInterface {
	if len(unaryInts) == 0 && len(streamInts) == 0 {
		return ch
	}
	return &interceptedChannel{
		ch:        ch,
		unaryInt:  chainUnaryClient(unaryInts),
		streamInt: chainStreamClient(streamInts),
	}
}

func (intch *interceptedChannel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	if intch.unaryInt == nil {
		return intch.ch.Invoke(ctx, methodName, req, resp, opts...)
	}
	return intch.unaryInt(ctx, methodName, req, resp, nil, intch.invoke, opts...)
}

func (intch *interceptedChannel) invoke(ctx context.Context, methodName string, req, resp interface{}, _ *grpc.ClientConn, opts ...grpc.CallOption) error {
	return intch.ch.Invoke(ctx, methodName, req, resp, opts...)
}

func (intch *interceptedChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if intch.streamInt == nil {
		return intch.ch.NewStream(ctx, desc, methodName, opts...)
	}
	return intch.streamInt(ctx, desc, nil, methodName, intch.newStream, opts...)
}

func (intch *interceptedChannel) newStream(ctx context.Context, desc *grpc.StreamDesc, _ *grpc.ClientConn, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return intch.ch.NewStream(ctx, desc, methodName, opts...)
}

func chainUnaryClient(ints []grpc.UnaryClientInterceptor) grpc.UnaryClientInterceptor {
	switch len(ints) {
	case 0:
		return nil
	case 1:
		return ints[0]
	}
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		// wrap from the innermost interceptor outwards
		for i := len(ints) - 1; i > 0; i-- {
			next, inner := ints[i], invoker
			invoker = func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				return next(ctx, method, req, reply, cc, inner, opts...)
			}
		}
		return ints[0](ctx, method, req, reply, cc, invoker, opts...)
	}
}

func chainStreamClient(ints []grpc.StreamClientInterceptor) grpc.StreamClientInterceptor {
	switch len(ints) {
	case 0:
		return nil
	case 1:
		return ints[0]
	}
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		for i := len(ints) - 1; i > 0; i-- {
			next, inner := ints[i], streamer
			streamer = func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
				return next(ctx, desc, cc, method, inner, opts...)
			}
		}
		return ints[0](ctx, desc, cc, method, streamer, opts...)
	}
}
