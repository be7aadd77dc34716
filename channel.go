package grpcfallback

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpcfallback/internal"
)

// Channel returns a view of the stub as a gRPC client connection, so that
// generated gRPC client code can issue its calls over the fallback
// transport. Outgoing metadata in the call context become call options and
// canceling the context cancels the call. Interceptors configured with
// WithUnaryInterceptors and WithStreamInterceptors apply to calls made
// through it.
//
// Unary and server-streaming methods are supported. Client-streaming methods
// can only send a single request message.
func (s *ServiceStub) Channel() grpc.ClientConnInterface {
	return intercept(&channel{stub: s}, s.opts.unaryInts, s.opts.streamInts)
}

type channel struct {
	stub *ServiceStub
}

var _ grpc.ClientConnInterface = (*channel)(nil)

func (ch *channel) lookup(fullMethod string) (*Method, Invoker, error) {
	svc, name := splitFullMethod(fullMethod)
	m, ok := ch.stub.methods[name]
	if !ok || m.ServiceName != svc {
		return nil, nil, status.Errorf(codes.Unimplemented, "method %s is not exposed by this stub", fullMethod)
	}
	return m, ch.stub.invokers[name], nil
}

func splitFullMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	pos := strings.LastIndex(fullMethod, "/")
	if pos < 0 {
		return "", fullMethod
	}
	return fullMethod[:pos], fullMethod[pos+1:]
}

func (ch *channel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	m, inv, err := ch.lookup(methodName)
	if err != nil {
		return err
	}
	if m.ServerStreams {
		return status.Errorf(codes.Internal, "method %s has a streamed response and must be invoked via NewStream", methodName)
	}

	var rErr error
	var rMsg interface{}
	done := make(chan struct{})
	h := inv(req, callOptionsFromContext(ctx), nil, func(err error, r interface{}) {
		rErr, rMsg = err, r
		close(done)
	})
	select {
	case <-ctx.Done():
		h.Cancel()
		return internal.TranslateContextError(ctx.Err())
	case <-done:
	}
	if rErr != nil {
		return rErr
	}
	if err := internal.CopyMessage(rMsg, resp); err != nil {
		return status.Errorf(codes.Internal, "server sent invalid message: %v", err)
	}
	return nil
}

func (ch *channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	m, inv, err := ch.lookup(methodName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &clientStream{
		ctx:     ctx,
		cancel:  cancel,
		method:  m,
		inv:     inv,
		unaryCh: make(chan struct{}),
	}, nil
}

// clientStream implements grpc.ClientStream on top of one invocation. The
// request is captured by SendMsg and the call is dispatched by CloseSend (or
// by the first RecvMsg).
type clientStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	method *Method
	inv    Invoker

	mu      sync.Mutex
	req     interface{}
	sent    bool
	started bool
	stream  *Stream

	// unaryCh is closed when a method without a streamed response
	// completes; uErr and uMsg are set before that.
	unaryCh  chan struct{}
	uErr     error
	uMsg     interface{}
	received bool
}

func (cs *clientStream) Header() (metadata.MD, error) {
	// the fallback transport does not surface response headers
	return metadata.MD{}, nil
}

func (cs *clientStream) Trailer() metadata.MD {
	return nil
}

func (cs *clientStream) Context() context.Context {
	return cs.ctx
}

func (cs *clientStream) SendMsg(m interface{}) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.started {
		// GRPC streams return EOF error for attempts to send on closed stream
		return io.EOF
	}
	if cs.sent {
		return status.Errorf(codes.Unimplemented, "method %s: fallback transport can only send one request message", cs.method.FullMethod())
	}
	cs.req = m
	cs.sent = true
	return nil
}

func (cs *clientStream) CloseSend() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.startLocked()
	return nil
}

func (cs *clientStream) startLocked() {
	if cs.started {
		return
	}
	cs.started = true
	var once sync.Once
	h := cs.inv(cs.req, callOptionsFromContext(cs.ctx), nil, func(err error, r interface{}) {
		// For streamed responses this only matters if the request could not
		// be encoded; otherwise results and errors arrive via the Stream.
		once.Do(func() {
			cs.uErr, cs.uMsg = err, r
			close(cs.unaryCh)
		})
	})
	if str, ok := h.(*Stream); ok {
		cs.stream = str
	}
	go func() {
		select {
		case <-cs.ctx.Done():
			h.Cancel()
		case <-cs.finished():
		}
	}()
}

// finished returns a channel that is closed once the call completes.
func (cs *clientStream) finished() <-chan struct{} {
	if cs.stream != nil {
		return cs.stream.Done()
	}
	return cs.unaryCh
}

func (cs *clientStream) RecvMsg(m interface{}) error {
	cs.mu.Lock()
	cs.startLocked()
	str := cs.stream
	cs.mu.Unlock()

	if str == nil {
		return cs.recvUnary(m)
	}

	elem, err := str.Recv()
	if err == io.EOF {
		if cs.ctx.Err() != nil {
			return internal.TranslateContextError(cs.ctx.Err())
		}
		cs.cancel()
		return io.EOF
	}
	if err != nil {
		cs.cancel()
		return err
	}
	if err := internal.CopyMessage(elem, m); err != nil {
		return status.Errorf(codes.Internal, "server sent invalid message: %v", err)
	}
	return nil
}

func (cs *clientStream) recvUnary(m interface{}) error {
	select {
	case <-cs.ctx.Done():
		return internal.TranslateContextError(cs.ctx.Err())
	case <-cs.unaryCh:
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.received {
		return io.EOF
	}
	cs.received = true
	defer cs.cancel()
	if cs.uErr != nil {
		return cs.uErr
	}
	if err := internal.CopyMessage(cs.uMsg, m); err != nil {
		return status.Errorf(codes.Internal, "server sent invalid message: %v", err)
	}
	return nil
}

var reservedHeaders = map[string]struct{}{
	"accept-encoding":   {},
	"connection":        {},
	"content-type":      {},
	"content-length":    {},
	"keep-alive":        {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// callOptionsFromContext returns call options to send to the remote host
// based on the outgoing metadata stored in the given context. Binary
// metadata values are base64-encoded.
func callOptionsFromContext(ctx context.Context) CallOptions {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return nil
	}
	opts := CallOptions{}
	for k, vs := range md {
		lowerK := strings.ToLower(k)
		if _, ok := reservedHeaders[lowerK]; ok {
			// ignore reserved header keys
			continue
		}
		isBin := strings.HasSuffix(lowerK, "-bin")
		for _, v := range vs {
			if isBin {
				v = base64.URLEncoding.EncodeToString([]byte(v))
			}
			opts[lowerK] = append(opts[lowerK], v)
		}
	}
	return opts
}
