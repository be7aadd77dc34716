package grpcfallback

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// CloseMethod is the reserved stub entry that mirrors the channel-closing
// operation of native gRPC stubs.
const CloseMethod = "close"

// Config describes the endpoint and the collaborators used by a stub.
type Config struct {
	// Protocol is the URL scheme handed to the encoder. Defaults to "https".
	Protocol string
	// Host and Port identify the server. They are passed, as is, to the
	// encoder, which builds the request URL from them.
	Host string
	Port int

	// Auth supplies auth headers for every call. If nil, calls are sent
	// without auth headers.
	Auth AuthProvider
	// Encoder and Decoder are required.
	Encoder RequestEncoder
	Decoder ResponseDecoder
	// Parser decodes streamed responses. It is required if any method has
	// a streamed response.
	Parser StreamParser
	// NumericEnums asks the encoder to encode enums by number rather than
	// by name.
	NumericEnums bool

	// Transport performs the HTTP round trips. It must observe request
	// context cancellation. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// StubOption customizes ambient behavior of a stub.
type StubOption interface {
	apply(*stubOpts)
}

type stubOptFunc func(*stubOpts)

func (fn stubOptFunc) apply(o *stubOpts) {
	fn(o)
}

type stubOpts struct {
	logger  *zap.Logger
	metrics *Metrics
	baseCtx context.Context

	unaryInts  []grpc.UnaryClientInterceptor
	streamInts []grpc.StreamClientInterceptor
}

// WithLogger configures a logger for debug-level tracing of calls. Call
// failures are never logged; they are reported to callers.
func WithLogger(l *zap.Logger) StubOption {
	return stubOptFunc(func(o *stubOpts) {
		o.logger = l
	})
}

// WithMetrics configures the stub to record call outcomes.
func WithMetrics(m *Metrics) StubOption {
	return stubOptFunc(func(o *stubOpts) {
		o.metrics = m
	})
}

// WithBaseContext sets the context from which every call's context derives.
// Values in it are visible to the auth provider and transport, and canceling
// it aborts all outstanding calls (though such aborts are not suppressed,
// since the caller did not cancel the call). Defaults to
// context.Background().
func WithBaseContext(ctx context.Context) StubOption {
	return stubOptFunc(func(o *stubOpts) {
		o.baseCtx = ctx
	})
}

// ServiceStub is a table of invokers, one per method of a service, plus the
// reserved "close" entry. It is immutable once built and safe for concurrent
// use.
type ServiceStub struct {
	invokers map[string]Invoker
	methods  map[string]*Method
	names    []string
	opts     *stubOpts
}

// NewServiceStub builds a stub for the given methods. No I/O is performed.
func NewServiceStub(methods []*Method, cfg Config, opts ...StubOption) (*ServiceStub, error) {
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("grpcfallback: a request encoder is required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("grpcfallback: a response decoder is required")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "https"
	}
	cfg.Transport = transportOrDefault(cfg.Transport)

	o := stubOpts{
		logger:  zap.NewNop(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt.apply(&o)
	}

	s := &ServiceStub{
		invokers: make(map[string]Invoker, len(methods)+1),
		methods:  make(map[string]*Method, len(methods)),
		opts:     &o,
	}
	for i, m := range methods {
		switch {
		case m == nil:
			return nil, fmt.Errorf("grpcfallback: method #%d is nil", i)
		case m.Name == "":
			return nil, fmt.Errorf("grpcfallback: method #%d has no name", i)
		case m.Name == CloseMethod:
			return nil, fmt.Errorf("grpcfallback: method name %q is reserved", CloseMethod)
		case m.ServerStreams && cfg.Parser == nil:
			return nil, fmt.Errorf("grpcfallback: method %s has a streamed response but no stream parser is configured", m.Name)
		}
		if _, ok := s.methods[m.Name]; ok {
			return nil, fmt.Errorf("grpcfallback: method %s: already registered", m.Name)
		}
		inv := &invoker{method: m, cfg: &cfg, opts: &o}
		s.methods[m.Name] = m
		s.invokers[m.Name] = inv.invoke
		s.names = append(s.names, m.Name)
	}
	sort.Strings(s.names)
	s.invokers[CloseMethod] = func(interface{}, CallOptions, metadata.MD, Callback) Canceler {
		return NoopCanceler
	}
	return s, nil
}

// Invoker returns the invoker registered under name. The reserved name
// "close" is always present.
func (s *ServiceStub) Invoker(name string) (Invoker, bool) {
	inv, ok := s.invokers[name]
	return inv, ok
}

// Invoke calls the named invoker. It returns an error only if there is no
// such entry; failures of the call itself go to cb.
func (s *ServiceStub) Invoke(name string, req interface{}, opts CallOptions, md metadata.MD, cb Callback) (Canceler, error) {
	inv, ok := s.invokers[name]
	if !ok {
		return nil, fmt.Errorf("grpcfallback: no such method: %s", name)
	}
	return inv(req, opts, md, cb), nil
}

// Close mirrors closing a native channel. It does nothing, and in particular
// does not cancel outstanding calls. The returned handle is inert.
func (s *ServiceStub) Close() Canceler {
	return s.invokers[CloseMethod](nil, nil, nil, nil)
}

// Method returns the descriptor of the named method.
func (s *ServiceStub) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Methods returns the names of all methods, sorted, excluding "close".
func (s *ServiceStub) Methods() []string {
	return append([]string(nil), s.names...)
}
