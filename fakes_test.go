package grpcfallback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	unaryMethod  = &Method{Name: "GetThing", ServiceName: "test.Things"}
	streamMethod = &Method{Name: "WatchThings", ServiceName: "test.Things", ServerStreams: true}
)

// fakeEncoder sends the request, which must be a string, as the body. The
// request "bad" cannot be encoded.
func fakeEncoder(verb HTTPMethod, headers map[string]string) RequestEncoder {
	return func(m *Method, protocol, host string, port int, req interface{}, _ bool) (*HTTPRequest, error) {
		s, ok := req.(string)
		if !ok || s == "bad" {
			return nil, fmt.Errorf("cannot encode %v", req)
		}
		hdrs := make(map[string]string, len(headers))
		for k, v := range headers {
			hdrs[k] = v
		}
		return &HTTPRequest{
			Method:  verb,
			URL:     fmt.Sprintf("%s://%s:%d/%s", protocol, host, port, m.Name),
			Headers: hdrs,
			Body:    []byte(s),
		}, nil
	}
}

// fakeDecoder returns successful bodies as strings and fails others with a
// NotFound status carrying the body as message.
func fakeDecoder(_ *Method, ok bool, body []byte) (interface{}, error) {
	if !ok {
		return nil, status.Error(codes.NotFound, string(body))
	}
	return string(body), nil
}

// lineParser emits every line of the body.
func lineParser(_ *Method, body io.Reader, emit func(interface{}) error) error {
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if err := emit(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

func respond(code int, body string) roundTripFunc {
	return func(*http.Request) (*http.Response, error) {
		return reply(code, strings.NewReader(body)), nil
	}
}

func reply(code int, body io.Reader) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(body),
	}
}

// hangingBody yields prefix, then blocks until ctx is done and fails with
// the context's error, just as a real transport does when a call is aborted
// mid-body.
type hangingBody struct {
	ctx    context.Context
	prefix *strings.Reader
	err    error
}

func newHangingBody(ctx context.Context, prefix string) *hangingBody {
	return &hangingBody{ctx: ctx, prefix: strings.NewReader(prefix)}
}

// newBrokenBody is like newHangingBody, but once ctx is done reads fail with
// a closed-connection error, as the HTTP/1 transport's reads sometimes do.
func newBrokenBody(ctx context.Context, prefix string) *hangingBody {
	b := newHangingBody(ctx, prefix)
	b.err = &net.OpError{Op: "read", Net: "tcp", Err: errors.New("use of closed network connection")}
	return b
}

func (b *hangingBody) Read(p []byte) (int, error) {
	if b.prefix.Len() > 0 {
		return b.prefix.Read(p)
	}
	<-b.ctx.Done()
	if b.err != nil {
		return 0, b.err
	}
	return 0, b.ctx.Err()
}

// hangUntilCanceled never responds; it fails once the request is aborted.
func hangUntilCanceled(r *http.Request) (*http.Response, error) {
	<-r.Context().Done()
	return nil, r.Context().Err()
}

type result struct {
	err  error
	resp interface{}
}

// recorder collects callback invocations.
type recorder struct {
	mu      sync.Mutex
	results []result
	ch      chan result
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan result, 8)}
}

func (r *recorder) cb(err error, resp interface{}) {
	r.mu.Lock()
	r.results = append(r.results, result{err, resp})
	r.mu.Unlock()
	r.ch <- result{err, resp}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) await(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		return result{}
	}
}

func drain(t *testing.T, s *Stream) ([]interface{}, error) {
	t.Helper()
	var elems []interface{}
	for {
		elem, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return elems, nil
		} else if err != nil {
			return elems, err
		}
		elems = append(elems, elem)
	}
}

func testConfig(rt http.RoundTripper) Config {
	return Config{
		Protocol:  "http",
		Host:      "example.test",
		Port:      8080,
		Encoder:   fakeEncoder(MethodPost, map[string]string{"Content-Type": "text/plain"}),
		Decoder:   fakeDecoder,
		Parser:    lineParser,
		Transport: rt,
	}
}

func mustStub(t *testing.T, cfg Config, opts ...StubOption) *ServiceStub {
	t.Helper()
	s, err := NewServiceStub([]*Method{unaryMethod, streamMethod}, cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create stub: %v", err)
	}
	return s
}

func mustInvoker(t *testing.T, s *ServiceStub, name string) Invoker {
	t.Helper()
	inv, ok := s.Invoker(name)
	if !ok {
		t.Fatalf("no invoker for %s", name)
	}
	return inv
}
