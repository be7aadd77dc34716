package grpcfallback_test

import (
	"context"
	"io"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcfallback"
	"github.com/fullstorydev/grpcfallback/fallbackcodec"
	"github.com/fullstorydev/grpcfallback/fallbacktesting"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) unary(name string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		l.add(name + " " + method)
		err := invoker(ctx, method, req, reply, cc, opts...)
		l.add(name + " done " + status.Code(err).String())
		return err
	}
}

func (l *callLog) stream(name string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		l.add(name + " " + method)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

func newWidgetStub(t *testing.T, opts ...grpcfallback.StubOption) *grpcfallback.ServiceStub {
	t.Helper()
	svr := httptest.NewServer(fallbacktesting.NewServer())
	t.Cleanup(svr.Close)
	u, err := url.Parse(svr.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	var codec fallbackcodec.ProtoCodec
	stub, err := grpcfallback.NewServiceStub(fallbacktesting.WidgetMethods(), grpcfallback.Config{
		Protocol: "http",
		Host:     u.Hostname(),
		Port:     port,
		Encoder:  codec.Encode,
		Decoder:  codec.Decode,
		Parser:   fallbackcodec.SizePrefixedParser,
	}, opts...)
	require.NoError(t, err)
	return stub
}

func TestUnaryInterceptors(t *testing.T) {
	var log callLog
	addOwner := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, fallbacktesting.OwnerHeader, "interceptor")
		return invoker(ctx, method, req, reply, cc, opts...)
	}
	stub := newWidgetStub(t,
		grpcfallback.WithUnaryInterceptors(log.unary("outer"), log.unary("inner")),
		grpcfallback.WithUnaryInterceptors(addOwner))
	ch := stub.Channel()

	resp := fallbacktesting.NewWidget(0, "", "")
	err := ch.Invoke(context.Background(), "/fallbacktesting.WidgetService/GetWidget", fallbacktesting.NewGetWidgetRequest(1), resp)
	require.NoError(t, err)
	assert.Equal(t, "sprocket", fallbacktesting.WidgetName(resp))
	assert.Equal(t, "interceptor", fallbacktesting.WidgetOwner(resp))
	assert.Equal(t, []string{
		"outer /fallbacktesting.WidgetService/GetWidget",
		"inner /fallbacktesting.WidgetService/GetWidget",
		"inner done OK",
		"outer done OK",
	}, log.get())

	err = ch.Invoke(context.Background(), "/fallbacktesting.WidgetService/GetWidget", fallbacktesting.NewGetWidgetRequest(99), resp)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, "outer done NotFound", log.get()[len(log.get())-1])

	// streams are not seen by unary interceptors
	cs, err := ch.NewStream(context.Background(), &grpc.StreamDesc{ServerStreams: true}, "/fallbacktesting.WidgetService/WatchWidgets")
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(fallbacktesting.NewWatchWidgetsRequest(1)))
	require.NoError(t, cs.CloseSend())
	require.NoError(t, cs.RecvMsg(fallbacktesting.NewWidget(0, "", "")))
	// still just the two unary calls, four entries each
	assert.Len(t, log.get(), 8)
}

func TestStreamInterceptors(t *testing.T) {
	var log callLog
	stub := newWidgetStub(t, grpcfallback.WithStreamInterceptors(log.stream("first"), log.stream("second")))
	ch := stub.Channel()

	cs, err := ch.NewStream(context.Background(), &grpc.StreamDesc{ServerStreams: true}, "/fallbacktesting.WidgetService/WatchWidgets")
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(fallbacktesting.NewWatchWidgetsRequest(3)))
	require.NoError(t, cs.CloseSend())
	var got []string
	for {
		w := fallbacktesting.NewWidget(0, "", "")
		err := cs.RecvMsg(w)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, fallbacktesting.WidgetName(w))
	}
	assert.Equal(t, []string{"widget-1", "widget-2", "widget-3"}, got)
	assert.Equal(t, []string{
		"first /fallbacktesting.WidgetService/WatchWidgets",
		"second /fallbacktesting.WidgetService/WatchWidgets",
	}, log.get())

	// unary calls pass straight through
	resp := fallbacktesting.NewWidget(0, "", "")
	require.NoError(t, ch.Invoke(context.Background(), "/fallbacktesting.WidgetService/GetWidget", fallbacktesting.NewGetWidgetRequest(1), resp))
	assert.True(t, proto.Equal(fallbacktesting.NewWidget(1, "sprocket", "RED"), resp))
	assert.Len(t, log.get(), 2)
}

func TestNoInterceptors(t *testing.T) {
	stub := newWidgetStub(t)
	resp := fallbacktesting.NewWidget(0, "", "")
	require.NoError(t, stub.Channel().Invoke(context.Background(), "/fallbacktesting.WidgetService/GetWidget", fallbacktesting.NewGetWidgetRequest(1), resp))
	assert.Equal(t, "sprocket", fallbacktesting.WidgetName(resp))
}
