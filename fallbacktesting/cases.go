package fallbacktesting

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/fullstorydev/grpcfallback"
)

const callbackTimeout = 5 * time.Second

// Result is one outcome delivered to a callback.
type Result struct {
	Err  error
	Resp interface{}
}

// CallbackRecorder records the outcomes delivered to its Callback.
type CallbackRecorder struct {
	ch    chan Result
	calls atomic.Int32
}

// NewCallbackRecorder returns an empty recorder.
func NewCallbackRecorder() *CallbackRecorder {
	return &CallbackRecorder{ch: make(chan Result, 8)}
}

// Callback is the grpcfallback.Callback to pass to invokers.
func (r *CallbackRecorder) Callback(err error, resp interface{}) {
	r.calls.Add(1)
	r.ch <- Result{Err: err, Resp: resp}
}

// Calls returns how many times the callback has been called.
func (r *CallbackRecorder) Calls() int {
	return int(r.calls.Load())
}

// Await waits for the next outcome, failing the test if none arrives in time.
func (r *CallbackRecorder) Await(t testing.TB) Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(callbackTimeout):
		t.Fatal("timed out waiting for callback")
		return Result{}
	}
}

// Drain reads the stream to its end, returning the elements received and the
// terminal error (nil if the stream ended with io.EOF).
func Drain(t testing.TB, s *grpcfallback.Stream) ([]interface{}, error) {
	t.Helper()
	var elems []interface{}
	timeout := time.After(callbackTimeout)
	for {
		type recv struct {
			elem interface{}
			err  error
		}
		ch := make(chan recv, 1)
		go func() {
			elem, err := s.Recv()
			ch <- recv{elem, err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for stream to end")
			return elems, nil
		case r := <-ch:
			if r.err == io.EOF {
				return elems, nil
			} else if r.err != nil {
				return elems, r.err
			}
			elems = append(elems, r.elem)
		}
	}
}

// RunStubTestCases runs numerous test cases against a stub of the widget
// service. The stub must be configured to talk to a Server created by
// NewServer, through any codec and parser.
func RunStubTestCases(t *testing.T, stub *grpcfallback.ServiceStub) {
	t.Run("unary", func(t *testing.T) { testUnary(t, stub) })
	t.Run("server-stream", func(t *testing.T) { testServerStream(t, stub) })
	t.Run("channel", func(t *testing.T) { testChannel(t, stub) })
	t.Run("close", func(t *testing.T) {
		inv, ok := stub.Invoker(grpcfallback.CloseMethod)
		require.True(t, ok)
		h := inv(nil, nil, nil, nil)
		require.NotNil(t, h)
		h.Cancel()
		stub.Close().Cancel()
	})
}

func invoke(t *testing.T, stub *grpcfallback.ServiceStub, name string, req interface{}, opts grpcfallback.CallOptions, cb grpcfallback.Callback) grpcfallback.Canceler {
	t.Helper()
	h, err := stub.Invoke(name, req, opts, nil, cb)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

func testUnary(t *testing.T, stub *grpcfallback.ServiceStub) {
	t.Run("success", func(t *testing.T) {
		rec := NewCallbackRecorder()
		invoke(t, stub, "GetWidget", NewGetWidgetRequest(1), grpcfallback.CallOptions{OwnerHeader: {"alice", "bob"}}, rec.Callback)
		res := rec.Await(t)
		require.NoError(t, res.Err)
		assert.Equal(t, int64(1), WidgetID(res.Resp))
		assert.Equal(t, "sprocket", WidgetName(res.Resp))
		assert.Equal(t, "RED", WidgetColor(res.Resp))
		// only the first value of a call option is sent
		assert.Equal(t, "alice", WidgetOwner(res.Resp))
		assert.Equal(t, 1, rec.Calls())
	})

	t.Run("not found", func(t *testing.T) {
		rec := NewCallbackRecorder()
		invoke(t, stub, "GetWidget", NewGetWidgetRequest(404), nil, rec.Callback)
		res := rec.Await(t)
		require.Error(t, res.Err)
		assert.Nil(t, res.Resp)
		assert.Equal(t, codes.NotFound, status.Code(res.Err))
		assert.Equal(t, grpcfallback.KindDecode, grpcfallback.KindOf(res.Err))
	})

	t.Run("failure with details", func(t *testing.T) {
		rec := NewCallbackRecorder()
		invoke(t, stub, "GetWidget", WithCode(NewGetWidgetRequest(1), codes.FailedPrecondition), nil, rec.Callback)
		res := rec.Await(t)
		st := status.Convert(res.Err)
		assert.Equal(t, codes.FailedPrecondition, st.Code())
		assert.Equal(t, "failure requested by client", st.Message())
		details := st.Details()
		require.Len(t, details, 1)
		info, ok := details[0].(*errdetails.ErrorInfo)
		require.True(t, ok, "detail is %T", details[0])
		assert.Equal(t, ErrorReason, info.GetReason())
	})

	t.Run("create and delete", func(t *testing.T) {
		rec := NewCallbackRecorder()
		invoke(t, stub, "CreateWidget", NewWidget(0, "gizmo", "BLUE"), nil, rec.Callback)
		res := rec.Await(t)
		require.NoError(t, res.Err)
		id := WidgetID(res.Resp)
		assert.Greater(t, id, int64(1))
		assert.Equal(t, "gizmo", WidgetName(res.Resp))

		invoke(t, stub, "GetWidget", NewGetWidgetRequest(id), nil, rec.Callback)
		res = rec.Await(t)
		require.NoError(t, res.Err)
		assert.Equal(t, "BLUE", WidgetColor(res.Resp))

		invoke(t, stub, "DeleteWidget", NewDeleteWidgetRequest(id), nil, rec.Callback)
		res = rec.Await(t)
		require.NoError(t, res.Err)
		assert.NotNil(t, res.Resp)

		invoke(t, stub, "GetWidget", NewGetWidgetRequest(id), nil, rec.Callback)
		res = rec.Await(t)
		assert.Equal(t, codes.NotFound, status.Code(res.Err))
	})

	t.Run("encode failure", func(t *testing.T) {
		rec := NewCallbackRecorder()
		// wrong request type
		h := invoke(t, stub, "GetWidget", NewWatchWidgetsRequest(1), nil, rec.Callback)
		// the callback runs before the invoker returns
		require.Equal(t, 1, rec.Calls())
		res := rec.Await(t)
		assert.Equal(t, grpcfallback.KindEncode, grpcfallback.KindOf(res.Err))
		assert.Equal(t, codes.Internal, status.Code(res.Err))
		h.Cancel()
	})

	t.Run("canceled before response", func(t *testing.T) {
		rec := NewCallbackRecorder()
		h := invoke(t, stub, "GetWidget", WithDelay(NewGetWidgetRequest(1), 2*time.Second), nil, rec.Callback)
		time.Sleep(50 * time.Millisecond)
		start := time.Now()
		h.Cancel()
		// aborted round trips are still reported
		res := rec.Await(t)
		assert.Less(t, time.Since(start), time.Second)
		require.Error(t, res.Err)
		assert.True(t, grpcfallback.IsAborted(res.Err))
		assert.Equal(t, codes.Canceled, status.Code(res.Err))
		h.Cancel()
		assert.Equal(t, 1, rec.Calls())
	})

	t.Run("canceled after completion", func(t *testing.T) {
		rec := NewCallbackRecorder()
		h := invoke(t, stub, "GetWidget", NewGetWidgetRequest(1), nil, rec.Callback)
		res := rec.Await(t)
		require.NoError(t, res.Err)
		h.Cancel()
		h.Cancel()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, rec.Calls())
	})
}

func testServerStream(t *testing.T, stub *grpcfallback.ServiceStub) {
	stream := func(t *testing.T, req interface{}, cb grpcfallback.Callback) *grpcfallback.Stream {
		t.Helper()
		h := invoke(t, stub, "WatchWidgets", req, nil, cb)
		s, ok := h.(*grpcfallback.Stream)
		require.True(t, ok, "handle is %T", h)
		return s
	}

	t.Run("success", func(t *testing.T) {
		rec := NewCallbackRecorder()
		s := stream(t, NewWatchWidgetsRequest(5), rec.Callback)
		elems, err := Drain(t, s)
		require.NoError(t, err)
		require.Len(t, elems, 5)
		for i, elem := range elems {
			assert.Equal(t, int64(i+1), WidgetID(elem))
			assert.Equal(t, "GREEN", WidgetColor(elem))
		}
		assert.False(t, s.Canceled())
		assert.NoError(t, s.Err())
		// a successful stream is not reported to the callback
		assert.Equal(t, 0, rec.Calls())
	})

	t.Run("empty", func(t *testing.T) {
		s := stream(t, NewWatchWidgetsRequest(0), nil)
		elems, err := Drain(t, s)
		require.NoError(t, err)
		assert.Empty(t, elems)
	})

	t.Run("failure", func(t *testing.T) {
		rec := NewCallbackRecorder()
		s := stream(t, WithCode(NewWatchWidgetsRequest(2), codes.ResourceExhausted), rec.Callback)
		elems, err := Drain(t, s)
		require.Error(t, err)
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))
		for i, elem := range elems {
			assert.Equal(t, int64(i+1), WidgetID(elem))
		}
		res := rec.Await(t)
		assert.Equal(t, codes.ResourceExhausted, status.Code(res.Err))
		assert.Equal(t, 1, rec.Calls())
		<-s.Done()
		assert.False(t, s.Canceled())
	})

	t.Run("canceled", func(t *testing.T) {
		rec := NewCallbackRecorder()
		s := stream(t, WithDelay(NewWatchWidgetsRequest(3), 2*time.Second), rec.Callback)
		first, err := s.Recv()
		require.NoError(t, err)
		assert.Equal(t, int64(1), WidgetID(first))

		start := time.Now()
		s.Cancel()
		elems, err := Drain(t, s)
		assert.NoError(t, err)
		assert.Empty(t, elems)
		assert.Less(t, time.Since(start), time.Second)
		<-s.Done()
		assert.True(t, s.Canceled())
		assert.NoError(t, s.Err())
		// the abort is suppressed
		assert.Equal(t, 0, rec.Calls())
	})

	t.Run("encode failure", func(t *testing.T) {
		rec := NewCallbackRecorder()
		h := invoke(t, stub, "WatchWidgets", NewGetWidgetRequest(1), nil, rec.Callback)
		_, isStream := h.(*grpcfallback.Stream)
		assert.False(t, isStream)
		res := rec.Await(t)
		assert.Equal(t, grpcfallback.KindEncode, grpcfallback.KindOf(res.Err))
		h.Cancel()
	})
}

func testChannel(t *testing.T, stub *grpcfallback.ServiceStub) {
	ch := stub.Channel()
	svc := WidgetService()
	widgetDesc := svc.Methods().ByName("GetWidget").Output()

	t.Run("unary", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		ctx = metadata.AppendToOutgoingContext(ctx, OwnerHeader, "carol")
		resp := dynamicpb.NewMessage(widgetDesc)
		err := ch.Invoke(ctx, "/"+WidgetServiceName+"/GetWidget", NewGetWidgetRequest(1), resp)
		require.NoError(t, err)
		assert.Equal(t, "sprocket", WidgetName(resp))
		assert.Equal(t, "carol", WidgetOwner(resp))
	})

	t.Run("unary failure", func(t *testing.T) {
		resp := dynamicpb.NewMessage(widgetDesc)
		err := ch.Invoke(context.Background(), "/"+WidgetServiceName+"/GetWidget", NewGetWidgetRequest(404), resp)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("unary deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		resp := dynamicpb.NewMessage(widgetDesc)
		err := ch.Invoke(ctx, "/"+WidgetServiceName+"/GetWidget", WithDelay(NewGetWidgetRequest(1), 2*time.Second), resp)
		assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	})

	t.Run("unknown method", func(t *testing.T) {
		err := ch.Invoke(context.Background(), "/"+WidgetServiceName+"/Frobnicate", NewGetWidgetRequest(1), nil)
		assert.Equal(t, codes.Unimplemented, status.Code(err))
	})

	t.Run("server stream", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		desc := &grpc.StreamDesc{StreamName: "WatchWidgets", ServerStreams: true}
		cs, err := ch.NewStream(ctx, desc, "/"+WidgetServiceName+"/WatchWidgets")
		require.NoError(t, err)
		require.NoError(t, cs.SendMsg(NewWatchWidgetsRequest(3)))
		require.NoError(t, cs.CloseSend())
		assert.Equal(t, io.EOF, cs.SendMsg(NewWatchWidgetsRequest(3)))
		for i := int64(1); i <= 3; i++ {
			w := dynamicpb.NewMessage(widgetDesc)
			require.NoError(t, cs.RecvMsg(w))
			assert.Equal(t, i, WidgetID(w))
		}
		assert.Equal(t, io.EOF, cs.RecvMsg(dynamicpb.NewMessage(widgetDesc)))
	})

	t.Run("server stream canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		desc := &grpc.StreamDesc{StreamName: "WatchWidgets", ServerStreams: true}
		cs, err := ch.NewStream(ctx, desc, "/"+WidgetServiceName+"/WatchWidgets")
		require.NoError(t, err)
		require.NoError(t, cs.SendMsg(WithDelay(NewWatchWidgetsRequest(3), 2*time.Second)))
		require.NoError(t, cs.CloseSend())
		require.NoError(t, cs.RecvMsg(dynamicpb.NewMessage(widgetDesc)))
		cancel()
		err = cs.RecvMsg(dynamicpb.NewMessage(widgetDesc))
		assert.Equal(t, codes.Canceled, status.Code(err))
	})
}
