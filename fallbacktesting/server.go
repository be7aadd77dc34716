package fallbacktesting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	rpccode "google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/fullstorydev/grpcfallback/fallbackcodec"
)

// OwnerHeader is echoed by GetWidget into the owner field of the returned
// widget, which lets tests observe the headers a call was sent with.
const OwnerHeader = "X-Widget-Owner"

// ErrorReason is the reason of the google.rpc.ErrorInfo detail attached to
// errors requested through the code knob.
const ErrorReason = "REQUESTED_FAILURE"

// RecordedRequest is what the server saw of one request.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Server is an in-memory widget service. It is an http.Handler that serves
// both fallback protocols: REST-style JSON routes derived from the http rules
// of the service, and binary routes under fallbackcodec.DefaultPathPrefix.
//
// Streamed JSON replies are a JSON array, written one element at a time.
// Streamed binary replies are size-prefixed messages followed by a status
// trailer. A WatchWidgets request with a non-zero code fails before any
// widget is sent over JSON, but only after all widgets are sent over the
// binary protocol.
type Server struct {
	mux *http.ServeMux

	mu       sync.Mutex
	widgets  map[int64]proto.Message
	nextID   int64
	requests []RecordedRequest
}

// NewServer returns a server whose store holds a single widget: 1, named
// "sprocket", colored RED.
func NewServer() *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		widgets: map[int64]proto.Message{1: NewWidget(1, "sprocket", "RED")},
		nextID:  1,
	}
	s.mux.HandleFunc("GET /v1/widgets/{id}", s.restGetWidget)
	s.mux.HandleFunc("POST /v1/widgets", s.restCreateWidget)
	s.mux.HandleFunc("DELETE /v1/widgets/{id}", s.restDeleteWidget)
	s.mux.HandleFunc("POST /v1/widgets:watch", s.restWatchWidgets)
	s.mux.HandleFunc("POST "+fallbackcodec.DefaultPathPrefix+"/"+WidgetServiceName+"/{method}", s.handleRPC)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	s.mu.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
	s.mux.ServeHTTP(w, r)
}

// Requests returns every request received so far, oldest first.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// LastRequest returns the most recent request. It panics if there was none.
func (s *Server) LastRequest() RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func (s *Server) getWidget(ctx context.Context, req proto.Message, hdr http.Header) (proto.Message, error) {
	if err := delayAndFail(ctx, req); err != nil {
		return nil, err
	}
	id := get(req, "id").Int()
	s.mu.Lock()
	w, ok := s.widgets[id]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "widget %d not found", id)
	}
	w = proto.Clone(w)
	if owner := hdr.Get(OwnerHeader); owner != "" {
		set(w, "owner", protoreflect.ValueOfString(owner))
	}
	return w, nil
}

func (s *Server) createWidget(_ context.Context, w proto.Message) (proto.Message, error) {
	if WidgetName(w) == "" {
		return nil, status.Error(codes.InvalidArgument, "widget must have a name")
	}
	w = proto.Clone(w)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := WidgetID(w)
	if id == 0 {
		s.nextID++
		id = s.nextID
		set(w, "id", protoreflect.ValueOfInt64(id))
	} else if _, ok := s.widgets[id]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "widget %d already exists", id)
	}
	if id > s.nextID {
		s.nextID = id
	}
	s.widgets[id] = w
	return proto.Clone(w), nil
}

func (s *Server) deleteWidget(_ context.Context, req proto.Message) (proto.Message, error) {
	id := get(req, "id").Int()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.widgets[id]; !ok {
		return nil, status.Errorf(codes.NotFound, "widget %d not found", id)
	}
	delete(s.widgets, id)
	return &emptypb.Empty{}, nil
}

// watchWidgets sends count synthesized widgets, pausing before each but the
// first.
func (s *Server) watchWidgets(ctx context.Context, req proto.Message, send func(proto.Message) error) error {
	count := get(req, "count").Int()
	delay := time.Duration(get(req, "delay_millis").Int()) * time.Millisecond
	color := get(req, "color").Enum()
	if color == 0 {
		color = colorNumber("GREEN")
	}
	for i := int64(1); i <= count; i++ {
		if i > 1 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		w := NewWidget(i, fmt.Sprintf("widget-%d", i), "")
		set(w, "color", protoreflect.ValueOfEnum(color))
		if err := send(w); err != nil {
			return err
		}
	}
	return nil
}

func delayAndFail(ctx context.Context, req proto.Message) error {
	if err := sleep(ctx, time.Duration(get(req, "delay_millis").Int())*time.Millisecond); err != nil {
		return err
	}
	return requestedError(req)
}

func requestedError(req proto.Message) error {
	code := codes.Code(get(req, "code").Int())
	if code == codes.OK {
		return nil
	}
	st, err := status.New(code, "failure requested by client").WithDetails(&errdetails.ErrorInfo{
		Reason: ErrorReason,
		Domain: "fallbacktesting",
	})
	if err != nil {
		return status.Error(code, "failure requested by client")
	}
	return st.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-t.C:
		return nil
	}
}

// REST routes

func (s *Server) restGetWidget(w http.ResponseWriter, r *http.Request) {
	req := newMessage("GetWidgetRequest")
	if err := fromPathAndQuery(r, req); err != nil {
		writeRESTError(w, err)
		return
	}
	resp, err := s.getWidget(r.Context(), req, r.Header)
	writeREST(w, r, resp, err)
}

func (s *Server) restCreateWidget(w http.ResponseWriter, r *http.Request) {
	req := newMessage("Widget")
	if err := fromJSONBody(r, req); err != nil {
		writeRESTError(w, err)
		return
	}
	resp, err := s.createWidget(r.Context(), req)
	writeREST(w, r, resp, err)
}

func (s *Server) restDeleteWidget(w http.ResponseWriter, r *http.Request) {
	req := newMessage("DeleteWidgetRequest")
	if err := fromPathAndQuery(r, req); err != nil {
		writeRESTError(w, err)
		return
	}
	resp, err := s.deleteWidget(r.Context(), req)
	writeREST(w, r, resp, err)
}

func (s *Server) restWatchWidgets(w http.ResponseWriter, r *http.Request) {
	req := newMessage("WatchWidgetsRequest")
	if err := fromJSONBody(r, req); err != nil {
		writeRESTError(w, err)
		return
	}
	if err := requestedError(req); err != nil {
		writeRESTError(w, err)
		return
	}

	marshaler := restMarshaler(r)
	w.Header().Set("Content-Type", fallbackcodec.JSONContentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	sep := "["
	err := s.watchWidgets(r.Context(), req, func(m proto.Message) error {
		b, err := marshaler.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		sep = ","
		if _, err := w.Write(b); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// the reply is cut short, so the client sees an incomplete array
		return
	}
	if sep == "[" {
		_, _ = io.WriteString(w, "[]")
		return
	}
	_, _ = io.WriteString(w, "]")
}

// fromPathAndQuery populates req from the "id" path variable and the query
// parameters, which are named by JSON name.
func fromPathAndQuery(r *http.Request, req proto.Message) error {
	m := req.ProtoReflect()
	fields := m.Descriptor().Fields()
	if id := r.PathValue("id"); id != "" {
		if err := setFromString(m, fields.ByName("id"), id); err != nil {
			return err
		}
	}
	for name, vals := range r.URL.Query() {
		fd := fields.ByJSONName(name)
		if fd == nil || len(vals) == 0 {
			continue
		}
		if err := setFromString(m, fd, vals[0]); err != nil {
			return err
		}
	}
	return nil
}

func setFromString(m protoreflect.Message, fd protoreflect.FieldDescriptor, s string) error {
	var v protoreflect.Value
	switch fd.Kind() {
	case protoreflect.Int32Kind:
		i, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "bad value for %s: %v", fd.Name(), err)
		}
		v = protoreflect.ValueOfInt32(int32(i))
	case protoreflect.Int64Kind:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "bad value for %s: %v", fd.Name(), err)
		}
		v = protoreflect.ValueOfInt64(i)
	case protoreflect.StringKind:
		v = protoreflect.ValueOfString(s)
	case protoreflect.EnumKind:
		if ev := fd.Enum().Values().ByName(protoreflect.Name(s)); ev != nil {
			v = protoreflect.ValueOfEnum(ev.Number())
		} else if i, err := strconv.ParseInt(s, 10, 32); err == nil {
			v = protoreflect.ValueOfEnum(protoreflect.EnumNumber(i))
		} else {
			return status.Errorf(codes.InvalidArgument, "bad value for %s: %q", fd.Name(), s)
		}
	default:
		return status.Errorf(codes.InvalidArgument, "field %s cannot be set from the query", fd.Name())
	}
	m.Set(fd, v)
	return nil
}

func fromJSONBody(r *http.Request, req proto.Message) error {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, fallbackcodec.JSONContentType) {
		return status.Errorf(codes.InvalidArgument, "unsupported content-type %q", ct)
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read request: %v", err)
	}
	if err := protojson.Unmarshal(b, req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// restMarshaler encodes enums by number when the client asks for it.
func restMarshaler(r *http.Request) protojson.MarshalOptions {
	return protojson.MarshalOptions{
		UseEnumNumbers: strings.Contains(r.URL.Query().Get("$alt"), "enum-encoding=int"),
	}
}

func writeREST(w http.ResponseWriter, r *http.Request, resp proto.Message, err error) {
	if err != nil {
		writeRESTError(w, err)
		return
	}
	b, err := restMarshaler(r).Marshal(resp)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	w.Header().Set("Content-Type", fallbackcodec.JSONContentType)
	_, _ = w.Write(b)
}

type restErrorBody struct {
	Error restErrorStatus `json:"error"`
}

type restErrorStatus struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Status  string            `json:"status"`
	Details []json.RawMessage `json:"details,omitempty"`
}

// writeRESTError writes err as a Google REST error.
func writeRESTError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	body := restErrorBody{Error: restErrorStatus{
		Code:    fallbackcodec.HTTPStatusFromCode(st.Code()),
		Message: st.Message(),
		Status:  rpccode.Code(st.Code()).String(),
	}}
	for _, d := range st.Proto().GetDetails() {
		if b, err := protojson.Marshal(d); err == nil {
			body.Error.Details = append(body.Error.Details, b)
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		http.Error(w, st.Message(), body.Error.Code)
		return
	}
	w.Header().Set("Content-Type", fallbackcodec.JSONContentType)
	w.WriteHeader(body.Error.Code)
	_, _ = w.Write(b)
}

// binary routes

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != fallbackcodec.ProtobufContentType {
		writeRPCError(w, status.Errorf(codes.InvalidArgument, "unsupported content-type %q", ct))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, status.Errorf(codes.InvalidArgument, "failed to read request: %v", err))
		return
	}
	ctx := r.Context()

	var req proto.Message
	var handle func() (proto.Message, error)
	switch method := r.PathValue("method"); method {
	case "GetWidget":
		req = newMessage("GetWidgetRequest")
		handle = func() (proto.Message, error) { return s.getWidget(ctx, req, r.Header) }
	case "CreateWidget":
		req = newMessage("Widget")
		handle = func() (proto.Message, error) { return s.createWidget(ctx, req) }
	case "DeleteWidget":
		req = newMessage("DeleteWidgetRequest")
		handle = func() (proto.Message, error) { return s.deleteWidget(ctx, req) }
	case "WatchWidgets":
		req = newMessage("WatchWidgetsRequest")
	default:
		writeRPCError(w, status.Errorf(codes.Unimplemented, "unknown method %s", method))
		return
	}
	if err := proto.Unmarshal(body, req); err != nil {
		writeRPCError(w, status.Errorf(codes.InvalidArgument, "invalid request: %v", err))
		return
	}

	if handle == nil {
		s.rpcWatchWidgets(w, r, req)
		return
	}
	resp, err := handle()
	if err != nil {
		writeRPCError(w, err)
		return
	}
	b, err := proto.Marshal(resp)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	w.Header().Set("Content-Type", fallbackcodec.ProtobufContentType)
	_, _ = w.Write(b)
}

func (s *Server) rpcWatchWidgets(w http.ResponseWriter, r *http.Request, req proto.Message) {
	w.Header().Set("Content-Type", fallbackcodec.ProtobufContentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	err := s.watchWidgets(r.Context(), req, func(m proto.Message) error {
		if err := fallbackcodec.WriteSizePrefixed(w, m, false); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err == nil {
		err = requestedError(req)
	}
	if err != nil {
		_ = fallbackcodec.WriteSizePrefixed(w, status.Convert(err).Proto(), true)
	}
}

func writeRPCError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	b, err := proto.Marshal(st.Proto())
	if err != nil {
		http.Error(w, st.Message(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", fallbackcodec.ProtobufContentType)
	w.WriteHeader(fallbackcodec.HTTPStatusFromCode(st.Code()))
	_, _ = w.Write(b)
}
