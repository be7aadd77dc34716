package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/fullstorydev/grpcfallback"
	"github.com/fullstorydev/grpcfallback/fallbackcodec"
)

type callOptions struct {
	protoFiles   []string
	importPaths  []string
	method       string
	host         string
	port         int
	protocol     string
	rest         bool
	jsonSeq      bool
	numericEnums bool
	h2c          bool
	headers      []string
	token        string
	data         string
	timeout      time.Duration
	verbose      bool
}

type result struct {
	err  error
	resp interface{}
}

func runCall(ctx context.Context, opts *callOptions, in io.Reader, out, errOut io.Writer) error {
	logger := newLogger(opts.verbose, errOut)
	defer func() {
		_ = logger.Sync()
	}()

	md, err := findMethod(opts.protoFiles, opts.importPaths, opts.method)
	if err != nil {
		return err
	}
	stub, err := newStub(md.Parent().(protoreflect.ServiceDescriptor), opts, logger)
	if err != nil {
		return err
	}
	req, err := readRequest(md.Input(), opts.data, in)
	if err != nil {
		return err
	}
	callOpts, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	p := printer{w: out, marshaler: protojson.MarshalOptions{UseEnumNumbers: opts.numericEnums}}
	results := make(chan result, 1)
	h, err := stub.Invoke(string(md.Name()), req, callOpts, nil, func(err error, resp interface{}) {
		results <- result{err: err, resp: resp}
	})
	if err != nil {
		return err
	}
	logger.Debug("call started", zap.String("method", string(md.FullName())))

	str, ok := h.(*grpcfallback.Stream)
	if !ok {
		select {
		case r := <-results:
			if r.err != nil {
				return r.err
			}
			return p.print(r.resp)
		case <-ctx.Done():
			// a canceled call may never call back
			h.Cancel()
			return status.FromContextError(ctx.Err()).Err()
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			str.Cancel()
		case <-str.Done():
		}
	}()
	for {
		elem, err := str.Recv()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}
		if err := p.print(elem); err != nil {
			str.Cancel()
			return err
		}
	}
	if str.Canceled() {
		return status.FromContextError(ctx.Err()).Err()
	}
	// a failed reply can still decode to a response message
	select {
	case r := <-results:
		if r.err == nil && r.resp != nil {
			return p.print(r.resp)
		}
	default:
	}
	return nil
}

func newLogger(verbose bool, w io.Writer) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel))
}

// findMethod parses the given proto files and returns the named method.
// Imports that cannot be found in the import paths are resolved against the
// descriptors linked into this binary, which include google/api/annotations.proto.
func findMethod(files, importPaths []string, method string) (protoreflect.MethodDescriptor, error) {
	p := protoparse.Parser{
		ImportPaths:  importPaths,
		LookupImport: desc.LoadFileDescriptor,
	}
	fds, err := p.ParseFiles(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proto files: %w", err)
	}

	svcName, methodName, err := splitMethod(method)
	if err != nil {
		return nil, err
	}
	for _, fd := range fds {
		sd := fd.FindService(svcName)
		if sd == nil {
			continue
		}
		md := sd.FindMethodByName(methodName)
		if md == nil {
			return nil, fmt.Errorf("service %s has no method named %s", svcName, methodName)
		}
		return md.UnwrapMethod(), nil
	}
	return nil, fmt.Errorf("service %s not found in %s", svcName, strings.Join(files, ", "))
}

func splitMethod(method string) (string, string, error) {
	method = strings.TrimPrefix(method, "/")
	pos := strings.LastIndex(method, "/")
	if pos < 0 {
		pos = strings.LastIndex(method, ".")
	}
	if pos <= 0 || pos == len(method)-1 {
		return "", "", fmt.Errorf("method %q should be in the form SERVICE/METHOD", method)
	}
	return method[:pos], method[pos+1:], nil
}

func newStub(sd protoreflect.ServiceDescriptor, opts *callOptions, logger *zap.Logger) (*grpcfallback.ServiceStub, error) {
	cfg := grpcfallback.Config{
		Protocol:     opts.protocol,
		Host:         opts.host,
		Port:         opts.port,
		NumericEnums: opts.numericEnums,
	}
	if opts.rest {
		var codec fallbackcodec.JSONCodec
		cfg.Encoder, cfg.Decoder = codec.Encode, codec.Decode
		cfg.Parser = fallbackcodec.JSONArrayParser
		if opts.jsonSeq {
			cfg.Parser = fallbackcodec.JSONSeqParser
		}
	} else {
		var codec fallbackcodec.ProtoCodec
		cfg.Encoder, cfg.Decoder = codec.Encode, codec.Decode
		cfg.Parser = fallbackcodec.SizePrefixedParser
	}
	if opts.h2c {
		cfg.Transport = grpcfallback.NewH2CTransport()
	}
	if opts.token != "" {
		cfg.Auth = grpcfallback.BearerToken(opts.token)
	}
	return grpcfallback.NewServiceStub(grpcfallback.MethodsFromDescriptor(sd), cfg, grpcfallback.WithLogger(logger))
}

func readRequest(md protoreflect.MessageDescriptor, data string, in io.Reader) (proto.Message, error) {
	var b []byte
	switch {
	case data == "":
		b = []byte("{}")
	case data == "@-":
		var err error
		if b, err = io.ReadAll(in); err != nil {
			return nil, fmt.Errorf("failed to read request from stdin: %w", err)
		}
	case strings.HasPrefix(data, "@"):
		var err error
		if b, err = os.ReadFile(data[1:]); err != nil {
			return nil, fmt.Errorf("failed to read request: %w", err)
		}
	default:
		b = []byte(data)
	}
	req := fallbackcodec.NewMessage(md)
	if err := protojson.Unmarshal(b, req); err != nil {
		return nil, fmt.Errorf("invalid request for %s: %w", md.FullName(), err)
	}
	return req, nil
}

func parseHeaders(headers []string) (grpcfallback.CallOptions, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	opts := grpcfallback.CallOptions{}
	for _, h := range headers {
		name, val, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("header %q should be in the form \"Name: value\"", h)
		}
		opts[name] = append(opts[name], strings.TrimSpace(val))
	}
	return opts, nil
}

type printer struct {
	w         io.Writer
	marshaler protojson.MarshalOptions
}

func (p printer) print(resp interface{}) error {
	m, ok := resp.(proto.Message)
	if !ok {
		_, err := fmt.Fprintln(p.w, resp)
		return err
	}
	b, err := p.marshaler.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(b))
	return err
}
