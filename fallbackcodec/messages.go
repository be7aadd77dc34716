package fallbackcodec

import (
	"fmt"
	"net"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/fullstorydev/grpcfallback"
)

// NewMessage returns an empty message for the given descriptor, using the
// generated type when one is registered.
func NewMessage(md protoreflect.MessageDescriptor) proto.Message {
	if mt, err := protoregistry.GlobalTypes.FindMessageByName(md.FullName()); err == nil {
		return mt.New().Interface()
	}
	return dynamicpb.NewMessage(md)
}

func newResponse(m *grpcfallback.Method) (proto.Message, error) {
	if m.Desc == nil {
		return nil, fmt.Errorf("method %s has no descriptor", m.FullMethod())
	}
	return NewMessage(m.Desc.Output()), nil
}

func requestMessage(m *grpcfallback.Method, req interface{}) (proto.Message, error) {
	pm, ok := req.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("method %s: request must be a proto.Message, got %T", m.FullMethod(), req)
	}
	if m.Desc != nil && pm.ProtoReflect().Descriptor().FullName() != m.Desc.Input().FullName() {
		return nil, fmt.Errorf("method %s: request must be %s, got %s", m.FullMethod(),
			m.Desc.Input().FullName(), pm.ProtoReflect().Descriptor().FullName())
	}
	return pm, nil
}

// baseURL returns the scheme and authority of the server. A zero port is
// left out, so the scheme's default port is used.
func baseURL(protocol, host string, port int) string {
	if port == 0 {
		return protocol + "://" + host
	}
	return protocol + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}
