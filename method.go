package grpcfallback

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Method describes one RPC method of a service. A stub builds one invoker per
// Method. Methods are treated as read-only once handed to NewServiceStub.
type Method struct {
	// Name is the simple method name (e.g. "GetWidget"). It is the key under
	// which the invoker is registered in the stub.
	Name string
	// ServiceName is the fully-qualified service name (e.g. "acme.v1.Widgets").
	ServiceName string
	// ServerStreams indicates the response is a stream of messages. The
	// invoker for such a method returns a *Stream.
	ServerStreams bool
	// ClientStreams indicates the method accepts a stream of requests. The
	// fallback transport can only send a single request message, so these
	// methods are invoked just like unary ones.
	ClientStreams bool
	// Desc is the protobuf descriptor for the method, if known. Codecs in the
	// fallbackcodec package require it to build response messages and to find
	// HTTP transcoding rules.
	Desc protoreflect.MethodDescriptor
}

// FullMethod returns the method name in "/service/method" format, as used by
// gRPC client stubs.
func (m *Method) FullMethod() string {
	return fmt.Sprintf("/%s/%s", m.ServiceName, m.Name)
}

func (m *Method) String() string {
	return m.FullMethod()
}

// MethodsFromServiceDesc returns the methods of the given generated service
// description. Since grpc.ServiceDesc carries no message types, the returned
// methods have no Desc; use MethodsFromDescriptor when codecs need one.
func MethodsFromServiceDesc(desc *grpc.ServiceDesc) []*Method {
	methods := make([]*Method, 0, len(desc.Methods)+len(desc.Streams))
	for i := range desc.Methods {
		methods = append(methods, &Method{
			Name:        desc.Methods[i].MethodName,
			ServiceName: desc.ServiceName,
		})
	}
	for i := range desc.Streams {
		sd := &desc.Streams[i]
		methods = append(methods, &Method{
			Name:          sd.StreamName,
			ServiceName:   desc.ServiceName,
			ServerStreams: sd.ServerStreams,
			ClientStreams: sd.ClientStreams,
		})
	}
	return methods
}

// MethodsFromDescriptor returns the methods of the given service descriptor.
func MethodsFromDescriptor(sd protoreflect.ServiceDescriptor) []*Method {
	mds := sd.Methods()
	methods := make([]*Method, 0, mds.Len())
	for i := 0; i < mds.Len(); i++ {
		md := mds.Get(i)
		methods = append(methods, &Method{
			Name:          string(md.Name()),
			ServiceName:   string(sd.FullName()),
			ServerStreams: md.IsStreamingServer(),
			ClientStreams: md.IsStreamingClient(),
			Desc:          md,
		})
	}
	return methods
}
