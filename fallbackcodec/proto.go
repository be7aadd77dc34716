package fallbackcodec

import (
	"fmt"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcfallback"
)

const (
	// ProtobufContentType is the content-type of binary fallback requests.
	ProtobufContentType = "application/x-protobuf"
	// DefaultPathPrefix is the path prefix of the "$rpc" endpoints.
	DefaultPathPrefix = "/$rpc"
)

// ProtoCodec encodes requests and decodes replies of the binary fallback
// protocol. The zero value is ready to use.
type ProtoCodec struct {
	// PathPrefix precedes "/<service>/<method>" in request paths. Defaults
	// to DefaultPathPrefix.
	PathPrefix string
}

func (c ProtoCodec) pathPrefix() string {
	if c.PathPrefix == "" {
		return DefaultPathPrefix
	}
	return c.PathPrefix
}

// Encode implements grpcfallback.RequestEncoder. Enums have no textual form
// in the binary encoding, so numericEnums is ignored.
func (c ProtoCodec) Encode(m *grpcfallback.Method, protocol, host string, port int, req interface{}, numericEnums bool) (*grpcfallback.HTTPRequest, error) {
	pm, err := requestMessage(m, req)
	if err != nil {
		return nil, err
	}
	b, err := proto.Marshal(pm)
	if err != nil {
		return nil, err
	}
	return &grpcfallback.HTTPRequest{
		Method:  grpcfallback.MethodPost,
		URL:     baseURL(protocol, host, port) + c.pathPrefix() + m.FullMethod(),
		Headers: map[string]string{"Content-Type": ProtobufContentType},
		Body:    b,
	}, nil
}

// Decode implements grpcfallback.ResponseDecoder. The body of a failed reply
// is decoded as a google.rpc.Status and returned as a gRPC status error.
func (c ProtoCodec) Decode(m *grpcfallback.Method, ok bool, body []byte) (interface{}, error) {
	if !ok {
		return nil, statusFromProtoBody(body)
	}
	resp, err := newResponse(m)
	if err != nil {
		return nil, err
	}
	if err := proto.Unmarshal(body, resp); err != nil {
		return nil, status.Errorf(codes.Internal, "server sent invalid message: %v", err)
	}
	return resp, nil
}

func statusFromProtoBody(body []byte) error {
	var st spb.Status
	if err := proto.Unmarshal(body, &st); err != nil || st.GetCode() == int32(codes.OK) {
		return status.Error(codes.Unknown, fmt.Sprintf("call failed and server sent no status: %q", truncate(body)))
	}
	return status.ErrorProto(&st)
}

func truncate(b []byte) []byte {
	const max = 256
	if len(b) > max {
		return b[:max]
	}
	return b
}
