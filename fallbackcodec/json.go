package fallbackcodec

import (
	"bytes"
	"fmt"
	"net/url"

	"google.golang.org/genproto/googleapis/api/annotations"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcfallback"
)

// JSONContentType is the content-type of JSON request bodies.
const JSONContentType = "application/json"

var jsonUnmarshaler = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// JSONCodec encodes requests and decodes replies using HTTP/JSON transcoding.
// The zero value is ready to use.
type JSONCodec struct {
	// Rules overrides, by method name, the google.api.http rules found in
	// method options. It can be used for services whose descriptors carry
	// no annotations.
	Rules map[string]*annotations.HttpRule
	// PathPrefix is used for methods without a rule, which are sent as a
	// POST of the JSON request to "<PathPrefix>/<service>/<method>".
	// Defaults to DefaultPathPrefix.
	PathPrefix string
}

func (c JSONCodec) rule(m *grpcfallback.Method) *annotations.HttpRule {
	if rule, ok := c.Rules[m.Name]; ok {
		return rule
	}
	if m.Desc == nil {
		return nil
	}
	return httpRuleFor(m.Desc)
}

// Encode implements grpcfallback.RequestEncoder. When numericEnums is set,
// enums are sent as numbers and the server is asked to reply likewise.
func (c JSONCodec) Encode(m *grpcfallback.Method, protocol, host string, port int, req interface{}, numericEnums bool) (*grpcfallback.HTTPRequest, error) {
	pm, err := requestMessage(m, req)
	if err != nil {
		return nil, err
	}
	marshaler := protojson.MarshalOptions{UseEnumNumbers: numericEnums}
	base := baseURL(protocol, host, port)

	rule := c.rule(m)
	if rule == nil {
		prefix := c.PathPrefix
		if prefix == "" {
			prefix = DefaultPathPrefix
		}
		b, err := marshaler.Marshal(pm)
		if err != nil {
			return nil, err
		}
		return &grpcfallback.HTTPRequest{
			Method:  grpcfallback.MethodPost,
			URL:     base + prefix + m.FullMethod() + enumQuery(nil, numericEnums),
			Headers: map[string]string{"Content-Type": JSONContentType},
			Body:    b,
		}, nil
	}

	verb, tmpl, err := verbAndTemplate(rule)
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", m.FullMethod(), err)
	}
	path, used, err := expandTemplate(tmpl, pm.ProtoReflect(), numericEnums)
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", m.FullMethod(), err)
	}

	// fields bound to the path are not sent again
	rest := proto.Clone(pm).ProtoReflect()
	for _, fieldPath := range used {
		clearField(rest, fieldPath)
	}

	hr := &grpcfallback.HTTPRequest{
		Method:  grpcfallback.HTTPMethod(verb),
		Headers: map[string]string{},
	}
	vals := url.Values{}
	switch body := rule.GetBody(); body {
	case "":
		addQueryParams(vals, "", rest, numericEnums)
	case "*":
		if hr.Body, err = marshaler.Marshal(rest.Interface()); err != nil {
			return nil, err
		}
	default:
		fd := fieldByName(rest.Descriptor(), body)
		if fd == nil {
			return nil, fmt.Errorf("method %s: body field %q does not exist", m.FullMethod(), body)
		}
		if fd.Message() == nil || fd.IsList() || fd.IsMap() {
			return nil, fmt.Errorf("method %s: body field %q must be a message", m.FullMethod(), body)
		}
		if hr.Body, err = marshaler.Marshal(rest.Get(fd).Message().Interface()); err != nil {
			return nil, err
		}
		rest.Clear(fd)
		addQueryParams(vals, "", rest, numericEnums)
	}
	if hr.Body != nil {
		hr.Headers["Content-Type"] = JSONContentType
	}
	hr.URL = base + path + enumQuery(vals, numericEnums)
	return hr, nil
}

// enumQuery renders the query string, adding the parameter that asks the
// server to encode enums by number when needed.
func enumQuery(vals url.Values, numericEnums bool) string {
	if numericEnums {
		if vals == nil {
			vals = url.Values{}
		}
		vals.Set("$alt", "json;enum-encoding=int")
	}
	if len(vals) == 0 {
		return ""
	}
	return "?" + vals.Encode()
}

// Decode implements grpcfallback.ResponseDecoder. The body of a failed reply
// is decoded as a Google REST error and returned as a gRPC status error.
func (c JSONCodec) Decode(m *grpcfallback.Method, ok bool, body []byte) (interface{}, error) {
	if !ok {
		return nil, StatusFromRESTError(body)
	}
	resp, err := newResponse(m)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		// e.g. google.protobuf.Empty replies
		return resp, nil
	}
	if err := jsonUnmarshaler.Unmarshal(body, resp); err != nil {
		return nil, status.Errorf(codes.Internal, "server sent invalid message: %v", err)
	}
	return resp, nil
}
