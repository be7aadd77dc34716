package fallbackcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	// registers the standard error detail types, so details in REST errors
	// can be resolved
	_ "google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
)

// restError is the Google REST error envelope:
//
//	{"error": {"code": 404, "message": "...", "status": "NOT_FOUND", "details": [...]}}
type restError struct {
	Error *struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

// StatusFromRESTError converts the body of a failed REST reply into a gRPC
// status error. The status name in the body takes precedence over the HTTP
// code. Bodies that are not REST errors yield an Unknown status. Streamed
// replies wrap the error in a JSON array, which is also accepted.
func StatusFromRESTError(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err == nil && len(elems) > 0 {
			trimmed = elems[0]
		}
	}
	var re restError
	if err := json.Unmarshal(trimmed, &re); err != nil || re.Error == nil {
		return status.Error(codes.Unknown, fmt.Sprintf("call failed: %s", truncate(body)))
	}

	code := CodeFromHTTPStatus(re.Error.Code)
	if re.Error.Status != "" {
		var c codes.Code
		if err := c.UnmarshalJSON([]byte(strconv.Quote(re.Error.Status))); err == nil {
			code = c
		}
	}
	if code == codes.OK {
		code = codes.Unknown
	}
	st := &spb.Status{
		Code:    int32(code),
		Message: re.Error.Message,
	}
	for _, d := range re.Error.Details {
		var detail anypb.Any
		if err := protojson.Unmarshal(d, &detail); err != nil {
			// detail of an unknown type; nothing useful can be done with it
			continue
		}
		st.Details = append(st.Details, &detail)
	}
	return status.ErrorProto(st)
}
