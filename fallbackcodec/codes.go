package fallbackcodec

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// statusClientClosedRequest is the non-standard status used by servers when
// the client went away before the reply was sent.
const statusClientClosedRequest = 499

// httpStatusByCode follows the mapping documented in google/rpc/code.proto,
// which is what HTTP/JSON transcoding servers use.
var httpStatusByCode = map[codes.Code]int{
	codes.OK:                 http.StatusOK,
	codes.Canceled:           statusClientClosedRequest,
	codes.Unknown:            http.StatusInternalServerError,
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.Aborted:            http.StatusConflict,
	codes.OutOfRange:         http.StatusBadRequest,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DataLoss:           http.StatusInternalServerError,
}

// HTTPStatusFromCode translates the given gRPC code into the HTTP status
// used for failed replies. Streamed replies that have already begun use 200
// OK and carry the real status at the end of the stream instead.
func HTTPStatusFromCode(code codes.Code) int {
	if stat, ok := httpStatusByCode[code]; ok {
		return stat
	}
	return http.StatusInternalServerError
}

// CodeFromHTTPStatus translates the given HTTP status code into a gRPC code.
// It is used for failed replies whose body does not name a status.
func CodeFromHTTPStatus(stat int) codes.Code {
	switch {
	case stat >= 200 && stat < 300:
		return codes.OK
	case stat >= 400 && stat < 500:
		switch stat {
		case http.StatusUnauthorized:
			return codes.Unauthenticated
		case http.StatusForbidden:
			return codes.PermissionDenied
		case http.StatusNotFound:
			return codes.NotFound
		case http.StatusRequestTimeout:
			return codes.DeadlineExceeded
		case http.StatusConflict, http.StatusLocked:
			return codes.Aborted
		case http.StatusRequestedRangeNotSatisfiable:
			return codes.OutOfRange
		case http.StatusPreconditionFailed, http.StatusExpectationFailed:
			return codes.FailedPrecondition
		case http.StatusTooManyRequests:
			return codes.ResourceExhausted
		case statusClientClosedRequest:
			return codes.Canceled
		default:
			return codes.InvalidArgument
		}
	case stat >= 500 && stat < 600:
		switch stat {
		case http.StatusNotImplemented:
			return codes.Unimplemented
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return codes.Unavailable
		case http.StatusGatewayTimeout:
			return codes.DeadlineExceeded
		default:
			return codes.Internal
		}
	default:
		// 1xx and 3xx have no gRPC equivalent
		return codes.Unknown
	}
}
