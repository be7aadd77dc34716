// Package fallbackcodec provides request encoders, response decoders and
// stream parsers for use with grpcfallback stubs.
//
// Two wire protocols are supported:
//
// ProtoCodec implements the binary fallback protocol. Every call is a POST to
// "<base>/$rpc/<service>/<method>" whose body is the binary-encoded request
// proto, with content-type "application/x-protobuf". A successful reply body
// is the binary-encoded response; a failed one is a google.rpc.Status. Its
// companion stream parser is SizePrefixedParser, which reads messages that
// are each prefixed with a 32-bit big-endian size. A negative size marks the
// final message, a google.rpc.Status that carries the stream's disposition.
//
// JSONCodec implements HTTP/JSON transcoding as described by google.api.http
// annotations: the HTTP verb and URL path come from the method's rule, request
// fields referenced by the path template are substituted into it, and the
// remaining fields are sent as the body or as query parameters. Failed
// replies use the Google REST error format. Its companion stream parser is
// JSONArrayParser, which reads a JSON array of messages incrementally.
// JSONSeqParser accepts RFC 7464 JSON text sequences instead.
//
// All codecs require grpcfallback.Method.Desc to be set, which is the case
// for methods built with grpcfallback.MethodsFromDescriptor. Response messages
// are instances of the generated type if one is linked into the program, and
// dynamic messages otherwise.
package fallbackcodec
