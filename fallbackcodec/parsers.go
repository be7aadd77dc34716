package fallbackcodec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcfallback"
)

const (
	maxMessageSize = 100 * 1024 * 1024 // 100mb

	recordSeparator = 0x1E
)

var (
	_ grpcfallback.StreamParser = JSONArrayParser
	_ grpcfallback.StreamParser = JSONSeqParser
	_ grpcfallback.StreamParser = SizePrefixedParser
)

// JSONArrayParser reads a response body that is a JSON array of messages,
// emitting each message as soon as it has been read. An empty body is an
// empty stream.
func JSONArrayParser(m *grpcfallback.Method, body io.Reader, emit func(interface{}) error) error {
	dec := json.NewDecoder(body)
	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	} else if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return status.Errorf(codes.Internal, "streamed reply is not a JSON array: unexpected %v", tok)
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return noEOF(err)
		}
		msg, err := decodeJSONElement(m, raw)
		if err != nil {
			return err
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return noEOF(err)
	}
	return nil
}

// JSONSeqParser reads a response body that is an RFC 7464 JSON text
// sequence: each message is preceded by an ASCII record separator (0x1E) and
// followed by a line feed.
//
// A record larger than 100mb fails the stream.
func JSONSeqParser(m *grpcfallback.Method, body io.Reader, emit func(interface{}) error) error {
	return parseJSONSeq(m, body, emit, maxMessageSize)
}

func parseJSONSeq(m *grpcfallback.Method, body io.Reader, emit func(interface{}) error, limit int) error {
	r := bufio.NewReader(body)
	for {
		rec, err := readRecord(r, limit)
		if err != nil && err != io.EOF {
			return err
		}
		rec = bytes.TrimSpace(bytes.TrimSuffix(rec, []byte{recordSeparator}))
		if len(rec) > 0 {
			msg, decErr := decodeJSONElement(m, rec)
			if decErr != nil {
				return decErr
			}
			if emitErr := emit(msg); emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}

// readRecord reads through the next record separator, like ReadBytes, but
// fails once more than limit bytes precede it.
func readRecord(r *bufio.Reader, limit int) ([]byte, error) {
	var rec []byte
	for {
		chunk, err := r.ReadSlice(recordSeparator)
		n := len(rec) + len(chunk)
		if err == nil {
			n-- // the separator
		}
		if n > limit {
			return nil, fmt.Errorf("bad record: size is too large: more than %d bytes", limit)
		}
		rec = append(rec, chunk...)
		if err != bufio.ErrBufferFull {
			return rec, err
		}
	}
}

func decodeJSONElement(m *grpcfallback.Method, raw []byte) (interface{}, error) {
	msg, err := newResponse(m)
	if err != nil {
		return nil, err
	}
	if err := jsonUnmarshaler.Unmarshal(raw, msg); err != nil {
		return nil, status.Errorf(codes.Internal, "server sent invalid message: %v", err)
	}
	return msg, nil
}

// SizePrefixedParser reads a response body that is a sequence of binary
// messages, each preceded by its size as a 32-bit big-endian integer. A
// negative size marks the final message, a google.rpc.Status: if its code is
// not OK, the parser returns it as a gRPC status error. A body that ends
// cleanly between two messages is treated as the end of the stream.
func SizePrefixedParser(m *grpcfallback.Method, body io.Reader, emit func(interface{}) error) error {
	for {
		sz, err := readSizePreface(body)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return noEOF(err)
		}
		if sz < 0 {
			// final message is the status
			var st spb.Status
			if err := readProtoMessage(body, -sz, &st); err != nil {
				return noEOF(err)
			}
			if st.GetCode() != int32(codes.OK) {
				return status.ErrorProto(&st)
			}
			return nil
		}
		msg, err := newResponse(m)
		if err != nil {
			return err
		}
		if err := readProtoMessage(body, sz, msg); err != nil {
			return noEOF(err)
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
}

// readSizePreface reads a 32-bit size from the given reader. If the value is
// negative, it indicates the last message in the stream.
func readSizePreface(in io.Reader) (int32, error) {
	var sz int32
	err := binary.Read(in, binary.BigEndian, &sz)
	return sz, err
}

// readProtoMessage reads sz bytes from the given reader and decodes them into
// the given message. Callers must first call readSizePreface.
func readProtoMessage(in io.Reader, sz int32, m proto.Message) error {
	if sz < 0 {
		return fmt.Errorf("bad size preface: size cannot be negative: %d", sz)
	} else if sz > maxMessageSize {
		return fmt.Errorf("bad size preface: indicated size is too large: %d", sz)
	}
	msg := make([]byte, sz)
	if _, err := io.ReadFull(in, msg); err != nil {
		return err
	}
	return proto.Unmarshal(msg, m)
}

// WriteSizePrefixed writes a length-delimited message to the given writer,
// framed as SizePrefixedParser expects. If end is true, the size is written
// as a negative value, marking m (which should then be a google.rpc.Status)
// as the last message in the stream.
func WriteSizePrefixed(w io.Writer, m proto.Message, end bool) error {
	b, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	sz := len(b)
	if sz > math.MaxInt32 {
		return fmt.Errorf("message too large to send: %d bytes", sz)
	}
	if end {
		if sz == 0 {
			// -0 cannot be told apart from an empty message; an empty (OK)
			// status is conveyed by simply ending the stream
			return nil
		}
		// trailer message is indicated w/ negative size
		sz = -sz
	}
	if err := binary.Write(w, binary.BigEndian, int32(sz)); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// noEOF turns an EOF in the middle of a message into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
