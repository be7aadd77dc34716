package fallbackcodec

import (
	"io"

	"github.com/fullstorydev/grpcfallback"
)

func JSONSeqParserWithLimit(limit int) grpcfallback.StreamParser {
	return func(m *grpcfallback.Method, body io.Reader, emit func(interface{}) error) error {
		return parseJSONSeq(m, body, emit, limit)
	}
}
