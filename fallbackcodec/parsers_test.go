package fallbackcodec_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpcfallback"
	"github.com/fullstorydev/grpcfallback/fallbackcodec"
	"github.com/fullstorydev/grpcfallback/fallbacktesting"
)

func parse(t *testing.T, parser grpcfallback.StreamParser, body io.Reader) ([]interface{}, error) {
	t.Helper()
	var elems []interface{}
	err := parser(widgetMethod(t, "WatchWidgets"), body, func(elem interface{}) error {
		elems = append(elems, elem)
		return nil
	})
	return elems, err
}

func names(elems []interface{}) []string {
	var ns []string
	for _, e := range elems {
		ns = append(ns, fallbacktesting.WidgetName(e))
	}
	return ns
}

func TestJSONArrayParser(t *testing.T) {
	elems, err := parse(t, fallbackcodec.JSONArrayParser, strings.NewReader(`[{"name":"a"}, {"name":"b","color":"RED"} ,{"name":"c"}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(elems))
	assert.Equal(t, "RED", fallbacktesting.WidgetColor(elems[1]))

	for _, body := range []string{"", "[]", " [ ] "} {
		elems, err = parse(t, fallbackcodec.JSONArrayParser, strings.NewReader(body))
		assert.NoError(t, err, "body %q", body)
		assert.Empty(t, elems, "body %q", body)
	}

	_, err = parse(t, fallbackcodec.JSONArrayParser, strings.NewReader(`{"name":"a"}`))
	assert.ErrorContains(t, err, "not a JSON array")

	elems, err = parse(t, fallbackcodec.JSONArrayParser, strings.NewReader(`[{"name":"a"},{"na`))
	assert.Equal(t, []string{"a"}, names(elems))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	elems, err = parse(t, fallbackcodec.JSONArrayParser, strings.NewReader(`[{"name":"a"}`))
	assert.Len(t, elems, 1)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = parse(t, fallbackcodec.JSONArrayParser, strings.NewReader(`[{"name":7}]`))
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestJSONArrayParserIsIncremental(t *testing.T) {
	m := widgetMethod(t, "WatchWidgets")
	pr, pw := io.Pipe()
	got := make(chan string)
	done := make(chan error, 1)
	go func() {
		done <- fallbackcodec.JSONArrayParser(m, pr, func(elem interface{}) error {
			got <- fallbacktesting.WidgetName(elem)
			return nil
		})
	}()

	_, _ = io.WriteString(pw, `[{"name":"first"}`)
	// the element is handed over before the rest of the body exists
	assert.Equal(t, "first", <-got)
	_, _ = io.WriteString(pw, `,{"name":"second"}]`)
	assert.Equal(t, "second", <-got)
	require.NoError(t, pw.Close())
	assert.NoError(t, <-done)
}

func TestParserStopsWhenEmitFails(t *testing.T) {
	stop := errors.New("stop")
	m := widgetMethod(t, "WatchWidgets")

	var buf bytes.Buffer
	require.NoError(t, fallbackcodec.WriteSizePrefixed(&buf, fallbacktesting.NewWidget(1, "a", ""), false))
	require.NoError(t, fallbackcodec.WriteSizePrefixed(&buf, fallbacktesting.NewWidget(2, "b", ""), false))

	for name, tc := range map[string]struct {
		parser grpcfallback.StreamParser
		body   string
	}{
		"array": {fallbackcodec.JSONArrayParser, `[{"name":"a"},{"name":"b"}]`},
		"seq":   {fallbackcodec.JSONSeqParser, "\x1e{\"name\":\"a\"}\n\x1e{\"name\":\"b\"}\n"},
		"size":  {fallbackcodec.SizePrefixedParser, buf.String()},
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := tc.parser(m, strings.NewReader(tc.body), func(interface{}) error {
				calls++
				return stop
			})
			assert.Equal(t, stop, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestJSONSeqParser(t *testing.T) {
	body := "\x1e{\"name\":\"a\"}\n\x1e{\"name\":\"b\"}\n\x1e\n\x1e{\"name\":\"c\"}"
	elems, err := parse(t, fallbackcodec.JSONSeqParser, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(elems))

	elems, err = parse(t, fallbackcodec.JSONSeqParser, strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, elems)

	_, err = parse(t, fallbackcodec.JSONSeqParser, strings.NewReader("\x1e{\"name\":"))
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestJSONSeqParserRecordLimit(t *testing.T) {
	record := func(name string) string {
		return "\x1e{\"name\":\"" + name + "\"}\n"
	}

	elems, err := parse(t, fallbackcodec.JSONSeqParserWithLimit(64), strings.NewReader(record("a")+record("b")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(elems))

	elems, err = parse(t, fallbackcodec.JSONSeqParserWithLimit(64), strings.NewReader(record("a")+record(strings.Repeat("x", 100))))
	assert.ErrorContains(t, err, "too large")
	assert.Equal(t, []string{"a"}, names(elems))

	// records spanning several buffer fills
	long := strings.Repeat("y", 6000)
	elems, err = parse(t, fallbackcodec.JSONSeqParserWithLimit(10000), strings.NewReader(record(long)+record("z")))
	require.NoError(t, err)
	assert.Equal(t, []string{long, "z"}, names(elems))

	_, err = parse(t, fallbackcodec.JSONSeqParserWithLimit(5000), strings.NewReader(record(long)))
	assert.ErrorContains(t, err, "too large")
}

func TestSizePrefixedParser(t *testing.T) {
	write := func(t *testing.T, end error, ws ...string) *bytes.Buffer {
		var buf bytes.Buffer
		for i, n := range ws {
			require.NoError(t, fallbackcodec.WriteSizePrefixed(&buf, fallbacktesting.NewWidget(int64(i+1), n, ""), false))
		}
		if end != nil {
			require.NoError(t, fallbackcodec.WriteSizePrefixed(&buf, status.Convert(end).Proto(), true))
		}
		return &buf
	}

	t.Run("success", func(t *testing.T) {
		elems, err := parse(t, fallbackcodec.SizePrefixedParser, write(t, nil, "a", "b"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, names(elems))
	})

	t.Run("explicit ok trailer", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, fallbackcodec.WriteSizePrefixed(&buf, fallbacktesting.NewWidget(1, "a", ""), false))
		require.NoError(t, fallbackcodec.WriteSizePrefixed(&buf, &spb.Status{Message: "fine"}, true))
		elems, err := parse(t, fallbackcodec.SizePrefixedParser, &buf)
		require.NoError(t, err)
		assert.Len(t, elems, 1)
	})

	t.Run("error trailer", func(t *testing.T) {
		elems, err := parse(t, fallbackcodec.SizePrefixedParser, write(t, status.Error(codes.Aborted, "conflict"), "a"))
		assert.Len(t, elems, 1)
		st := status.Convert(err)
		assert.Equal(t, codes.Aborted, st.Code())
		assert.Equal(t, "conflict", st.Message())
	})

	t.Run("empty", func(t *testing.T) {
		elems, err := parse(t, fallbackcodec.SizePrefixedParser, &bytes.Buffer{})
		assert.NoError(t, err)
		assert.Empty(t, elems)
	})

	t.Run("truncated", func(t *testing.T) {
		buf := write(t, nil, "a", "b")
		b := buf.Bytes()
		_, err := parse(t, fallbackcodec.SizePrefixedParser, bytes.NewReader(b[:len(b)-2]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

		_, err = parse(t, fallbackcodec.SizePrefixedParser, bytes.NewReader([]byte{0, 0}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized", func(t *testing.T) {
		_, err := parse(t, fallbackcodec.SizePrefixedParser, bytes.NewReader([]byte{0x7f, 0xff, 0xff, 0xff}))
		assert.ErrorContains(t, err, "too large")
	})
}
