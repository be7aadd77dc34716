package grpcfallback

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics().MustRegister(reg)

	s := mustStub(t, testConfig(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/WatchThings" {
			return reply(http.StatusOK, strings.NewReader("a\nb\n")), nil
		}
		return reply(http.StatusInternalServerError, strings.NewReader("kaput")), nil
	})), WithMetrics(m))

	rec := newRecorder()
	mustInvoker(t, s, "GetThing")("req", nil, nil, rec.cb)
	require.Error(t, rec.await(t).err)
	mustInvoker(t, s, "GetThing")("bad", nil, nil, rec.cb)
	require.Error(t, rec.await(t).err)
	str := mustInvoker(t, s, "WatchThings")("req", nil, nil, nil).(*Stream)
	_, err := drain(t, str)
	require.NoError(t, err)

	// outcomes are recorded after callers are notified
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.calls.WithLabelValues(streamMethod.FullMethod(), outcomeOK)) == 1 &&
			testutil.ToFloat64(m.calls.WithLabelValues(unaryMethod.FullMethod(), outcomeError)) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(m.calls))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))

	lint, err := testutil.GatherAndLint(reg)
	require.NoError(t, err)
	assert.Empty(t, lint)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe("/a.B/C", outcomeOK, time.Now())
	})
}
