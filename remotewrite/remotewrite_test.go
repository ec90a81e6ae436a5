package remotewrite

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/require"

	"github.com/vmcore/vmcore/engine"
	"github.com/vmcore/vmcore/index"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Options{ChunkCapacity: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func encodeWriteRequest(t *testing.T, req *prompb.WriteRequest) []byte {
	t.Helper()
	data, err := proto.Marshal(req)
	require.NoError(t, err)
	return snappy.Encode(nil, data)
}

func TestHandlerIngestsRemoteWriteSamples(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, nil)

	req := &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			{
				Labels: []prompb.Label{
					{Name: "__name__", Value: "up"},
					{Name: "job", Value: "api"},
				},
				Samples: []prompb.Sample{
					{Timestamp: 1000, Value: 1},
					{Timestamp: 2000, Value: 0},
				},
			},
		},
	}
	body := encodeWriteRequest(t, req)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/write", strings.NewReader(string(body)))
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)

	matchers := []*index.Matcher{}
	m, err := index.NewMatcher(index.MatchEqual, "__name__", "up")
	require.NoError(t, err)
	matchers = append(matchers, m)

	n, err := e.Cardinality(matchers)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHandlerRejectsNonPost(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, nil)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/write", nil)
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerRejectsBadSnappy(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, nil)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/write", strings.NewReader("not snappy"))
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
