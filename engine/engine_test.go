package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"

	"github.com/vmcore/vmcore/index"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{
		Retention:          time.Hour,
		MaxSamplesPerQuery: 100000,
		ChunkCapacity:      8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustMatcher(t *testing.T, op index.MatchOp, name, value string) *index.Matcher {
	t.Helper()
	m, err := index.NewMatcher(op, name, value)
	require.NoError(t, err)
	return m
}

func TestCreateSeriesAndAdd(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "http_requests_total", "job", "api")

	id, created, err := e.CreateSeries(metric, 0)
	require.NoError(t, err)
	require.True(t, created)

	id2, created2, err := e.CreateSeries(metric, 0)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id, id2)

	require.NoError(t, e.Add(id, 1000, 1))
	require.NoError(t, e.Add(id, 2000, 2))

	samp, ok, err := e.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2000), samp.TS)
	require.Equal(t, 2.0, samp.Val)
}

func TestMAddReportsPerEntryErrors(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "cpu_seconds")
	id, _, err := e.CreateSeries(metric, 0)
	require.NoError(t, err)

	errs := e.MAdd([]AddEntry{
		{SeriesID: id, TS: 1000, Value: 1},
		{SeriesID: 999999, TS: 1000, Value: 1}, // unknown series
	})
	require.Len(t, errs, 2)
	require.NoError(t, errs[0])
	require.Error(t, errs[1])
}

func TestSeriesAndCardinality(t *testing.T) {
	e := newTestEngine(t)
	a := labels.FromStrings("__name__", "up", "job", "api")
	b := labels.FromStrings("__name__", "up", "job", "db")

	idA, _, err := e.CreateSeries(a, 0)
	require.NoError(t, err)
	idB, _, err := e.CreateSeries(b, 0)
	require.NoError(t, err)
	require.NoError(t, e.Add(idA, 1000, 1))
	require.NoError(t, e.Add(idB, 1000, 1))

	matchers := []*index.Matcher{mustMatcher(t, index.MatchEqual, "__name__", "up")}
	n, err := e.Cardinality(matchers)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	series, err := e.Series(matchers, 0, 2000)
	require.NoError(t, err)
	require.Len(t, series, 2)

	names, err := e.LabelNames(matchers)
	require.NoError(t, err)
	require.Contains(t, names, "job")

	values, err := e.LabelValues("job", matchers)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"api", "db"}, values)
}

func TestDeleteSeriesRemovesFromIndex(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "temp_celsius")
	id, _, err := e.CreateSeries(metric, 0)
	require.NoError(t, err)
	require.NoError(t, e.Add(id, 1000, 10))

	matchers := []*index.Matcher{mustMatcher(t, index.MatchEqual, "__name__", "temp_celsius")}
	n, err := e.DeleteSeries(matchers)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := e.Labels(id)
	require.False(t, ok)

	cnt, err := e.Cardinality(matchers)
	require.NoError(t, err)
	require.Equal(t, 0, cnt)
}

func TestQueryInstantSum(t *testing.T) {
	e := newTestEngine(t)
	a := labels.FromStrings("__name__", "reqs", "job", "api")
	b := labels.FromStrings("__name__", "reqs", "job", "db")
	idA, _, _ := e.CreateSeries(a, 0)
	idB, _, _ := e.CreateSeries(b, 0)
	require.NoError(t, e.Add(idA, 1000, 3))
	require.NoError(t, e.Add(idB, 1000, 4))

	vec, err := e.Query(context.Background(), "sum(reqs)", 1000, -1)
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 7.0, vec[0].V)
}

func TestQueryRangeRate(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "counter_total")
	id, _, _ := e.CreateSeries(metric, 0)
	for i, v := range []float64{0, 10, 20, 30} {
		require.NoError(t, e.Add(id, int64(i)*60000, v))
	}

	m, err := e.QueryRange(context.Background(), "rate(counter_total[2m])", 120000, 180000, time.Minute, -1)
	require.NoError(t, err)
	require.Len(t, m, 1)
	require.NotEmpty(t, m[0].Points)
}

func TestActiveQueriesAndTopQueries(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "up")
	id, _, _ := e.CreateSeries(metric, 0)
	require.NoError(t, e.Add(id, 1000, 1))

	_, err := e.Query(context.Background(), "up", 1000, -1)
	require.NoError(t, err)

	require.Empty(t, e.ActiveQueries())

	report := e.TopQueries()
	require.NotEmpty(t, report.ByCount)
}

func TestStatsAndResetRollupCache(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "widgets")
	id, _, _ := e.CreateSeries(metric, 0)
	require.NoError(t, e.Add(id, 1000, 1))

	stats := e.Stats()
	require.Equal(t, 1, stats.SeriesCount)

	e.ResetRollupCache()
	require.Equal(t, 0, e.Stats().RollupCacheSize)
}

func TestAlterSeriesUnknownID(t *testing.T) {
	e := newTestEngine(t)
	err := e.AlterSeries(12345, time.Hour)
	require.Error(t, err)
}

func TestQueryParseError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Query(context.Background(), "sum(", 1000, -1)
	require.Error(t, err)
}

func TestQueryRounding(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "ratio")
	id, _, _ := e.CreateSeries(metric, 0)
	require.NoError(t, e.Add(id, 1000, 1.23456))

	vec, err := e.Query(context.Background(), "ratio", 1000, 2)
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.InDelta(t, 1.23, vec[0].V, 1e-9)
}
