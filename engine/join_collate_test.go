package engine

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"

	"github.com/vmcore/vmcore/index"
	"github.com/vmcore/vmcore/query/parser"
)

func TestJoinMatchesOnLabel(t *testing.T) {
	e := newTestEngine(t)
	req := labels.FromStrings("__name__", "requests", "job", "api")
	errMetric := labels.FromStrings("__name__", "errors", "job", "api")
	idReq, _, _ := e.CreateSeries(req, 0)
	idErr, _, _ := e.CreateSeries(errMetric, 0)
	require.NoError(t, e.Add(idReq, 1000, 100))
	require.NoError(t, e.Add(idErr, 1000, 5))

	pairs, joinErr := e.Join(context.Background(), "requests", "errors", &parser.VectorMatching{On: true, MatchLabels: []string{"job"}}, 1000)
	require.NoError(t, joinErr)
	require.Len(t, pairs, 1)
	require.Equal(t, 100.0, pairs[0].Left)
	require.Equal(t, 5.0, pairs[0].Right)
}

func TestCollateFillsGapsWithNaN(t *testing.T) {
	e := newTestEngine(t)
	metric := labels.FromStrings("__name__", "temp")
	id, _, _ := e.CreateSeries(metric, 0)
	require.NoError(t, e.Add(id, 0, 1))
	require.NoError(t, e.Add(id, 2000, 3))

	matchers := []*index.Matcher{mustMatcher(t, index.MatchEqual, "__name__", "temp")}
	series, err := e.Collate(matchers, 0, 2000, 1000)
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Len(t, series[0].Points, 3)
	require.Equal(t, 1.0, series[0].Points[0].Value)
	require.True(t, math.IsNaN(series[0].Points[1].Value))
	require.Equal(t, 3.0, series[0].Points[2].Value)
}
