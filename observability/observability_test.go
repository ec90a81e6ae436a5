package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActiveQueriesAdmitAndFinish(t *testing.T) {
	a := NewActiveQueries(nil)
	a.Admit(1, "up")
	snap := a.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "up", snap[0].Expr)

	a.Finish(1)
	require.Empty(t, a.Snapshot())
}

func TestTopQueriesCountsAndFilters(t *testing.T) {
	tq := NewTopQueries(TopQueriesOptions{Capacity: 10, TopK: 5, MinQueryDuration: 10 * time.Millisecond})
	tq.Record(CompletedQuery{Expr: "up", Duration: 5 * time.Millisecond})  // filtered out
	tq.Record(CompletedQuery{Expr: "up", Duration: 20 * time.Millisecond})
	tq.Record(CompletedQuery{Expr: "up", Duration: 30 * time.Millisecond})
	tq.Record(CompletedQuery{Expr: "down", Duration: 100 * time.Millisecond})

	byCount := tq.TopByCount()
	require.Equal(t, "up", byCount[0].Expr)
	require.Equal(t, 2, byCount[0].Count)

	bySum := tq.TopBySumDuration()
	require.Equal(t, "down", bySum[0].Expr)
}

func TestTopQueriesRingWraps(t *testing.T) {
	tq := NewTopQueries(TopQueriesOptions{Capacity: 3, TopK: 5})
	for i := 0; i < 10; i++ {
		tq.Record(CompletedQuery{Expr: "q", Duration: time.Millisecond})
	}
	stats := tq.TopByCount()
	require.Len(t, stats, 1)
	require.Equal(t, 3, stats[0].Count)
}
