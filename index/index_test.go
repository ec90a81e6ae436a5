package index

import (
	"testing"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"
)

func TestResolveEqualityIntersection(t *testing.T) {
	idx := New()
	series := map[uint64]labels.Labels{
		1: labels.FromStrings("__name__", "up", "job", "a"),
		2: labels.FromStrings("__name__", "up", "job", "b"),
		3: labels.FromStrings("__name__", "down", "job", "a"),
	}
	for id, l := range series {
		idx.Add(id, l)
	}
	labelsOf := func(id uint64) (labels.Labels, bool) { l, ok := series[id]; return l, ok }

	m1, _ := NewMatcher(MatchEqual, "__name__", "up")
	m2, _ := NewMatcher(MatchEqual, "job", "a")
	got, err := idx.Resolve([]*Matcher{m1, m2}, labelsOf)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, got)
}

func TestResolveRejectsAllMatchEmpty(t *testing.T) {
	idx := New()
	m1, _ := NewMatcher(MatchRegex, "job", ".*")
	_, err := idx.Resolve([]*Matcher{m1}, nil)
	require.Error(t, err)
}

func TestResolveNameAnchoredRegex(t *testing.T) {
	idx := New()
	series := map[uint64]labels.Labels{
		1: labels.FromStrings("__name__", "http_requests_total", "job", "a"),
		2: labels.FromStrings("__name__", "http_errors_total", "job", "a"),
		3: labels.FromStrings("__name__", "cpu_seconds", "job", "a"),
	}
	for id, l := range series {
		idx.Add(id, l)
	}
	labelsOf := func(id uint64) (labels.Labels, bool) { l, ok := series[id]; return l, ok }

	m1, err := NewMatcher(MatchRegex, "__name__", "http_.*")
	require.NoError(t, err)
	got, err := idx.Resolve([]*Matcher{m1}, labelsOf)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, got)
}

func TestResolveEquivalentToFullScan(t *testing.T) {
	idx := New()
	series := map[uint64]labels.Labels{
		1: labels.FromStrings("__name__", "up", "job", "a", "region", "east"),
		2: labels.FromStrings("__name__", "up", "job", "b", "region", "east"),
		3: labels.FromStrings("__name__", "up", "job", "a", "region", "west"),
	}
	for id, l := range series {
		idx.Add(id, l)
	}
	labelsOf := func(id uint64) (labels.Labels, bool) { l, ok := series[id]; return l, ok }

	mName, _ := NewMatcher(MatchEqual, "__name__", "up")
	mRegion, _ := NewMatcher(MatchNotEqual, "region", "west")
	matchers := []*Matcher{mName, mRegion}

	got, err := idx.Resolve(matchers, labelsOf)
	require.NoError(t, err)

	var want []uint64
	for id, l := range series {
		if matchesAll(matchers, l) {
			want = append(want, id)
		}
	}
	require.ElementsMatch(t, want, got)
}

func TestRemoveDeletesFromPostings(t *testing.T) {
	idx := New()
	l := labels.FromStrings("__name__", "up", "job", "a")
	idx.Add(1, l)
	idx.Remove(1, l)

	m, _ := NewMatcher(MatchEqual, "__name__", "up")
	got, err := idx.Resolve([]*Matcher{m}, func(uint64) (labels.Labels, bool) { return nil, false })
	require.NoError(t, err)
	require.Empty(t, got)
}
