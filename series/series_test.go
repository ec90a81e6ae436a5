package series

import (
	"testing"
	"time"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return New(Options{ChunkCapacity: 8, OutOfOrderWindow: 0})
}

func TestGetOrCreateIsIdempotentByLabelSet(t *testing.T) {
	r := testRegistry()
	lset := labels.FromStrings("__name__", "up", "job", "api")

	s1, created1, err := r.GetOrCreate(lset)
	require.NoError(t, err)
	require.True(t, created1)

	s2, created2, err := r.GetOrCreate(lset)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, s1.ID, s2.ID)
	require.Equal(t, 1, r.Len())
}

func TestGetOrCreateDistinctLabelsGetDistinctIDs(t *testing.T) {
	r := testRegistry()
	a, _, err := r.GetOrCreate(labels.FromStrings("__name__", "up", "job", "a"))
	require.NoError(t, err)
	b, _, err := r.GetOrCreate(labels.FromStrings("__name__", "up", "job", "b"))
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, r.Len())
}

func TestDistinctFingerprintsGetDistinctSeries(t *testing.T) {
	r := testRegistry()
	lsetA := labels.FromStrings("__name__", "up", "job", "a")
	lsetB := labels.FromStrings("__name__", "up", "job", "b")
	require.NotEqual(t, Fingerprint(lsetA), Fingerprint(lsetB))

	_, _, err := r.GetOrCreate(lsetA)
	require.NoError(t, err)
	s, created, err := r.GetOrCreate(lsetB)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, labels.Equal(s.Labels, lsetB))
}

func TestGetByIDUnknown(t *testing.T) {
	r := testRegistry()
	_, ok := r.GetByID(999)
	require.False(t, ok)
}

func TestDeleteRemovesFromBothIndexes(t *testing.T) {
	r := testRegistry()
	lset := labels.FromStrings("__name__", "up")
	s, _, err := r.GetOrCreate(lset)
	require.NoError(t, err)

	require.NoError(t, r.Delete(s.ID))
	_, ok := r.GetByID(s.ID)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())

	_, created, err := r.GetOrCreate(lset)
	require.NoError(t, err)
	require.True(t, created)
}

func TestDeleteUnknownIDReturnsNotFound(t *testing.T) {
	r := testRegistry()
	err := r.Delete(1)
	require.Error(t, err)
}

func TestRetentionDefaultsAndOverride(t *testing.T) {
	r := testRegistry()
	s, _, err := r.GetOrCreate(labels.FromStrings("__name__", "up"))
	require.NoError(t, err)

	def := 30 * time.Minute
	require.Equal(t, def, s.Retention(def))

	s.SetRetention(5 * time.Second)
	require.Equal(t, 5*time.Second, s.Retention(def))
}

func TestForEachVisitsEverySeries(t *testing.T) {
	r := testRegistry()
	want := map[uint64]bool{}
	for _, name := range []string{"a", "b", "c"} {
		s, _, err := r.GetOrCreate(labels.FromStrings("__name__", name))
		require.NoError(t, err)
		want[s.ID] = false
	}

	got := map[uint64]bool{}
	r.ForEach(func(s *Series) { got[s.ID] = true })
	require.Len(t, got, len(want))
	for id := range want {
		require.True(t, got[id])
	}
}
