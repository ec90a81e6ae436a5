package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRange(t *testing.T) {
	s := New(1, 120, 0)
	require.NoError(t, s.Append(1000, 30))
	require.NoError(t, s.Append(2000, 31))

	samples, err := s.Range(0, 3000)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, int64(1000), samples[0].TS)
	require.Equal(t, int64(2000), samples[1].TS)
}

func TestChunkSealingOnCapacity(t *testing.T) {
	s := New(1, 4, 0)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Append(i*1000, float64(i)))
	}
	require.Equal(t, 3, s.ChunkCount()) // 4 + 4 + 2

	samples, err := s.Range(0, 10000)
	require.NoError(t, err)
	require.Len(t, samples, 10)
}

func TestDeleteRangeKeepsSeries(t *testing.T) {
	s := New(1, 120, 0)
	require.NoError(t, s.Append(1000, 30))
	require.NoError(t, s.Append(2000, 31))

	n, err := s.DeleteRange(1500, 2500)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	samples, err := s.Range(0, 3000)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, int64(1000), samples[0].TS)
}

func TestDeleteRangeOutsideUnchanged(t *testing.T) {
	s := New(1, 4, 0)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Append(i*1000, float64(i)))
	}
	_, err := s.DeleteRange(2000, 3000)
	require.NoError(t, err)

	samples, err := s.Range(0, 1000)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	samples, err = s.Range(4000, 9000)
	require.NoError(t, err)
	require.Len(t, samples, 6)
}

func TestTrimDropsOldSealedChunks(t *testing.T) {
	s := New(1, 2, 0)
	for i := int64(0); i < 6; i++ {
		require.NoError(t, s.Append(i*1000, float64(i)))
	}
	dropped, err := s.Trim(4000)
	require.NoError(t, err)
	require.Equal(t, 4, dropped)

	samples, err := s.Range(0, 10000)
	require.NoError(t, err)
	require.Len(t, samples, 2)
}

func TestOutOfOrderRejectedBeyondWindow(t *testing.T) {
	s := New(1, 120, 500)
	require.NoError(t, s.Append(10000, 1))
	err := s.Append(9000, 2) // 1000 behind, window is 500
	require.Error(t, err)
}

func TestOutOfOrderAcceptedWithinWindow(t *testing.T) {
	s := New(1, 120, 2000)
	require.NoError(t, s.Append(10000, 1))
	require.NoError(t, s.Append(9000, 2))

	samples, err := s.Range(0, 20000)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, int64(9000), samples[0].TS)
}
