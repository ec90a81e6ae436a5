package chunk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]Sample{
		{{TS: 1000, Val: 1.5}},
		{{TS: 1000, Val: 1.5}, {TS: 2000, Val: 1.5}, {TS: 3000, Val: 1.5}},
		{{TS: 0, Val: math.NaN()}, {TS: 1, Val: 1}, {TS: 2, Val: math.NaN()}},
		genAscending(500),
	}

	for i, samples := range cases {
		samples := samples
		t.Run("", func(t *testing.T) {
			t.Parallel()
			enc := encode(samples)
			got, err := decode(enc)
			require.NoError(t, err)
			require.Len(t, got, len(samples))
			for j := range samples {
				require.Equal(t, samples[j].TS, got[j].TS, "case %d sample %d", i, j)
				if math.IsNaN(samples[j].Val) {
					require.True(t, math.IsNaN(got[j].Val), "case %d sample %d", i, j)
				} else {
					require.Equal(t, samples[j].Val, got[j].Val, "case %d sample %d", i, j)
				}
			}
		})
	}
}

func genAscending(n int) []Sample {
	out := make([]Sample, n)
	ts := int64(1_700_000_000_000)
	val := 10.0
	for i := 0; i < n; i++ {
		ts += int64(1000 + i%7)
		val += float64(i%13) - 6
		out[i] = Sample{TS: ts, Val: val}
	}
	return out
}

func TestAppendChunkFull(t *testing.T) {
	c := NewHead(4)
	require.NoError(t, c.Append(1, 1))
	require.NoError(t, c.Append(2, 2))
	require.NoError(t, c.Append(3, 3))
	require.NoError(t, c.Append(4, 4))
	require.ErrorIs(t, c.Append(5, 5), ErrChunkFull)
}

func TestAppendOutOfOrder(t *testing.T) {
	c := NewHead(10)
	require.NoError(t, c.Append(10, 1))
	require.ErrorIs(t, c.Append(5, 2), ErrOutOfOrder)
}

func TestAppendEqualTimestampLastWriteWins(t *testing.T) {
	c := NewHead(10)
	require.NoError(t, c.Append(10, 1))
	require.NoError(t, c.Append(10, 99))
	samples, err := c.Samples()
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, 99.0, samples[0].Val)
}

func TestSealIsImmutable(t *testing.T) {
	c := NewHead(10)
	require.NoError(t, c.Append(1, 1))
	require.NoError(t, c.Append(2, 2))
	c.Seal()
	require.True(t, c.IsSealed())
	require.Error(t, c.Append(3, 3))

	samples, err := c.Samples()
	require.NoError(t, err)
	require.Len(t, samples, 2)
}

func TestScanSkipsNonOverlappingChunks(t *testing.T) {
	c := NewHead(10)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, c.Append(i*1000, float64(i)))
	}
	c.Seal()

	samples, err := c.Scan(10000, 20000)
	require.NoError(t, err)
	require.Nil(t, samples)

	samples, err = c.Scan(1000, 3000)
	require.NoError(t, err)
	require.Len(t, samples, 3)
}

func TestAtReturnsExactSample(t *testing.T) {
	c := NewHead(10)
	require.NoError(t, c.Append(100, 42))
	require.NoError(t, c.Append(200, 43))

	s, ok := c.At(200)
	require.True(t, ok)
	require.Equal(t, 43.0, s.Val)

	_, ok = c.At(150)
	require.False(t, ok)
}
