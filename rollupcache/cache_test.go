package rollupcache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmcore/vmcore/query/exec"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(1 << 20)
	e := &Entry{Vector: exec.Vector{{V: 1}}, ComputedAt: 100, SeriesMaxTS: map[uint64]int64{1: 50}}
	c.Put(42, e)

	got, ok := c.Get(42, func(uint64) int64 { return 50 })
	require.True(t, ok)
	require.Equal(t, e.Vector, got.Vector)
}

func TestGetInvalidatesOnNewerWrite(t *testing.T) {
	c := New(1 << 20)
	e := &Entry{Vector: exec.Vector{{V: 1}}, ComputedAt: 100, SeriesMaxTS: map[uint64]int64{1: 50}}
	c.Put(42, e)

	_, ok := c.Get(42, func(uint64) int64 { return 999 })
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestEvictionUnderBudget(t *testing.T) {
	c := New(100)
	for i := uint64(0); i < 20; i++ {
		c.Put(i, &Entry{Vector: make(exec.Vector, 10)})
	}
	require.Less(t, c.Len(), 20)
}

func TestResetClearsCache(t *testing.T) {
	c := New(1 << 20)
	c.Put(1, &Entry{Vector: exec.Vector{{V: 1}}})
	require.Equal(t, 1, c.Len())
	c.Reset()
	require.Equal(t, 0, c.Len())
}

func TestComputeDedupesConcurrentCallers(t *testing.T) {
	c := New(1 << 20)
	var calls int64
	fn := func() (*Entry, error) {
		atomic.AddInt64(&calls, 1)
		return &Entry{Vector: exec.Vector{{V: 1}}, SeriesMaxTS: map[uint64]int64{}}, nil
	}
	wtsFn := func(uint64) int64 { return 0 }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Compute(7, wtsFn, fn)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
