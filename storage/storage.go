// Package storage implements the per-series ordered chain of chunks.
// Each SeriesStorage is guarded by a single
// sync.RWMutex (single-writer/many-reader locking discipline);
// sealed chunks are immutable and safe to hand out to readers without
// holding the lock once a scan has taken its snapshot of chunk handles.
package storage

import (
	"sort"
	"sync"

	"github.com/vmcore/vmcore/chunk"
	"github.com/vmcore/vmcore/vmerrors"
)

// SeriesStorage is the ordered sequence of chunks for one series:
// chunks[0].max_ts <= chunks[1].min_ts <= ... The last entry, if
// unsealed, is the head chunk receiving appends.
type SeriesStorage struct {
	mu sync.RWMutex

	seriesID uint64
	capacity int

	// outOfOrderWindow bounds how far behind max_ts an incoming sample
	// may land before it is rejected rather than rewriting the head
	// chunk in place ("Out-of-order writes").
	outOfOrderWindow int64

	chunks []*chunk.Chunk

	// latestWriteTS is read by the rollup cache to decide whether a
	// cached result computed before this write is still valid (soft
	// invalidation).
	latestWriteTS int64
}

// New creates an empty SeriesStorage for seriesID.
func New(seriesID uint64, capacity int, outOfOrderWindow int64) *SeriesStorage {
	if capacity <= 0 {
		capacity = chunk.DefaultCapacity
	}
	return &SeriesStorage{
		seriesID:         seriesID,
		capacity:         capacity,
		outOfOrderWindow: outOfOrderWindow,
	}
}

func (s *SeriesStorage) head() *chunk.Chunk {
	if len(s.chunks) == 0 {
		return nil
	}
	last := s.chunks[len(s.chunks)-1]
	if last.IsSealed() {
		return nil
	}
	return last
}

// Append routes (ts, v) to the head chunk, sealing and allocating a new
// head on ErrChunkFull. Samples within the configured out-of-order
// window of the current max timestamp rewrite the head chunk in place;
// samples further behind are rejected with OutOfOrder ("Out-of-order
// writes").
func (s *SeriesStorage) Append(ts int64, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.head()
	if head == nil {
		head = chunk.NewHead(s.capacity)
		s.chunks = append(s.chunks, head)
	}

	err := head.Append(ts, v)
	switch err {
	case nil:
		s.latestWriteTS = ts
		return nil
	case chunk.ErrChunkFull:
		head.Seal()
		newHead := chunk.NewHead(s.capacity)
		if err := newHead.Append(ts, v); err != nil {
			return err
		}
		s.chunks = append(s.chunks, newHead)
		s.latestWriteTS = ts
		return nil
	case chunk.ErrOutOfOrder:
		return s.rewriteOutOfOrder(head, ts, v)
	default:
		return err
	}
}

// rewriteOutOfOrder handles a sample landing behind the head chunk's
// max timestamp but within the tolerated out-of-order window W: it
// decodes the head, inserts the sample in order (last-write-wins on an
// exact timestamp match), and rebuilds the head chunk. Samples older
// than max_ts - W are rejected outright.
func (s *SeriesStorage) rewriteOutOfOrder(head *chunk.Chunk, ts int64, v float64) error {
	if ts < head.MaxTS()-s.outOfOrderWindow {
		return &vmerrors.OutOfOrder{SeriesID: s.seriesID, Timestamp: ts, MaxSeen: head.MaxTS()}
	}
	samples, err := head.Samples()
	if err != nil {
		return err
	}
	samples = insertSample(samples, chunk.Sample{TS: ts, Val: v})
	s.chunks[len(s.chunks)-1] = chunk.HeadFromSamples(samples, s.capacity)
	if ts > s.latestWriteTS {
		s.latestWriteTS = ts
	}
	return nil
}

func insertSample(samples []chunk.Sample, s chunk.Sample) []chunk.Sample {
	i := sort.Search(len(samples), func(i int) bool { return samples[i].TS >= s.TS })
	if i < len(samples) && samples[i].TS == s.TS {
		samples[i].Val = s.Val
		return samples
	}
	samples = append(samples, chunk.Sample{})
	copy(samples[i+1:], samples[i:])
	samples[i] = s
	return samples
}

// Range merges chunk scans into one ordered stream of samples with
// t0 <= ts <= t1.
func (s *SeriesStorage) Range(t0, t1 int64) ([]chunk.Sample, error) {
	s.mu.RLock()
	handles := make([]*chunk.Chunk, len(s.chunks))
	copy(handles, s.chunks)
	// The head chunk is mutated in place by Append, so it is scanned
	// while the read lock is held; sealed chunks are scanned after.
	var headPart []chunk.Sample
	var headErr error
	if h := s.head(); h != nil {
		handles = handles[:len(handles)-1]
		headPart, headErr = h.Scan(t0, t1)
	}
	s.mu.RUnlock()
	if headErr != nil {
		return nil, headErr
	}

	var out []chunk.Sample
	for _, c := range handles {
		part, err := c.Scan(t0, t1)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return append(out, headPart...), nil
}

// Get returns the sample at exactly ts, if present.
func (s *SeriesStorage) Get(ts int64) (chunk.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.chunks) - 1; i >= 0; i-- {
		c := s.chunks[i]
		if ts < c.MinTS() || ts > c.MaxTS() {
			continue
		}
		if v, ok := c.At(ts); ok {
			return v, true
		}
	}
	return chunk.Sample{}, false
}

// Latest returns the most recent sample with t0 <= ts <= t1, used by
// the instant-vector selector's lookback window.
func (s *SeriesStorage) Latest(t0, t1 int64) (chunk.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.chunks) - 1; i >= 0; i-- {
		c := s.chunks[i]
		if c.MaxTS() < t0 {
			break
		}
		if c.MinTS() > t1 {
			continue
		}
		samples, err := c.Scan(t0, t1)
		if err != nil || len(samples) == 0 {
			continue
		}
		return samples[len(samples)-1], true
	}
	return chunk.Sample{}, false
}

// Overlaps reports whether the series has at least one sample with
// t0 <= ts <= t1, approximated by chunk-boundary overlap per's
// stated tolerance (false positives allowed, false negatives are not).
func (s *SeriesStorage) Overlaps(t0, t1 int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chunks {
		if c.Count() == 0 {
			continue
		}
		if c.MaxTS() >= t0 && c.MinTS() <= t1 {
			return true
		}
	}
	return false
}

// DeleteRange drops whole chunks (sealed or head) contained in [t0, t1] and
// rewrites partially-covered chunks (including the head) minus the
// deleted samples. Returns the number of samples deleted. The series
// itself is never removed, even if emptied.
func (s *SeriesStorage) DeleteRange(t0, t1 int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		deleted int
		kept    []*chunk.Chunk
	)
	for _, c := range s.chunks {
		if c.Count() == 0 {
			continue
		}
		if c.MinTS() >= t0 && c.MaxTS() <= t1 {
			deleted += c.Count()
			continue
		}
		if c.MaxTS() < t0 || c.MinTS() > t1 {
			kept = append(kept, c)
			continue
		}
		samples, err := c.Samples()
		if err != nil {
			return 0, err
		}
		remaining := samples[:0:0]
		for _, sm := range samples {
			if sm.TS >= t0 && sm.TS <= t1 {
				deleted++
				continue
			}
			remaining = append(remaining, sm)
		}
		if len(remaining) == 0 {
			continue
		}
		if c.IsSealed() {
			kept = append(kept, chunk.FromSamples(remaining))
		} else {
			kept = append(kept, chunk.HeadFromSamples(remaining, s.capacity))
		}
	}
	s.chunks = kept
	return deleted, nil
}

// Trim drops chunks (sealed or head) with max_ts < olderThan. A partially-covered
// boundary chunk is rewritten to keep only samples >= olderThan.
func (s *SeriesStorage) Trim(olderThan int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		dropped int
		kept    []*chunk.Chunk
	)
	for _, c := range s.chunks {
		if c.Count() == 0 {
			continue
		}
		if c.MaxTS() < olderThan {
			dropped += c.Count()
			continue
		}
		if c.MinTS() >= olderThan {
			kept = append(kept, c)
			continue
		}
		samples, err := c.Samples()
		if err != nil {
			return 0, err
		}
		remaining := samples[:0:0]
		for _, sm := range samples {
			if sm.TS < olderThan {
				dropped++
				continue
			}
			remaining = append(remaining, sm)
		}
		if len(remaining) == 0 {
			continue
		}
		if c.IsSealed() {
			kept = append(kept, chunk.FromSamples(remaining))
		} else {
			kept = append(kept, chunk.HeadFromSamples(remaining, s.capacity))
		}
	}
	s.chunks = kept
	return dropped, nil
}

// LatestWriteTS returns the high-water mark used by the rollup cache's
// soft invalidation.
func (s *SeriesStorage) LatestWriteTS() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestWriteTS
}

// ChunkCount reports the number of chunks currently held.
func (s *SeriesStorage) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
