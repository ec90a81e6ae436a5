// Package chunk implements bounded, compressed blocks of (timestamp,
// value) samples for one series. A chunk is either the
// mutable "head" (single writer, many readers via the owning series'
// lock) or sealed and immutable.
package chunk

import (
	"errors"
)

var (
	// ErrChunkFull is returned by Append when the chunk has reached its
	// target capacity; the caller should seal the chunk and allocate a
	// new head.
	ErrChunkFull = errors.New("chunk: full")
	// ErrOutOfOrder is returned by Append on a head chunk when ts is
	// less than the chunk's current max timestamp. The out-of-order
	// window is applied by the series storage, not here.
	ErrOutOfOrder = errors.New("chunk: out of order sample")

	errCorrupt = errors.New("chunk: corrupt encoding")
)

// DefaultCapacity is the target sample count per chunk (120-4096
// samples; 120 matches one scrape-interval's worth of 15s samples per
// 30 minutes in the reference Prometheus deployment shape).
const DefaultCapacity = 120

// Chunk is one bounded, ordered run of samples for a single series.
// The zero value is not usable; use NewHead.
type Chunk struct {
	capacity int
	sealed   bool

	minTS, maxTS int64
	count        int

	// head state: decoded samples, appended to directly.
	samples []Sample

	// sealed state: compressed bytes, decoded lazily by Scan.
	encoded []byte
}

// NewHead allocates a new, empty, mutable head chunk with the given
// target capacity (DefaultCapacity if capacity <= 0).
func NewHead(capacity int) *Chunk {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Chunk{
		capacity: capacity,
		minTS:    0,
		maxTS:    0,
		samples:  make([]Sample, 0, capacity),
	}
}

// IsSealed reports whether the chunk is immutable.
func (c *Chunk) IsSealed() bool { return c.sealed }

// MinTS returns the timestamp of the chunk's first sample. Zero for an
// empty head chunk.
func (c *Chunk) MinTS() int64 { return c.minTS }

// MaxTS returns the timestamp of the chunk's last sample.
func (c *Chunk) MaxTS() int64 { return c.maxTS }

// Count returns the number of samples in the chunk.
func (c *Chunk) Count() int { return c.count }

// EncodedBytes returns the size in bytes of the chunk's compressed
// encoding. For a head chunk this is the encoded size computed
// on-the-fly (head chunks don't keep a standing encoding, since they're
// still being appended to).
func (c *Chunk) EncodedBytes() int {
	if c.sealed {
		return len(c.encoded)
	}
	return len(encode(c.samples))
}

// Append adds (ts, v) to a head chunk. It fails with ErrChunkFull once
// the chunk reaches capacity, or ErrOutOfOrder if ts is less than the
// current max timestamp. Equal timestamps follow last-write-wins: the
// existing sample's value is overwritten. This applies only in the
// head chunk -- Append on a sealed chunk always fails.
func (c *Chunk) Append(ts int64, v float64) error {
	if c.sealed {
		return errors.New("chunk: append to sealed chunk")
	}
	if c.count > 0 {
		if ts < c.maxTS {
			return ErrOutOfOrder
		}
		if ts == c.maxTS {
			c.samples[len(c.samples)-1].Val = v
			return nil
		}
	}
	if c.count >= c.capacity {
		return ErrChunkFull
	}
	if c.count == 0 {
		c.minTS = ts
	}
	c.samples = append(c.samples, Sample{TS: ts, Val: v})
	c.maxTS = ts
	c.count++
	return nil
}

// Seal freezes the chunk: its samples are encoded and compressed once,
// and further Append calls fail. Sealed chunks are safe to read
// lock-free from multiple goroutines.
func (c *Chunk) Seal() {
	if c.sealed {
		return
	}
	c.encoded = encode(c.samples)
	c.samples = nil
	c.sealed = true
}

// Samples decodes and returns every sample in the chunk in ascending
// timestamp order. For a head chunk this is a cheap slice copy; for a
// sealed chunk it runs the Gorilla/snappy decoder.
func (c *Chunk) Samples() ([]Sample, error) {
	if !c.sealed {
		out := make([]Sample, len(c.samples))
		copy(out, c.samples)
		return out, nil
	}
	return decode(c.encoded)
}

// Scan returns the subsequence of the chunk's samples with
// t0 <= ts <= t1. Returns (nil, nil) without decoding when the chunk's
// [min_ts, max_ts] does not intersect [t0, t1].
func (c *Chunk) Scan(t0, t1 int64) ([]Sample, error) {
	if c.count == 0 || c.maxTS < t0 || c.minTS > t1 {
		return nil, nil
	}
	all, err := c.Samples()
	if err != nil {
		return nil, err
	}
	lo := searchTS(all, t0)
	hi := lo
	for hi < len(all) && all[hi].TS <= t1 {
		hi++
	}
	return all[lo:hi], nil
}

// At returns the sample at exactly ts, if present.
func (c *Chunk) At(ts int64) (Sample, bool) {
	if c.count == 0 || ts < c.minTS || ts > c.maxTS {
		return Sample{}, false
	}
	all, err := c.Samples()
	if err != nil {
		return Sample{}, false
	}
	i := searchTS(all, ts)
	if i < len(all) && all[i].TS == ts {
		return all[i], true
	}
	return Sample{}, false
}

// FromSamples builds a sealed chunk directly from an already-ordered,
// strictly-ascending-timestamp sample slice. Used by series storage to
// rewrite a chunk after a partial delete-range or trim.
func FromSamples(samples []Sample) *Chunk {
	if len(samples) == 0 {
		return &Chunk{sealed: true}
	}
	c := &Chunk{
		sealed:  true,
		minTS:   samples[0].TS,
		maxTS:   samples[len(samples)-1].TS,
		count:   len(samples),
		encoded: encode(samples),
	}
	return c
}

// HeadFromSamples builds a new mutable head chunk pre-populated with
// samples, used when a delete-range or out-of-order rewrite targets the
// current head chunk in place.
func HeadFromSamples(samples []Sample, capacity int) *Chunk {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := NewHead(capacity)
	for _, s := range samples {
		c.samples = append(c.samples, s)
	}
	c.count = len(samples)
	if c.count > 0 {
		c.minTS = samples[0].TS
		c.maxTS = samples[c.count-1].TS
	}
	return c
}

func searchTS(samples []Sample, ts int64) int {
	lo, hi := 0, len(samples)
	for lo < hi {
		mid := (lo + hi) / 2
		if samples[mid].TS < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
