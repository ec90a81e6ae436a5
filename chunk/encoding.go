package chunk

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/golang/snappy"
)

// Sample is one (timestamp_ms, value) point. NaN values are legal and
// carried verbatim so PromQL absent()/NaN semantics see them.
type Sample struct {
	TS  int64
	Val float64
}

// encode packs samples using double-delta timestamp encoding and XOR
// value encoding (Gorilla-style), then runs a second, generic
// compression pass with snappy over the bit-packed bytes -- the same
// "domain encode, then generic compress" pipeline used by
// VictoriaMetrics-lineage storage engines, and grounded in the
// teacher's own use of snappy for wire compression.
//
// encode(decode(b)) == b is not guaranteed byte-for-byte (bstream
// padding bits at the tail are don't-cares), but decode(encode(s)) == s
// is guaranteed for any strictly-ascending-timestamp sample slice,
// which is the round-trip property the storage layer actually needs.
func encode(samples []Sample) []byte {
	if len(samples) == 0 {
		return nil
	}
	bs := newBstream()

	// Header: sample count, first timestamp, first value, raw.
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(samples)))
	for _, b := range hdr {
		bs.writeByte(b)
	}
	binary.BigEndian.PutUint64(hdr[:], uint64(samples[0].TS))
	for _, b := range hdr {
		bs.writeByte(b)
	}
	binary.BigEndian.PutUint64(hdr[:], math.Float64bits(samples[0].Val))
	for _, b := range hdr {
		bs.writeByte(b)
	}

	var (
		prevTS    = samples[0].TS
		prevDelta int64
		prevVal   = samples[0].Val
		leading   = uint8(0xff) // sentinel: no previous xor block yet
		trailing  = uint8(0)
	)

	for i := 1; i < len(samples); i++ {
		ts, val := samples[i].TS, samples[i].Val

		delta := ts - prevTS
		dod := delta - prevDelta
		writeDoD(bs, dod)
		prevDelta = delta
		prevTS = ts

		leading, trailing = writeXOR(bs, prevVal, val, leading, trailing)
		prevVal = val
	}

	return snappy.Encode(nil, bs.bytes())
}

// decode reverses encode. It is the only place a sealed chunk's bytes
// are interpreted; callers only pay this cost for chunks that overlap
// a scan's time window.
func decode(encoded []byte) ([]Sample, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, encoded)
	if err != nil {
		return nil, err
	}
	r := newBstreamReader(raw)

	n, ok := readUint64(r)
	if !ok {
		return nil, errCorrupt
	}
	firstTS, ok := readUint64(r)
	if !ok {
		return nil, errCorrupt
	}
	firstValBits, ok := readUint64(r)
	if !ok {
		return nil, errCorrupt
	}

	samples := make([]Sample, 0, n)
	samples = append(samples, Sample{TS: int64(firstTS), Val: math.Float64frombits(firstValBits)})
	if n == 1 {
		return samples, nil
	}

	prevTS := int64(firstTS)
	var prevDelta int64
	prevVal := math.Float64frombits(firstValBits)
	leading := uint8(0xff)
	trailing := uint8(0)

	for i := uint64(1); i < n; i++ {
		dod, ok := readDoD(r)
		if !ok {
			return nil, errCorrupt
		}
		delta := prevDelta + dod
		ts := prevTS + delta
		prevDelta = delta
		prevTS = ts

		val, newLeading, newTrailing, ok := readXOR(r, prevVal, leading, trailing)
		if !ok {
			return nil, errCorrupt
		}
		leading, trailing = newLeading, newTrailing
		prevVal = val

		samples = append(samples, Sample{TS: ts, Val: val})
	}
	return samples, nil
}

func readUint64(r *bstreamReader) (uint64, bool) {
	return r.readBits(64)
}

// Double-delta timestamp encoding: the delta-of-deltas is bucketed by
// magnitude, exactly as in the Gorilla paper.
func writeDoD(bs *bstream, dod int64) {
	switch {
	case dod == 0:
		bs.writeBit(false)
	case -64 <= dod && dod <= 63:
		bs.writeBits(0b10, 2)
		bs.writeBits(uint64(dod)&((1<<7)-1), 7)
	case -256 <= dod && dod <= 255:
		bs.writeBits(0b110, 3)
		bs.writeBits(uint64(dod)&((1<<9)-1), 9)
	case -2048 <= dod && dod <= 2047:
		bs.writeBits(0b1110, 4)
		bs.writeBits(uint64(dod)&((1<<12)-1), 12)
	default:
		bs.writeBits(0b1111, 4)
		bs.writeBits(uint64(dod), 64)
	}
}

func readDoD(r *bstreamReader) (int64, bool) {
	var bit bool
	var ok bool
	if bit, ok = r.readBit(); !ok {
		return 0, false
	}
	if !bit {
		return 0, true
	}
	if bit, ok = r.readBit(); !ok {
		return 0, false
	}
	if !bit {
		v, ok := r.readBits(7)
		if !ok {
			return 0, false
		}
		return signExtend(v, 7), true
	}
	if bit, ok = r.readBit(); !ok {
		return 0, false
	}
	if !bit {
		v, ok := r.readBits(9)
		if !ok {
			return 0, false
		}
		return signExtend(v, 9), true
	}
	if bit, ok = r.readBit(); !ok {
		return 0, false
	}
	if !bit {
		v, ok := r.readBits(12)
		if !ok {
			return 0, false
		}
		return signExtend(v, 12), true
	}
	v, ok := r.readBits(64)
	if !ok {
		return 0, false
	}
	return int64(v), true
}

func signExtend(v uint64, bits int) int64 {
	shift := 64 - uint(bits)
	return int64(v<<shift) >> shift
}

// XOR value encoding, Gorilla-style: XOR the current value against the
// previous one and encode only the meaningful (non-zero) bit range.
func writeXOR(bs *bstream, prev, cur float64, leading, trailing uint8) (newLeading, newTrailing uint8) {
	xor := math.Float64bits(prev) ^ math.Float64bits(cur)
	if xor == 0 {
		bs.writeBit(false)
		return leading, trailing
	}
	bs.writeBit(true)

	lz := uint8(bits.LeadingZeros64(xor))
	tz := uint8(bits.TrailingZeros64(xor))
	if lz >= 32 {
		lz = 31
	}

	if leading != 0xff && lz >= leading && tz >= trailing {
		bs.writeBit(false)
		bs.writeBits(xor>>trailing, 64-int(leading)-int(trailing))
		return leading, trailing
	}

	bs.writeBit(true)
	bs.writeBits(uint64(lz), 5)
	sigbits := 64 - int(lz) - int(tz)
	bs.writeBits(uint64(sigbits), 6)
	bs.writeBits(xor>>tz, sigbits)
	return lz, tz
}

func readXOR(r *bstreamReader, prev float64, leading, trailing uint8) (val float64, newLeading, newTrailing uint8, ok bool) {
	bit, ok := r.readBit()
	if !ok {
		return 0, 0, 0, false
	}
	if !bit {
		return prev, leading, trailing, true
	}

	controlBit, ok := r.readBit()
	if !ok {
		return 0, 0, 0, false
	}
	if !controlBit {
		sigbits := 64 - int(leading) - int(trailing)
		bits, ok := r.readBits(sigbits)
		if !ok {
			return 0, 0, 0, false
		}
		xor := bits << trailing
		return math.Float64frombits(math.Float64bits(prev) ^ xor), leading, trailing, true
	}

	lzBits, ok := r.readBits(5)
	if !ok {
		return 0, 0, 0, false
	}
	sigBits, ok := r.readBits(6)
	if !ok {
		return 0, 0, 0, false
	}
	if sigBits == 0 {
		sigBits = 64
	}
	lz := uint8(lzBits)
	tz := 64 - lz - uint8(sigBits)
	bits, ok := r.readBits(int(sigBits))
	if !ok {
		return 0, 0, 0, false
	}
	xor := bits << tz
	return math.Float64frombits(math.Float64bits(prev) ^ xor), lz, tz, true
}

