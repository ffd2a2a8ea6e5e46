// Package sparsemap implements the in-memory and on-wire representation of
// one block's payload for one key: a sparse [0, S) -> list<float32> mapping,
// plus the block-local aggregate primitives the query context composes into
// scalar and time-series results.
//
// Binary layout (little-endian words; see SPEC_FULL.md §3 for the full
// rationale): each record is a 4-byte header word
//
//	header := (count << 8) | kind      // kind 0 = sparse, 1 = run
//
// followed by a 4-byte slot word and count float32 words. A "sparse" record
// holds count values at a single slot; a "run" record holds count values at
// count contiguous slots starting at the slot word, one value per slot.
// Records are concatenable and self-describing, so slicing and concat need
// no extra framing.
package sparsemap

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/nullstream/gauged/floatarray"
	"github.com/nullstream/gauged/gaugederrors"
)

type record struct {
	startSlot int
	isRun     bool
	values    []float32
}

// SparseMap is the owning, builder-then-query representation of one block
// payload. It must be released when no longer needed; percentile/median
// consume it (see Percentile).
type SparseMap struct {
	numSlots int // S; <=0 means "unbounded", used mainly in tests
	records  []record
	lastSlot int
	hasLast  bool
	consumed bool
	released bool
}

// New returns an empty SparseMap bounded to numSlots logical slots (pass 0
// for no bound, e.g. in tests that don't care about S).
func New(numSlots int) *SparseMap {
	return &SparseMap{numSlots: numSlots, lastSlot: -1}
}

func (sm *SparseMap) checkWritable() error {
	if sm.released {
		return gaugederrors.New(gaugederrors.KindUseAfterRelease, "sparsemap: use after release")
	}
	if sm.consumed {
		return gaugederrors.New(gaugederrors.KindUseAfterRelease, "sparsemap: percentile/median already consumed this instance")
	}
	return nil
}

// Append adds arr's values at slot, which must be strictly greater than any
// slot already appended. This is the sole builder operation; replacement
// and interleaving are disallowed. Consecutive single-value appends at
// contiguous slots are coalesced into one run record.
func (sm *SparseMap) Append(slot int, arr *floatarray.FloatArray) error {
	if err := sm.checkWritable(); err != nil {
		return err
	}
	if sm.numSlots > 0 && (slot < 0 || slot >= sm.numSlots) {
		return gaugederrors.New(gaugederrors.KindArgument, "sparsemap: slot out of [0,S) range")
	}
	if sm.hasLast && slot <= sm.lastSlot {
		return gaugederrors.New(gaugederrors.KindArgument, "sparsemap: slot must strictly increase")
	}

	vals, err := arr.Values()
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		return gaugederrors.New(gaugederrors.KindArgument, "sparsemap: every appended array must have >= 1 value")
	}
	copied := append([]float32(nil), vals...)

	if len(copied) == 1 {
		if n := len(sm.records); n > 0 {
			last := &sm.records[n-1]
			if last.isRun && last.startSlot+len(last.values) == slot {
				last.values = append(last.values, copied[0])
				sm.lastSlot = slot
				sm.hasLast = true
				return nil
			}
		}
		sm.records = append(sm.records, record{startSlot: slot, isRun: true, values: copied})
	} else {
		sm.records = append(sm.records, record{startSlot: slot, isRun: false, values: copied})
	}
	sm.lastSlot = slot
	sm.hasLast = true
	return nil
}

// FromMap builds a SparseMap from a {slot -> FloatArray} map, accepting
// slots in any order; the result is sorted by slot before packing.
func FromMap(numSlots int, m map[int]*floatarray.FloatArray) (*SparseMap, error) {
	slots := make([]int, 0, len(m))
	for s := range m {
		slots = append(slots, s)
	}
	sortInts(slots)

	sm := New(numSlots)
	for _, s := range slots {
		if err := sm.Append(s, m[s]); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// Items yields (slot, values) pairs in ascending slot order. A run record
// of count contiguous slots yields count separate single-value pairs; a
// sparse record yields one pair holding all of its values.
func (sm *SparseMap) Items() func(yield func(int, []float32) bool) {
	return func(yield func(int, []float32) bool) {
		if sm.released || sm.consumed {
			return
		}
		for _, r := range sm.records {
			if r.isRun {
				for i, v := range r.values {
					if !yield(r.startSlot+i, []float32{v}) {
						return
					}
				}
			} else {
				if !yield(r.startSlot, r.values) {
					return
				}
			}
		}
	}
}

// Slice returns a new SparseMap covering logical slots [start, end); end==0
// means "through S" (or, if numSlots is unset, through the last slot
// present). Slots in the result retain their absolute positions.
func (sm *SparseMap) Slice(start, end int) (*SparseMap, error) {
	if err := sm.checkWritable(); err != nil {
		return nil, err
	}
	if end == 0 {
		if sm.numSlots > 0 {
			end = sm.numSlots
		} else {
			end = math.MaxInt
		}
	}

	out := New(sm.numSlots)
	var appendErr error
	for slot, vals := range sm.Items() {
		if slot < start {
			continue
		}
		if slot >= end {
			break
		}
		if err := out.Append(slot, floatarray.FromFloats(vals)); err != nil {
			appendErr = err
			break
		}
	}
	if appendErr != nil {
		return nil, appendErr
	}
	return out, nil
}

// Concat appends a [start,end) slice of other into self, shifting each
// slot by offset. The shifted slots of other must all exceed the largest
// slot already present in self (enforced by Append's ordering check).
func (sm *SparseMap) Concat(other *SparseMap, start, end, offset int) error {
	if err := sm.checkWritable(); err != nil {
		return err
	}
	sliced, err := other.Slice(start, end)
	if err != nil {
		return err
	}
	for slot, vals := range sliced.Items() {
		if err := sm.Append(slot+offset, floatarray.FromFloats(vals)); err != nil {
			return err
		}
	}
	return nil
}

// all iterates every stored value across records, in ascending slot order.
func (sm *SparseMap) all(fn func(v float32) bool) {
	for _, r := range sm.records {
		for _, v := range r.values {
			if !fn(v) {
				return
			}
		}
	}
}

// First returns the first value in slot order.
func (sm *SparseMap) First() (float32, bool, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, false, err
	}
	if len(sm.records) == 0 {
		return 0, false, nil
	}
	return sm.records[0].values[0], true, nil
}

// Last returns the last value in slot order.
func (sm *SparseMap) Last() (float32, bool, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, false, err
	}
	if len(sm.records) == 0 {
		return 0, false, nil
	}
	last := sm.records[len(sm.records)-1]
	return last.values[len(last.values)-1], true, nil
}

// Sum returns the sum of all stored values.
func (sm *SparseMap) Sum() (float32, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, err
	}
	var total float32
	sm.all(func(v float32) bool {
		total += v
		return true
	})
	return total, nil
}

// Count returns the number of stored values (all finite, per ingest-time filtering).
func (sm *SparseMap) Count() (int, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, err
	}
	n := 0
	sm.all(func(v float32) bool {
		n++
		return true
	})
	return n, nil
}

// Min returns the smallest stored value.
func (sm *SparseMap) Min() (float32, bool, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, false, err
	}
	found := false
	var m float32
	sm.all(func(v float32) bool {
		if !found || v < m {
			m = v
			found = true
		}
		return true
	})
	return m, found, nil
}

// Max returns the largest stored value.
func (sm *SparseMap) Max() (float32, bool, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, false, err
	}
	found := false
	var m float32
	sm.all(func(v float32) bool {
		if !found || v > m {
			m = v
			found = true
		}
		return true
	})
	return m, found, nil
}

// Mean returns sum/count; ok is false ("no value") when count is 0.
func (sm *SparseMap) Mean() (float32, bool, error) {
	sum, err := sm.Sum()
	if err != nil {
		return 0, false, err
	}
	count, err := sm.Count()
	if err != nil {
		return 0, false, err
	}
	if count == 0 {
		return 0, false, nil
	}
	return sum / float32(count), true, nil
}

// SumOfSquares returns sum((x-mean)^2) over all stored values.
func (sm *SparseMap) SumOfSquares(mean float32) (float32, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, err
	}
	var total float32
	sm.all(func(v float32) bool {
		d := v - mean
		total += d * d
		return true
	})
	return total, nil
}

// StdDev returns sqrt(SumOfSquares(mean)/count); ok is false when count is 0.
func (sm *SparseMap) StdDev() (float32, bool, error) {
	mean, ok, err := sm.Mean()
	if err != nil || !ok {
		return 0, ok, err
	}
	count, err := sm.Count()
	if err != nil {
		return 0, false, err
	}
	ss, err := sm.SumOfSquares(mean)
	if err != nil {
		return 0, false, err
	}
	return float32(math.Sqrt(float64(ss) / float64(count))), true, nil
}

// Percentile returns the p-th percentile (0<=p<=100) via in-place quickselect
// with linear interpolation between adjacent ranks, at fractional
// rank = (n-1)*p/100. This CONSUMES the SparseMap: any further call on this
// instance fails with KindUseAfterRelease. ok is false ("no value") when
// there are no stored values.
func (sm *SparseMap) Percentile(p float64) (float32, bool, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, false, err
	}
	if p < 0 || p > 100 {
		return 0, false, gaugederrors.New(gaugederrors.KindArgument, "sparsemap: percentile out of [0,100]")
	}

	n, err := sm.Count()
	if err != nil {
		return 0, false, err
	}
	sm.consumed = true
	if n == 0 {
		return 0, false, nil
	}

	flat := make([]float32, 0, n)
	sm.all(func(v float32) bool {
		flat = append(flat, v)
		return true
	})

	rank := float64(n-1) * p / 100
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))

	quickselect(flat, lo)
	loVal := flat[lo]

	var hiVal float32
	if hi == lo {
		hiVal = loVal
	} else {
		hiVal = flat[lo+1]
		for _, v := range flat[lo+1:] {
			if v < hiVal {
				hiVal = v
			}
		}
	}

	frac := rank - float64(lo)
	return loVal + float32(frac)*(hiVal-loVal), true, nil
}

// Median is Percentile(50).
func (sm *SparseMap) Median() (float32, bool, error) {
	return sm.Percentile(50)
}

// quickselect partitions a so that a[k] holds the k-th smallest element
// (0-indexed), with every element before it <= a[k] and every element after
// it >= a[k]. Hoare/Lomuto-style in-place partitioning.
func quickselect(a []float32, k int) {
	lo, hi := 0, len(a)-1
	for lo < hi {
		p := partition(a, lo, hi)
		switch {
		case p == k:
			return
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

func partition(a []float32, lo, hi int) int {
	pivot := a[hi]
	i := lo
	for j := lo; j < hi; j++ {
		if a[j] < pivot {
			a[i], a[j] = a[j], a[i]
			i++
		}
	}
	a[i], a[hi] = a[hi], a[i]
	return i
}

// ByteLength returns the encoded size in bytes without allocating the
// encoding.
func (sm *SparseMap) ByteLength() (int, error) {
	if err := sm.checkWritable(); err != nil {
		return 0, err
	}
	total := 0
	for _, r := range sm.records {
		total += 8 + 4*len(r.values)
	}
	return total, nil
}

// Bytes encodes the SparseMap to its on-wire form.
func (sm *SparseMap) Bytes() ([]byte, error) {
	if err := sm.checkWritable(); err != nil {
		return nil, err
	}
	n, _ := sm.ByteLength()
	buf := bytes.NewBuffer(make([]byte, 0, n))

	for _, r := range sm.records {
		kind := uint32(0)
		if r.isRun {
			kind = 1
		}
		header := uint32(len(r.values))<<8 | kind
		_ = binary.Write(buf, binary.LittleEndian, header)
		_ = binary.Write(buf, binary.LittleEndian, uint32(r.startSlot))
		for _, v := range r.values {
			_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
		}
	}
	return buf.Bytes(), nil
}

// FromBytes decodes a SparseMap previously produced by Bytes.
func FromBytes(buf []byte, numSlots int) (*SparseMap, error) {
	sm := New(numSlots)
	r := bytes.NewReader(buf)

	for r.Len() > 0 {
		var header, startSlot uint32
		if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
			return nil, gaugederrors.New(gaugederrors.KindArgument, "sparsemap: corrupt header")
		}
		if err := binary.Read(r, binary.LittleEndian, &startSlot); err != nil {
			return nil, gaugederrors.New(gaugederrors.KindArgument, "sparsemap: corrupt slot word")
		}

		kind := header & 0xFF
		count := header >> 8

		if kind == 1 {
			for i := uint32(0); i < count; i++ {
				var bits uint32
				if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
					return nil, gaugederrors.New(gaugederrors.KindArgument, "sparsemap: truncated run values")
				}
				v := math.Float32frombits(bits)
				if err := sm.Append(int(startSlot)+int(i), floatarray.FromFloats([]float32{v})); err != nil {
					return nil, err
				}
			}
		} else {
			vals := make([]float32, count)
			for i := range vals {
				var bits uint32
				if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
					return nil, gaugederrors.New(gaugederrors.KindArgument, "sparsemap: truncated sparse values")
				}
				vals[i] = math.Float32frombits(bits)
			}
			if err := sm.Append(int(startSlot), floatarray.FromFloats(vals)); err != nil {
				return nil, err
			}
		}
	}
	return sm, nil
}

// Release discards the SparseMap's internal buffers. Any further call
// fails with ErrUseAfterRelease.
func (sm *SparseMap) Release() {
	sm.records = nil
	sm.released = true
}
