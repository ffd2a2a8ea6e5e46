// Package floatarray implements a growable buffer of 32-bit floats: the
// column payload for one block-slot of one key in the gauged storage
// engine. It owns its backing memory explicitly (Release) and fails fast
// on any use after release, mirroring the manual-lifetime discipline the
// source system uses for the same structure.
package floatarray

import (
	"encoding/binary"
	"math"

	"github.com/nullstream/gauged/gaugederrors"
)

// FloatArray is a growable, owning buffer of float32 values.
type FloatArray struct {
	data     []float32
	released bool
}

// New returns an empty FloatArray.
func New() *FloatArray {
	return &FloatArray{}
}

// FromFloats copies xs into a new FloatArray.
func FromFloats(xs []float32) *FloatArray {
	data := make([]float32, len(xs))
	copy(data, xs)
	return &FloatArray{data: data}
}

// Import interprets buf as wordCount little-endian float32 words. The byte
// length of buf must equal 4*wordCount.
func Import(buf []byte, wordCount int) (*FloatArray, error) {
	if len(buf) != wordCount*4 {
		return nil, gaugederrors.New(gaugederrors.KindArgument, "import: byte length does not match word count")
	}
	data := make([]float32, wordCount)
	for i := 0; i < wordCount; i++ {
		bits := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		data[i] = math.Float32frombits(bits)
	}
	return &FloatArray{data: data}, nil
}

func (a *FloatArray) checkAlive() error {
	if a.released {
		return gaugederrors.New(gaugederrors.KindUseAfterRelease, "floatarray: use after release")
	}
	return nil
}

// Append adds x to the end of the array, amortized O(1) via Go's slice
// growth (doubling).
func (a *FloatArray) Append(x float32) error {
	if err := a.checkAlive(); err != nil {
		return err
	}
	a.data = append(a.data, x)
	return nil
}

// Len returns the number of stored values.
func (a *FloatArray) Len() int {
	if a.released {
		return 0
	}
	return len(a.data)
}

// ByteLength returns 4*Len().
func (a *FloatArray) ByteLength() int {
	return a.Len() * 4
}

// At returns the value at index i.
func (a *FloatArray) At(i int) (float32, error) {
	if err := a.checkAlive(); err != nil {
		return 0, err
	}
	if i < 0 || i >= len(a.data) {
		return 0, gaugederrors.New(gaugederrors.KindArgument, "floatarray: index out of range")
	}
	return a.data[i], nil
}

// Values returns the live backing slice. Callers must not retain it past the
// next mutation (Append/Clear/Release) of this FloatArray — it is a view,
// not a copy, matching Buffer's contract.
func (a *FloatArray) Values() ([]float32, error) {
	if err := a.checkAlive(); err != nil {
		return nil, err
	}
	return a.data, nil
}

// Buffer returns an immutable little-endian byte view of the array starting
// at byteOffset. Callers must not retain it past the next mutation.
func (a *FloatArray) Buffer(byteOffset int) ([]byte, error) {
	if err := a.checkAlive(); err != nil {
		return nil, err
	}
	if byteOffset < 0 || byteOffset > a.ByteLength() {
		return nil, gaugederrors.New(gaugederrors.KindArgument, "floatarray: byte offset out of range")
	}
	buf := make([]byte, a.ByteLength()-byteOffset)
	for i := byteOffset / 4; i < len(a.data); i++ {
		binary.LittleEndian.PutUint32(buf[(i*4)-byteOffset:], math.Float32bits(a.data[i]))
	}
	return buf, nil
}

// Clear sets the length to 0, retaining capacity.
func (a *FloatArray) Clear() error {
	if err := a.checkAlive(); err != nil {
		return err
	}
	a.data = a.data[:0]
	return nil
}

// Clone returns a fresh FloatArray with a copy of the current values.
func (a *FloatArray) Clone() (*FloatArray, error) {
	if err := a.checkAlive(); err != nil {
		return nil, err
	}
	return FromFloats(a.data), nil
}

// Release discards the backing buffer. Afterwards every method that returns
// an error fails with ErrUseAfterRelease, and Len/ByteLength report 0.
func (a *FloatArray) Release() {
	a.data = nil
	a.released = true
}
