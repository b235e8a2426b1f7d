package ndarray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DType is the element type of an Array.
type DType int

const (
	Uint8 DType = iota
	Int8
	Uint16
	Int16
	Int32
	Uint64
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Int32:   "int32",
	Uint64:  "uint64",
	Float32: "float32",
	Float64: "float64",
}

var dtypeSizes = map[DType]int{
	Uint8:   1,
	Int8:    1,
	Uint16:  2,
	Int16:   2,
	Int32:   4,
	Uint64:  8,
	Float32: 4,
	Float64: 8,
}

// Size Number of bytes of a single element
func (d DType) Size() int {
	return dtypeSizes[d]
}

func (d DType) String() string {
	name, ok := dtypeNames[d]
	if !ok {
		return fmt.Sprintf("DType(%d)", int(d))
	}
	return name
}

var (
	errShape       = errors.New("invalid shape")
	errDataLength  = errors.New("data length does not match shape")
	errAxis        = errors.New("axis out of range")
	errIndex       = errors.New("index out of range")
	errPermutation = errors.New("invalid axis permutation")
)

// Array is a dense n-dimensional array stored row-major as little-endian bytes.
type Array struct {
	dtype DType
	shape []int
	data  []byte
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errShape
	}
	n := 1
	for _, s := range shape {
		if s < 1 {
			return 0, fmt.Errorf("%w: %v", errShape, shape)
		}
		n *= s
	}
	return n, nil
}

// New Create a zero filled array
func New(dtype DType, shape ...int) (*Array, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	return &Array{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		data:  make([]byte, n*dtype.Size()),
	}, nil
}

// FromBytes Create an array backed by a copy of data.
func FromBytes(dtype DType, shape []int, data []byte) (*Array, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n*dtype.Size() {
		return nil, fmt.Errorf("%w: %d bytes for shape %v of %s", errDataLength, len(data), shape, dtype)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Array{dtype: dtype, shape: append([]int(nil), shape...), data: buf}, nil
}

// FromFloat64s Create an array of the given dtype from float values.
func FromFloat64s(dtype DType, shape []int, values []float64) (*Array, error) {
	a, err := New(dtype, shape...)
	if err != nil {
		return nil, err
	}
	if len(values) != a.Len() {
		return nil, fmt.Errorf("%w: %d values for shape %v", errDataLength, len(values), shape)
	}
	for i, v := range values {
		a.setFlat(i, v)
	}
	return a, nil
}

func (a *Array) DType() DType {
	return a.dtype
}

// Shape returns a copy of the array dimensions.
func (a *Array) Shape() []int {
	return append([]int(nil), a.shape...)
}

func (a *Array) NDim() int {
	return len(a.shape)
}

// Len Number of elements
func (a *Array) Len() int {
	return len(a.data) / a.dtype.Size()
}

// Bytes returns the raw element buffer. It is shared with the array.
func (a *Array) Bytes() []byte {
	return a.data
}

func (a *Array) strides() []int {
	strides := make([]int, len(a.shape))
	acc := 1
	for i := len(a.shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= a.shape[i]
	}
	return strides
}

func (a *Array) offset(idx []int) (int, error) {
	if len(idx) != len(a.shape) {
		return 0, fmt.Errorf("%w: %d indices for %d dimensions", errIndex, len(idx), len(a.shape))
	}
	off := 0
	strides := a.strides()
	for i, v := range idx {
		if v < 0 || v >= a.shape[i] {
			return 0, fmt.Errorf("%w: %v for shape %v", errIndex, idx, a.shape)
		}
		off += v * strides[i]
	}
	return off, nil
}

func (a *Array) flat(i int) float64 {
	size := a.dtype.Size()
	b := a.data[i*size : (i+1)*size]
	switch a.dtype {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

func (a *Array) setFlat(i int, v float64) {
	size := a.dtype.Size()
	b := a.data[i*size : (i+1)*size]
	switch a.dtype {
	case Uint8:
		b[0] = uint8(v)
	case Int8:
		b[0] = uint8(int8(v))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// At Read the element at idx as float64
func (a *Array) At(idx ...int) (float64, error) {
	off, err := a.offset(idx)
	if err != nil {
		return 0, err
	}
	return a.flat(off), nil
}

// Set Write v, converted to the array dtype, at idx
func (a *Array) Set(v float64, idx ...int) error {
	off, err := a.offset(idx)
	if err != nil {
		return err
	}
	a.setFlat(off, v)
	return nil
}

// Float64s Flattened copy of all elements as float64
func (a *Array) Float64s() []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.flat(i)
	}
	return out
}

// MinMax Smallest and largest element
func (a *Array) MinMax() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < a.Len(); i++ {
		v := a.flat(i)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Reshape Return a view with a new shape over the same buffer
func (a *Array) Reshape(shape ...int) (*Array, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != a.Len() {
		return nil, fmt.Errorf("cannot reshape %v into %v: %w", a.shape, shape, errShape)
	}
	return &Array{dtype: a.dtype, shape: append([]int(nil), shape...), data: a.data}, nil
}

// Reverse Copy of the array with the order of elements along axis reversed
func (a *Array) Reverse(axis int) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) {
		return nil, errAxis
	}
	size := a.dtype.Size()
	inner := size
	for _, s := range a.shape[axis+1:] {
		inner *= s
	}
	outer := 1
	for _, s := range a.shape[:axis] {
		outer *= s
	}
	n := a.shape[axis]
	out := make([]byte, len(a.data))
	for o := 0; o < outer; o++ {
		base := o * n * inner
		for i := 0; i < n; i++ {
			src := base + i*inner
			dst := base + (n-1-i)*inner
			copy(out[dst:dst+inner], a.data[src:src+inner])
		}
	}
	return &Array{dtype: a.dtype, shape: a.Shape(), data: out}, nil
}

// Transpose Copy of the array with axes permuted, like numpy.transpose
func (a *Array) Transpose(perm ...int) (*Array, error) {
	if len(perm) != len(a.shape) {
		return nil, errPermutation
	}
	seen := make([]bool, len(perm))
	newShape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("%w: %v", errPermutation, perm)
		}
		seen[p] = true
		newShape[i] = a.shape[p]
	}
	out, err := New(a.dtype, newShape...)
	if err != nil {
		return nil, err
	}
	size := a.dtype.Size()
	srcStrides := a.strides()
	idx := make([]int, len(newShape))
	for flat := 0; flat < out.Len(); flat++ {
		src := 0
		for i, v := range idx {
			src += v * srcStrides[perm[i]]
		}
		copy(out.data[flat*size:(flat+1)*size], a.data[src*size:(src+1)*size])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// Index Sub-array at position i of the first axis
func (a *Array) Index(i int) (*Array, error) {
	if len(a.shape) < 2 {
		return nil, fmt.Errorf("%w: cannot index a 1-d array", errAxis)
	}
	if i < 0 || i >= a.shape[0] {
		return nil, fmt.Errorf("%w: %d for axis of length %d", errIndex, i, a.shape[0])
	}
	step := len(a.data) / a.shape[0]
	return FromBytes(a.dtype, a.shape[1:], a.data[i*step:(i+1)*step])
}

// Equal Same dtype, shape and contents
func (a *Array) Equal(b *Array) bool {
	if a.dtype != b.dtype || len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	if len(a.data) != len(b.data) {
		return false
	}
	for i := range a.data {
		if a.data[i] != b.data[i] {
			return false
		}
	}
	return true
}
