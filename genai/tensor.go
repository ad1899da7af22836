package genai

import (
	"sync/atomic"
	"unsafe"

	"nano-genai-go/device"
)

// Tensor is a host tensor shared between callers and GeneratorParams.
// It is reference counted: holders call Retain and Release.
type Tensor struct {
	elemType device.ElementType
	shape    []int64
	data     []byte
	refs     atomic.Int32
}

// NewTensor copies data into a new tensor of the given shape.
func NewTensor[T device.Element](shape []int64, data []T) (*Tensor, error) {
	if n := device.ElementCount(shape); n != len(data) {
		return nil, configErrorf("tensor shape %v holds %d elements, got %d", shape, n, len(data))
	}
	et := device.ElementOf[T]()
	size := len(data) * et.Size()
	words := make([]uint64, (size+7)/8)
	var buf []byte
	if size > 0 {
		buf = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), size))
	}
	t := &Tensor{elemType: et, shape: append([]int64(nil), shape...), data: buf}
	t.refs.Store(1)
	return t, nil
}

func (t *Tensor) ElementType() device.ElementType { return t.elemType }
func (t *Tensor) Shape() []int64                  { return t.shape }
func (t *Tensor) Bytes() []byte                   { return t.data }

// Retain adds a reference.
func (t *Tensor) Retain() { t.refs.Add(1) }

// Release drops a reference and frees the data with the last one.
func (t *Tensor) Release() {
	if t.refs.Add(-1) == 0 {
		t.data = nil
	}
}

// RefCount returns the number of live references.
func (t *Tensor) RefCount() int { return int(t.refs.Load()) }

// Int32s returns a copy of the tensor as int32, widening or narrowing integer types.
func (t *Tensor) Int32s() ([]int32, error) {
	cpu := device.MustGet(device.CPU)
	switch t.elemType {
	case device.ElementInt32:
		return append([]int32(nil), device.WrapTensor[int32](cpu, t).CPU()...), nil
	case device.ElementInt64:
		src := device.WrapTensor[int64](cpu, t).CPU()
		out := make([]int32, len(src))
		for i, v := range src {
			out[i] = int32(v)
		}
		return out, nil
	default:
		return nil, configErrorf("expected an integer tensor, got %s", t.elemType)
	}
}

// Input is a named model input.
type Input struct {
	Name   string
	Tensor *Tensor
}

// NamedTensors is an ordered list of named inputs.
type NamedTensors []Input
