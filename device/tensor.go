package device

import (
	"fmt"
	"unsafe"
)

// Tensor is the minimal view of a backend tensor the device layer can wrap.
type Tensor interface {
	ElementType() ElementType
	Shape() []int64
	Bytes() []byte
}

// ElementCount returns the product of shape, or 0 for an empty shape.
func ElementCount(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// WrapTensor views a tensor's memory as a Span[T]. The tensor must hold T elements.
func WrapTensor[T Element](iface Interface, t Tensor) Span[T] {
	if want := ElementOf[T](); t.ElementType() != want {
		panic(fmt.Sprintf("device: tensor element type %s, expected %s", t.ElementType(), want))
	}
	b := t.Bytes()
	n := len(b) / elemSize[T]()
	if n == 0 {
		return Span[T]{buf: iface.WrapMemory(nil)}
	}
	data := unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
	return Wrap(iface, data)
}

// ByteWrapTensor views any tensor as raw bytes.
func ByteWrapTensor(iface Interface, t Tensor) Span[uint8] {
	b := t.Bytes()
	return Span[uint8]{buf: iface.WrapMemory(b), n: len(b)}
}
