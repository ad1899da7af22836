package device

import (
	"fmt"
	"unsafe"
)

// Span is a typed, bounds-known view of n elements starting at element begin of a Buffer.
// The zero Span is empty and has no buffer.
type Span[T Element] struct {
	buf   Buffer
	begin int
	n     int
}

// NewSpan views n elements of buf starting at element offset begin.
func NewSpan[T Element](buf Buffer, begin, n int) Span[T] {
	sz := int(unsafe.Sizeof(*new(T)))
	if begin < 0 || n < 0 || (begin+n)*sz > buf.Size() {
		panic(fmt.Sprintf("device: span [%d, %d) exceeds buffer of %d bytes", begin, begin+n, buf.Size()))
	}
	return Span[T]{buf: buf, begin: begin, n: n}
}

// Allocate creates a span over a fresh buffer of n elements on iface.
func Allocate[T Element](iface Interface, n int) (Span[T], error) {
	buf, err := iface.Allocate(n * elemSize[T]())
	if err != nil {
		return Span[T]{}, err
	}
	return Span[T]{buf: buf, n: n}, nil
}

// Wrap views host memory owned by the caller without copying.
func Wrap[T Element](iface Interface, data []T) Span[T] {
	if len(data) == 0 {
		return Span[T]{buf: iface.WrapMemory(nil)}
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*elemSize[T]())
	return Span[T]{buf: iface.WrapMemory(b), n: len(data)}
}

func elemSize[T Element]() int {
	return int(unsafe.Sizeof(*new(T)))
}

func (s Span[T]) Len() int       { return s.n }
func (s Span[T]) Empty() bool    { return s.n == 0 }
func (s Span[T]) Buffer() Buffer { return s.buf }

// Subspan returns the sub-view [begin, begin+n) relative to s.
func (s Span[T]) Subspan(begin, n int) Span[T] {
	if begin < 0 || n < 0 || begin+n > s.n {
		panic(fmt.Sprintf("device: subspan [%d, %d) of span with %d elements", begin, begin+n, s.n))
	}
	return Span[T]{buf: s.buf, begin: s.begin + begin, n: n}
}

// CPU returns the host view. For accelerator buffers it does not transfer data;
// use CopyDeviceToCPU to read device results.
func (s Span[T]) CPU() []T {
	if s.n == 0 {
		if s.buf != nil && s.buf.Released() {
			panic(ErrReleased)
		}
		return []T{}
	}
	host := s.buf.Host()
	sz := elemSize[T]()
	return unsafe.Slice((*T)(unsafe.Pointer(&host[s.begin*sz])), s.n)
}

// CopyDeviceToCPU synchronizes the device range into the host view and returns it.
func (s Span[T]) CopyDeviceToCPU() ([]T, error) {
	if s.n == 0 {
		return s.CPU(), nil
	}
	sz := elemSize[T]()
	if err := s.buf.CopyDeviceToCPU(s.begin*sz, s.n*sz); err != nil {
		return nil, err
	}
	return s.CPU(), nil
}

// CopyCPUToDevice pushes the host view to device memory.
func (s Span[T]) CopyCPUToDevice() error {
	if s.n == 0 {
		return nil
	}
	sz := elemSize[T]()
	return s.buf.CopyCPUToDevice(s.begin*sz, s.n*sz)
}

// CopyFrom copies src into s on the device. Lengths must match.
func (s Span[T]) CopyFrom(src Span[T]) error {
	if src.n != s.n {
		return fmt.Errorf("%w: copy of %d elements into span of %d", ErrOutOfRange, src.n, s.n)
	}
	if s.n == 0 {
		return nil
	}
	sz := elemSize[T]()
	return s.buf.CopyFrom(s.begin*sz, src.buf, src.begin*sz, s.n*sz)
}

// Zero clears the span on the device and in the host view.
func (s Span[T]) Zero() error {
	if s.n == 0 {
		return nil
	}
	sz := elemSize[T]()
	return s.buf.Zero(s.begin*sz, s.n*sz)
}
