package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Buffer is a block of device memory with an optional host mirror.
// Offsets and sizes are in bytes.
type Buffer interface {
	Device() Interface
	Size() int

	// Host returns the host-visible bytes. For CPU buffers this is the memory itself,
	// for accelerator buffers a lazily allocated mirror that only changes on explicit copies.
	Host() []byte

	CopyDeviceToCPU(begin, n int) error
	CopyCPUToDevice(begin, n int) error
	CopyFrom(dstBegin int, src Buffer, srcBegin, n int) error
	Zero(begin, n int) error

	Release()
	Released() bool
}

// alignedBytes allocates size bytes backed by 8-byte words so any Element view is aligned.
func alignedBytes(size int) []byte {
	if size <= 0 {
		return []byte{}
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func checkRange(size, begin, n int) error {
	if begin < 0 || n < 0 || begin+n > size {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", ErrOutOfRange, begin, begin+n, size)
	}
	return nil
}

// cpuBuffer is host memory; device and host views are the same bytes.
type cpuBuffer struct {
	iface    Interface
	mem      []byte
	owned    bool
	released atomic.Bool
	onFree   func(int)
}

func (b *cpuBuffer) Device() Interface { return b.iface }
func (b *cpuBuffer) Size() int         { return len(b.mem) }
func (b *cpuBuffer) Released() bool    { return b.released.Load() }

func (b *cpuBuffer) Host() []byte {
	b.mustLive()
	return b.mem
}

func (b *cpuBuffer) CopyDeviceToCPU(begin, n int) error {
	b.mustLive()
	return checkRange(len(b.mem), begin, n)
}

func (b *cpuBuffer) CopyCPUToDevice(begin, n int) error {
	b.mustLive()
	return checkRange(len(b.mem), begin, n)
}

func (b *cpuBuffer) CopyFrom(dstBegin int, src Buffer, srcBegin, n int) error {
	b.mustLive()
	if err := checkRange(len(b.mem), dstBegin, n); err != nil {
		return err
	}
	if err := checkRange(src.Size(), srcBegin, n); err != nil {
		return err
	}
	if sb, ok := src.(*cpuBuffer); ok {
		sb.mustLive()
		copy(b.mem[dstBegin:dstBegin+n], sb.mem[srcBegin:srcBegin+n])
		return nil
	}
	return CopyThroughCPU(b, dstBegin, src, srcBegin, n)
}

func (b *cpuBuffer) Zero(begin, n int) error {
	b.mustLive()
	if err := checkRange(len(b.mem), begin, n); err != nil {
		return err
	}
	clear(b.mem[begin : begin+n])
	return nil
}

func (b *cpuBuffer) Release() {
	if b.released.Swap(true) {
		return
	}
	if b.owned && b.onFree != nil {
		b.onFree(len(b.mem))
	}
	b.mem = nil
}

func (b *cpuBuffer) mustLive() {
	if b.released.Load() {
		panic(ErrReleased)
	}
}

// acceleratorBuffer keeps device memory apart from its host mirror. All device-side
// work is ordered on the owning interface's stream.
type acceleratorBuffer struct {
	iface    *accelerator
	mem      []byte
	host     []byte
	released atomic.Bool
}

func (b *acceleratorBuffer) Device() Interface { return b.iface }
func (b *acceleratorBuffer) Size() int         { return len(b.mem) }
func (b *acceleratorBuffer) Released() bool    { return b.released.Load() }

func (b *acceleratorBuffer) Host() []byte {
	b.mustLive()
	if b.host == nil {
		b.host = alignedBytes(len(b.mem))
	}
	return b.host
}

func (b *acceleratorBuffer) CopyDeviceToCPU(begin, n int) error {
	b.mustLive()
	if err := checkRange(len(b.mem), begin, n); err != nil {
		return err
	}
	host := b.Host()
	b.iface.stream.wait(func() {
		copy(host[begin:begin+n], b.mem[begin:begin+n])
	})
	return nil
}

func (b *acceleratorBuffer) CopyCPUToDevice(begin, n int) error {
	b.mustLive()
	if err := checkRange(len(b.mem), begin, n); err != nil {
		return err
	}
	staged := make([]byte, n)
	copy(staged, b.Host()[begin:begin+n])
	b.iface.stream.enqueue(func() {
		copy(b.mem[begin:begin+n], staged)
	})
	return nil
}

func (b *acceleratorBuffer) CopyFrom(dstBegin int, src Buffer, srcBegin, n int) error {
	b.mustLive()
	if err := checkRange(len(b.mem), dstBegin, n); err != nil {
		return err
	}
	if err := checkRange(src.Size(), srcBegin, n); err != nil {
		return err
	}
	if sb, ok := src.(*acceleratorBuffer); ok && sb.iface == b.iface {
		sb.mustLive()
		b.iface.stream.enqueue(func() {
			copy(b.mem[dstBegin:dstBegin+n], sb.mem[srcBegin:srcBegin+n])
		})
		return nil
	}
	return CopyThroughCPU(b, dstBegin, src, srcBegin, n)
}

func (b *acceleratorBuffer) Zero(begin, n int) error {
	b.mustLive()
	if err := checkRange(len(b.mem), begin, n); err != nil {
		return err
	}
	if b.host != nil {
		clear(b.host[begin : begin+n])
	}
	b.iface.stream.enqueue(func() { clear(b.mem[begin : begin+n]) })
	return nil
}

func (b *acceleratorBuffer) Release() {
	if b.released.Swap(true) {
		return
	}
	// Pending stream work may still reference mem.
	b.iface.stream.sync()
	b.iface.free(len(b.mem))
	b.mem = nil
	b.host = nil
}

func (b *acceleratorBuffer) mustLive() {
	if b.released.Load() {
		panic(ErrReleased)
	}
}
