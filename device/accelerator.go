package device

import (
	"fmt"
	"unsafe"
)

// stream executes device work in submission order on its own goroutine.
type stream struct {
	ops chan func()
}

func newStream(depth int) *stream {
	s := &stream{ops: make(chan func(), depth)}
	go s.loop()
	return s
}

func (s *stream) loop() {
	for op := range s.ops {
		op()
	}
}

func (s *stream) enqueue(op func()) {
	s.ops <- op
}

// wait enqueues op and blocks until it and everything before it has run.
func (s *stream) wait(op func()) {
	done := make(chan struct{})
	s.ops <- func() {
		if op != nil {
			op()
		}
		close(done)
	}
	<-done
}

func (s *stream) sync() { s.wait(nil) }

// accelerator is a backend whose memory is not host addressable. Buffers keep
// a host mirror that is only updated through explicit copies.
type accelerator struct {
	allocator
	stream       *stream
	graphCapture bool
}

func newAccelerator(t Type, graphCapture bool) *accelerator {
	return &accelerator{
		allocator:    allocator{device: t},
		stream:       newStream(64),
		graphCapture: graphCapture,
	}
}

// RegisterEmulated makes a host-backed accelerator available as t when no
// backend for t was compiled in, and returns the backend registered for t.
// It lets accelerator code paths run on machines without the device.
func RegisterEmulated(t Type) Interface {
	registryMu.Lock()
	defer registryMu.Unlock()

	if iface, ok := registry[t]; ok {
		return iface
	}
	a := newAccelerator(t, true)
	registry[t] = a
	return a
}

func (a *accelerator) Type() Type { return a.device }

func (a *accelerator) Allocate(size int) (Buffer, error) {
	if err := a.reserve(size); err != nil {
		return nil, err
	}
	return &acceleratorBuffer{iface: a, mem: alignedBytes(size)}, nil
}

// AllocateCPU returns host memory owned by the CPU backend.
func (a *accelerator) AllocateCPU(size int) Buffer {
	return MustGet(CPU).AllocateCPU(size)
}

// WrapMemory uploads b into a new device buffer whose host mirror is b itself.
func (a *accelerator) WrapMemory(b []byte) Buffer {
	buf := &acceleratorBuffer{iface: a, mem: alignedBytes(len(b)), host: b}
	if b == nil {
		buf.host = []byte{}
	}
	if len(b) > 0 {
		staged := make([]byte, len(b))
		copy(staged, b)
		a.stream.enqueue(func() { copy(buf.mem, staged) })
	}
	return buf
}

func (a *accelerator) Synchronize() error {
	a.stream.sync()
	return nil
}

func (a *accelerator) MaskLogits(logits Span[float32], mask Span[uint32]) error {
	lb, ok := logits.buf.(*acceleratorBuffer)
	if !ok || lb.iface != a {
		return ErrCrossDevice
	}
	mb, ok := mask.buf.(*acceleratorBuffer)
	if !ok || mb.iface != a {
		return ErrCrossDevice
	}
	if mask.n*32 < logits.n {
		return fmt.Errorf("%w: mask of %d words for %d logits", ErrOutOfRange, mask.n, logits.n)
	}
	if logits.n == 0 {
		return nil
	}
	// Ordered after any pending upload of logits or mask; readers sync through CopyDeviceToCPU.
	a.stream.enqueue(func() {
		l := unsafe.Slice((*float32)(unsafe.Pointer(&lb.mem[logits.begin*4])), logits.n)
		m := unsafe.Slice((*uint32)(unsafe.Pointer(&mb.mem[mask.begin*4])), mask.n)
		_ = applyMask(l, m)
	})
	return nil
}

func (a *accelerator) SupportsGraphCapture() bool { return a.graphCapture }
