package device

import (
	"fmt"
	"sort"
	"sync"
)

// Interface is a backend: it allocates and wraps memory, orders device work and
// runs the few kernels the engine needs outside the model graph.
type Interface interface {
	Type() Type

	// Allocate returns size bytes of device memory. Exceeding the memory limit
	// returns ErrAllocation.
	Allocate(size int) (Buffer, error)
	// AllocateCPU returns host memory suitable for staging transfers to this device.
	AllocateCPU(size int) Buffer
	// WrapMemory views caller-owned host bytes without copying. Releasing the
	// returned buffer does not free b.
	WrapMemory(b []byte) Buffer

	Synchronize() error

	// MaskLogits sets logits whose bit is clear in mask to -Inf.
	MaskLogits(logits Span[float32], mask Span[uint32]) error

	SupportsGraphCapture() bool
	SetMemoryLimit(bytes int64)
	Stats() Stats
}

// Stats reports allocation counters for an Interface.
type Stats struct {
	Device         Type
	BytesAllocated int64
	Allocations    int64
	Limit          int64
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Type]Interface)
)

// Register makes a backend available. Registering the same Type twice panics.
func Register(iface Interface) {
	registryMu.Lock()
	defer registryMu.Unlock()

	t := iface.Type()
	if _, ok := registry[t]; ok {
		panic("device: backend already registered: " + t.String())
	}
	registry[t] = iface
}

// Get resolves the process-wide interface for t.
func Get(t Type) (Interface, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if iface, ok := registry[t]; ok {
		return iface, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, t)
}

// MustGet is Get for backends that are always compiled in.
func MustGet(t Type) Interface {
	iface, err := Get(t)
	if err != nil {
		panic(err)
	}
	return iface
}

// Available lists the registered backends in Type order.
func Available() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// applyMask is the reference masking kernel shared by all backends.
func applyMask(logits []float32, mask []uint32) error {
	if len(mask)*32 < len(logits) {
		return fmt.Errorf("%w: mask of %d words for %d logits", ErrOutOfRange, len(mask), len(logits))
	}
	for i := range logits {
		if mask[i/32]&(1<<(uint(i)%32)) == 0 {
			logits[i] = negInf
		}
	}
	return nil
}
