// Package device provides typed, ownership-aware views over backend memory
// and the per-backend interfaces (CPU, CUDA, DirectML, WebGPU) that allocate,
// wrap and copy it.
//
// Every backend is a process-wide singleton registered at init time and
// resolved with Get. Host code never touches accelerator memory directly:
// it goes through a Span's host mirror and the explicit CopyDeviceToCPU /
// CopyCPUToDevice calls, which synchronize with the device stream.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies a backend. Types are totally ordered; Max sizes per-device tables.
type Type int

const (
	CPU Type = iota
	CUDA
	DML
	WebGPU
	Max
)

var (
	ErrDeviceUnavailable = errors.New("device backend not available in this build")
	ErrReleased          = errors.New("device buffer used after release")
	ErrOutOfRange        = errors.New("device copy out of range")
	ErrCrossDevice       = errors.New("buffers live on different devices")
	ErrAllocation        = errors.New("device allocation failed")
)

var typeNames = [Max]string{"cpu", "cuda", "dml", "webgpu"}

func (t Type) String() string {
	if t < 0 || t >= Max {
		return fmt.Sprintf("device(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType maps a provider name to a Type. Empty selects CPU.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "cuda", "gpu":
		return CUDA, nil
	case "dml", "directml":
		return DML, nil
	case "webgpu":
		return WebGPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q (expected cpu, cuda, dml or webgpu)", name)
	}
}

// ElementType is the element type of a tensor or span.
type ElementType int

const (
	ElementUndefined ElementType = iota
	ElementFloat32
	ElementFloat16
	ElementInt32
	ElementInt64
	ElementUint32
	ElementUint8
)

func (e ElementType) String() string {
	switch e {
	case ElementFloat32:
		return "float32"
	case ElementFloat16:
		return "float16"
	case ElementInt32:
		return "int32"
	case ElementInt64:
		return "int64"
	case ElementUint32:
		return "uint32"
	case ElementUint8:
		return "uint8"
	default:
		return "undefined"
	}
}

// Size returns the element size in bytes.
func (e ElementType) Size() int {
	switch e {
	case ElementFloat32, ElementInt32, ElementUint32:
		return 4
	case ElementInt64:
		return 8
	case ElementFloat16:
		return 2
	case ElementUint8:
		return 1
	default:
		return 0
	}
}

// Element is the set of Go types a Span can view. uint16 holds IEEE half floats.
type Element interface {
	int32 | int64 | uint32 | uint16 | uint8 | float32
}

// ElementOf returns the ElementType for T.
func ElementOf[T Element]() ElementType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return ElementFloat32
	case uint16:
		return ElementFloat16
	case int32:
		return ElementInt32
	case int64:
		return ElementInt64
	case uint32:
		return ElementUint32
	case uint8:
		return ElementUint8
	}
	return ElementUndefined
}
