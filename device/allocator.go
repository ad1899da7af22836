package device

import (
	"fmt"
	"math"
	"sync/atomic"

	"nano-genai-go/metrics"
)

var negInf = float32(math.Inf(-1))

// allocator tracks bytes handed out by a backend against an optional limit.
type allocator struct {
	device Type
	bytes  atomic.Int64
	count  atomic.Int64
	limit  atomic.Int64
}

func (a *allocator) reserve(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrAllocation, size)
	}
	for {
		cur := a.bytes.Load()
		next := cur + int64(size)
		if limit := a.limit.Load(); limit > 0 && next > limit {
			return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrAllocation, a.device, size, cur, limit)
		}
		if a.bytes.CompareAndSwap(cur, next) {
			break
		}
	}
	a.count.Add(1)
	metrics.DeviceBytesAllocated.WithLabelValues(a.device.String()).Add(float64(size))
	return nil
}

func (a *allocator) free(size int) {
	a.bytes.Add(-int64(size))
	a.count.Add(-1)
	metrics.DeviceBytesAllocated.WithLabelValues(a.device.String()).Sub(float64(size))
}

// SetMemoryLimit caps live allocations; zero or negative removes the cap.
func (a *allocator) SetMemoryLimit(bytes int64) {
	a.limit.Store(bytes)
}

func (a *allocator) Stats() Stats {
	return Stats{
		Device:         a.device,
		BytesAllocated: a.bytes.Load(),
		Allocations:    a.count.Load(),
		Limit:          a.limit.Load(),
	}
}
