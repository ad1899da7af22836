package device

type cpuInterface struct {
	allocator
}

func init() {
	Register(&cpuInterface{allocator: allocator{device: CPU}})
}

func (c *cpuInterface) Type() Type { return CPU }

func (c *cpuInterface) Allocate(size int) (Buffer, error) {
	if err := c.reserve(size); err != nil {
		return nil, err
	}
	return &cpuBuffer{iface: c, mem: alignedBytes(size), owned: true, onFree: c.free}, nil
}

func (c *cpuInterface) AllocateCPU(size int) Buffer {
	return &cpuBuffer{iface: c, mem: alignedBytes(size)}
}

func (c *cpuInterface) WrapMemory(b []byte) Buffer {
	if b == nil {
		b = []byte{}
	}
	return &cpuBuffer{iface: c, mem: b}
}

func (c *cpuInterface) Synchronize() error { return nil }

func (c *cpuInterface) MaskLogits(logits Span[float32], mask Span[uint32]) error {
	return applyMask(logits.CPU(), mask.CPU())
}

func (c *cpuInterface) SupportsGraphCapture() bool { return false }
