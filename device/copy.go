package device

// CopyThroughCPU copies n bytes between buffers on any devices by staging
// through host memory. Overlapping ranges of the same buffer behave like memmove.
func CopyThroughCPU(dst Buffer, dstBegin int, src Buffer, srcBegin int, n int) error {
	if err := checkRange(dst.Size(), dstBegin, n); err != nil {
		return err
	}
	if err := checkRange(src.Size(), srcBegin, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := src.CopyDeviceToCPU(srcBegin, n); err != nil {
		return err
	}
	copy(dst.Host()[dstBegin:dstBegin+n], src.Host()[srcBegin:srcBegin+n])
	return dst.CopyCPUToDevice(dstBegin, n)
}
