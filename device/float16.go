package device

import "github.com/x448/float16"

// Float16ToFloat32 widens an IEEE 754 half-precision bit pattern. Subnormals,
// infinities and NaN payloads are preserved.
func Float16ToFloat32(v uint16) float32 {
	return float16.Frombits(v).Float32()
}

// Float32ToFloat16 narrows with round-to-nearest-even.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// ConvertFp16ToFp32 widens src into dst on the host. Both spans must have the same length;
// dst is pushed to its device afterwards.
func ConvertFp16ToFp32(src Span[uint16], dst Span[float32]) error {
	if src.Len() != dst.Len() {
		return ErrOutOfRange
	}
	in, err := src.CopyDeviceToCPU()
	if err != nil {
		return err
	}
	out := dst.CPU()
	for i, v := range in {
		out[i] = Float16ToFloat32(v)
	}
	return dst.CopyCPUToDevice()
}
