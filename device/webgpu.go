//go:build webgpu

package device

func init() {
	Register(newAccelerator(WebGPU, true))
}
