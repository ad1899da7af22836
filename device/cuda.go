//go:build cuda

package device

func init() {
	Register(newAccelerator(CUDA, true))
}
