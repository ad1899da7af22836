//go:build windows

package device

func init() {
	Register(newAccelerator(DML, true))
}
