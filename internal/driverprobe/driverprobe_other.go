//go:build !windows

package driverprobe

// present always reports false off Windows: the linux/darwin cgo builds
// resolve libcudart/libOpenCL at link time via LDFLAGS rather than a
// runtime dlopen probe, so there is nothing to distinguish here.
func present(name string) bool { return false }
