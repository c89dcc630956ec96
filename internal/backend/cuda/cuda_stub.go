//go:build !cuda || !(linux || windows)

// Package cuda provides the CUDA backend. Without the cuda build tag (or on
// platforms CUDA doesn't support), this file supplies a stub that always
// reports the backend unavailable, so the runtime degrades to simd-cpu
// rather than failing to start.
package cuda

import (
	"context"
	"unsafe"

	"github.com/mivertowski/ilgpu-rt/internal/driverprobe"
	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

// ErrCUDANotAvailable is returned by every operation in this build.
var ErrCUDANotAvailable = gpuerr.New(gpuerr.DeviceUnavailable, gpuerr.WithContext(map[string]string{
	"reason": "built without cuda support",
}))

func init() {
	device.RegisterBackend(&Driver{})
}

// Driver implements device.Driver for a CUDA-less build: Probe always
// returns a "driver not present" error, so Catalog omits the backend
// entirely rather than listing an Unavailable device. A missing library
// means omitted, not an error entry.
type Driver struct{}

func (Driver) Kind() device.Kind { return device.KindCUDA }

func (Driver) Probe() ([]device.Descriptor, error) {
	if driverprobe.Present("nvcuda.dll") {
		return nil, gpuerr.New(gpuerr.DeviceUnavailable, gpuerr.WithContext(map[string]string{
			"reason": "nvcuda.dll present on host but this build lacks the cuda tag",
		}))
	}
	return nil, ErrCUDANotAvailable
}

func (Driver) MemoryInfo(device.ID) (device.MemoryInfo, error) {
	return device.MemoryInfo{}, ErrCUDANotAvailable
}

// IsAvailable reports whether this build can talk to a CUDA driver.
func IsAvailable() bool { return false }

// DeviceCount always returns 0 in a build without cuda support.
func DeviceCount() int { return 0 }

// Backend is a buffer.Backend stand-in; every method returns
// ErrCUDANotAvailable since no allocation can ever have succeeded.
type Backend struct{}

func NewBackend() *Backend { return &Backend{} }

func (*Backend) Alloc(uintptr, buffer.Location) (unsafe.Pointer, error) {
	return nil, ErrCUDANotAvailable
}
func (*Backend) Free(unsafe.Pointer, buffer.Location) {}
func (*Backend) CopyHostToDevice(unsafe.Pointer, unsafe.Pointer, uintptr) error {
	return ErrCUDANotAvailable
}
func (*Backend) CopyDeviceToHost(unsafe.Pointer, unsafe.Pointer, uintptr) error {
	return ErrCUDANotAvailable
}
func (*Backend) CopyDeviceToDevice(unsafe.Pointer, unsafe.Pointer, uintptr) error {
	return ErrCUDANotAvailable
}
func (*Backend) Zero(unsafe.Pointer, uintptr) error { return ErrCUDANotAvailable }

// KernelDriver is a kernel.Driver stand-in for a CUDA-less build.
type KernelDriver struct{}

func NewKernelDriver() *KernelDriver { return &KernelDriver{} }

func (*KernelDriver) Run(context.Context, kernel.Artifact, kernel.Dim3, kernel.Dim3, []byte) error {
	return ErrCUDANotAvailable
}
