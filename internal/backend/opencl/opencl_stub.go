//go:build !opencl || !(linux || windows || darwin)

// Package opencl provides the OpenCL backend. Without the opencl build tag
// (or on a platform this build wasn't compiled for), this file supplies a
// stub that always reports the backend unavailable.
package opencl

import (
	"context"
	"unsafe"

	"github.com/mivertowski/ilgpu-rt/internal/driverprobe"
	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

// ErrOpenCLNotAvailable is returned by every operation in this build.
var ErrOpenCLNotAvailable = gpuerr.New(gpuerr.DeviceUnavailable, gpuerr.WithContext(map[string]string{
	"reason": "built without opencl support",
}))

func init() {
	device.RegisterBackend(&Driver{})
}

// Driver implements device.Driver for an OpenCL-less build.
type Driver struct{}

func (Driver) Kind() device.Kind { return device.KindOpenCL }

func (Driver) Probe() ([]device.Descriptor, error) {
	if driverprobe.Present("OpenCL.dll") {
		return nil, gpuerr.New(gpuerr.DeviceUnavailable, gpuerr.WithContext(map[string]string{
			"reason": "OpenCL.dll present on host but this build lacks the opencl tag",
		}))
	}
	return nil, ErrOpenCLNotAvailable
}

func (Driver) MemoryInfo(device.ID) (device.MemoryInfo, error) {
	return device.MemoryInfo{}, ErrOpenCLNotAvailable
}

// IsAvailable reports whether this build can talk to an OpenCL ICD.
func IsAvailable() bool { return false }

// DeviceCount always returns 0 in a build without opencl support.
func DeviceCount() int { return 0 }

// Backend is a buffer.Backend stand-in.
type Backend struct{}

func NewBackend() *Backend { return &Backend{} }

func (*Backend) Alloc(uintptr, buffer.Location) (unsafe.Pointer, error) {
	return nil, ErrOpenCLNotAvailable
}
func (*Backend) Free(unsafe.Pointer, buffer.Location) {}
func (*Backend) CopyHostToDevice(unsafe.Pointer, unsafe.Pointer, uintptr) error {
	return ErrOpenCLNotAvailable
}
func (*Backend) CopyDeviceToHost(unsafe.Pointer, unsafe.Pointer, uintptr) error {
	return ErrOpenCLNotAvailable
}
func (*Backend) CopyDeviceToDevice(unsafe.Pointer, unsafe.Pointer, uintptr) error {
	return ErrOpenCLNotAvailable
}
func (*Backend) Zero(unsafe.Pointer, uintptr) error { return ErrOpenCLNotAvailable }

// KernelDriver is a kernel.Driver stand-in for an OpenCL-less build.
type KernelDriver struct{}

func NewKernelDriver() *KernelDriver { return &KernelDriver{} }

func (*KernelDriver) Run(context.Context, kernel.Artifact, kernel.Dim3, kernel.Dim3, []byte) error {
	return ErrOpenCLNotAvailable
}
