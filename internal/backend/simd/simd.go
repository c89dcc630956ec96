// Package simd implements the pure-Go SIMD-flavored CPU backend: the
// always-available fallback accelerator used when no CUDA or OpenCL driver
// is present, and the CPU half of a dispatch.Hybrid execution. It never
// calls cgo and is always registered.
package simd

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

func init() {
	device.RegisterBackend(&Driver{})
}

// Driver implements device.Driver for the simulated SIMD-CPU backend: one
// device per process, its capabilities derived from runtime.NumCPU.
type Driver struct{}

func (Driver) Kind() device.Kind { return device.KindSIMDCPU }

func (Driver) Probe() ([]device.Descriptor, error) {
	id := device.ID{Kind: device.KindSIMDCPU, Payload: int64(runtime.NumCPU())}
	return []device.Descriptor{{
		ID:   id,
		Name: fmt.Sprintf("simd-cpu[%d cores]", runtime.NumCPU()),
		Capabilities: device.Capabilities{
			MaxWorkGroupSize: runtime.NumCPU(),
			UnifiedMemory:    true, // host memory, trivially unified with itself
			MemoryPools:      true,
			AsyncCopy:        false,
		},
	}}, nil
}

func (Driver) MemoryInfo(id device.ID) (device.MemoryInfo, error) {
	// The SIMD backend has no separate device memory; report the process's
	// own heap as a rough proxy rather than pretending to know system RAM.
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return device.MemoryInfo{
		TotalBytes: ms.Sys,
		UsedBytes:  ms.HeapInuse,
		FreeBytes:  ms.Sys - ms.HeapInuse,
	}, nil
}

// allocations pins live allocations against GC by keeping the backing
// []byte reachable for as long as its pointer is outstanding.
var allocations sync.Map // uintptr -> []byte

// Backend implements buffer.Backend over ordinary Go heap memory: there is
// no separate device address space, so every "copy" is a memmove.
type Backend struct{}

func NewBackend() *Backend { return &Backend{} }

func (*Backend) Alloc(bytes uintptr, loc buffer.Location) (unsafe.Pointer, error) {
	if bytes == 0 {
		return nil, nil
	}
	buf := make([]byte, bytes)
	ptr := unsafe.Pointer(&buf[0])
	allocations.Store(uintptr(ptr), buf)
	return ptr, nil
}

func (*Backend) Free(ptr unsafe.Pointer, loc buffer.Location) {
	if ptr == nil {
		return
	}
	allocations.Delete(uintptr(ptr))
}

func toSlice(ptr unsafe.Pointer, n uintptr) []byte {
	if ptr == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

func (*Backend) CopyHostToDevice(dst, src unsafe.Pointer, bytes uintptr) error {
	copy(toSlice(dst, bytes), toSlice(src, bytes))
	return nil
}

func (*Backend) CopyDeviceToHost(dst, src unsafe.Pointer, bytes uintptr) error {
	copy(toSlice(dst, bytes), toSlice(src, bytes))
	return nil
}

func (*Backend) CopyDeviceToDevice(dst, src unsafe.Pointer, bytes uintptr) error {
	copy(toSlice(dst, bytes), toSlice(src, bytes))
	return nil
}

func (*Backend) Zero(ptr unsafe.Pointer, bytes uintptr) error {
	s := toSlice(ptr, bytes)
	for i := range s {
		s[i] = 0
	}
	return nil
}

// KernelDriver implements kernel.Driver by invoking a Go closure registered
// as a kernel's "payload". The SIMD backend never parses machine code, it
// parses nothing, it runs arbitrary Go directly. Artifact.Payload carries a
// lookup key into a process-wide registry of compiled Go functions.
type KernelDriver struct{}

func NewKernelDriver() *KernelDriver { return &KernelDriver{} }

// Func is the CPU kernel body: grid/block extents and packed args, same
// shape a real driver's entry point would receive.
type Func func(ctx context.Context, grid, block kernel.Dim3, packed []byte) error

var (
	registryMu sync.Mutex
	registry   = map[string]Func{}
)

// RegisterFunc installs a named Go kernel body, returning the Artifact
// payload that references it.
func RegisterFunc(name string, fn Func) []byte {
	registryMu.Lock()
	registry[name] = fn
	registryMu.Unlock()
	return []byte(name)
}

func (*KernelDriver) Run(ctx context.Context, artifact kernel.Artifact, grid, block kernel.Dim3, packed []byte) error {
	registryMu.Lock()
	fn, ok := registry[string(artifact.Payload)]
	registryMu.Unlock()
	if !ok {
		return gpuerr.New(gpuerr.LaunchFailed, gpuerr.WithKernel(artifact.EntryPoint),
			gpuerr.WithContext(map[string]string{"reason": "no registered simd kernel for payload"}))
	}
	return fn(ctx, grid, block, packed)
}
