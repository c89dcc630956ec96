package dispatch

import (
	"context"
	"testing"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/accelerator"
	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/cache"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/pool"
)

type noopBackend struct{}

func (noopBackend) Alloc(bytes uintptr, loc buffer.Location) (unsafe.Pointer, error) {
	return nil, gpuerr.New(gpuerr.Unsupported)
}
func (noopBackend) Free(unsafe.Pointer, buffer.Location)                  {}
func (noopBackend) CopyHostToDevice(_, _ unsafe.Pointer, _ uintptr) error { return nil }
func (noopBackend) CopyDeviceToHost(_, _ unsafe.Pointer, _ uintptr) error { return nil }
func (noopBackend) CopyDeviceToDevice(_, _ unsafe.Pointer, _ uintptr) error {
	return nil
}
func (noopBackend) Zero(unsafe.Pointer, uintptr) error { return nil }

func TestSelectSmallInputAlwaysCpuSimd(t *testing.T) {
	opts := DefaultOptions()
	got := Select(MatMul, nil, 100, opts, true)
	assert.Equal(t, CpuSimd, got)
}

func TestSelectTensorCoreForEligibleMatMul(t *testing.T) {
	opts := DefaultOptions()
	got := Select(MatMul, nil, opts.TensorEligibleElemsThreshold, opts, true)
	assert.Equal(t, GpuTensorCore, got)
}

func TestSelectGeneralWhenNotTensorCapable(t *testing.T) {
	opts := DefaultOptions()
	got := Select(MatMul, nil, opts.TensorEligibleElemsThreshold, opts, false)
	assert.Equal(t, GpuGeneral, got)
}

func TestSelectGeneralForNonTensorOps(t *testing.T) {
	opts := DefaultOptions()
	got := Select(Add, nil, opts.TensorEligibleElemsThreshold, opts, true)
	assert.Equal(t, GpuGeneral, got)
}

func TestSelectFallsBackToCpuSimdWhenAcceleratorIsCPU(t *testing.T) {
	desc := device.Descriptor{ID: device.ID{Kind: device.KindSIMDCPU}, Name: "cpu"}
	a := accelerator.New(desc, noopBackend{}, pool.DefaultOptions(), cache.DefaultOptions(), logr.Discard())
	defer a.Shutdown(context.Background(), 0)

	opts := DefaultOptions()
	got := Select(Add, a, opts.SmallElemsThreshold+1, opts, false)
	assert.Equal(t, CpuSimd, got)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "cpu-simd", CpuSimd.String())
	assert.Equal(t, "gpu-tensor-core", GpuTensorCore.String())
	assert.Equal(t, "auto", Auto.String())
}

func TestHybridSplitsAndJoins(t *testing.T) {
	opts := DefaultOptions()
	opts.CpuGpuRatio = 0.5
	n := 10
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i)
	}

	var cpuRan, gpuRan bool
	var gpuOffset, gpuN int

	err := RunHybrid(context.Background(), opts, n, src,
		func(share []float32) { cpuRan = true; assert.Len(t, share, 5) },
		func(ctx context.Context, offset, count int) error {
			gpuRan = true
			gpuOffset, gpuN = offset, count
			return nil
		})

	require.NoError(t, err)
	assert.True(t, cpuRan)
	assert.True(t, gpuRan)
	assert.Equal(t, 5, gpuOffset)
	assert.Equal(t, 5, gpuN)
}

func TestHybridRejectsShortSlice(t *testing.T) {
	err := RunHybrid(context.Background(), DefaultOptions(), 10, make([]float32, 4),
		func(share []float32) {}, func(ctx context.Context, offset, n int) error { return nil })
	assert.Error(t, err)
}

func TestHybridPropagatesGpuError(t *testing.T) {
	boom := assertErr("gpu kernel failed")
	err := RunHybrid(context.Background(), DefaultOptions(), 10, make([]float32, 10),
		func(share []float32) {}, func(ctx context.Context, offset, n int) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestHybridInvalidRatioFallsBackToDefault(t *testing.T) {
	opts := DefaultOptions()
	opts.CpuGpuRatio = 1.0 // invalid (>=1), falls back to default 0.30 per DefaultOptions
	called := false
	err := RunHybrid(context.Background(), opts, 10, make([]float32, 10),
		func(share []float32) {}, func(ctx context.Context, offset, n int) error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
}

type assertErrString string

func (e assertErrString) Error() string { return string(e) }
func assertErr(msg string) error        { return assertErrString(msg) }
