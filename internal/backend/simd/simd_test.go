package simd

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

func TestDriverProbeReturnsOneDevice(t *testing.T) {
	d := Driver{}
	descs, err := d.Probe()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, device.KindSIMDCPU, descs[0].ID.Kind)
}

func TestDriverMemoryInfoReportsHeap(t *testing.T) {
	d := Driver{}
	info, err := d.MemoryInfo(device.ID{Kind: device.KindSIMDCPU})
	require.NoError(t, err)
	assert.Greater(t, info.TotalBytes, uint64(0))
}

func TestBackendAllocFreeRoundTrip(t *testing.T) {
	b := NewBackend()
	ptr, err := b.Alloc(16, buffer.Device)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	src := []byte{1, 2, 3, 4}
	require.NoError(t, b.CopyHostToDevice(ptr, unsafe.Pointer(&src[0]), 4))

	dst := make([]byte, 4)
	require.NoError(t, b.CopyDeviceToHost(unsafe.Pointer(&dst[0]), ptr, 4))
	assert.Equal(t, src, dst)

	require.NoError(t, b.Zero(ptr, 16))
	require.NoError(t, b.CopyDeviceToHost(unsafe.Pointer(&dst[0]), ptr, 4))
	assert.Equal(t, []byte{0, 0, 0, 0}, dst)

	b.Free(ptr, buffer.Device)
}

func TestBackendAllocZeroBytes(t *testing.T) {
	b := NewBackend()
	ptr, err := b.Alloc(0, buffer.Device)
	require.NoError(t, err)
	assert.Nil(t, ptr)
}

func TestKernelDriverRunsRegisteredFunc(t *testing.T) {
	called := false
	payload := RegisterFunc(t.Name(), func(ctx context.Context, grid, block kernel.Dim3, packed []byte) error {
		called = true
		assert.Equal(t, uint32(4), grid.X)
		return nil
	})

	kd := NewKernelDriver()
	err := kd.Run(context.Background(), kernel.Artifact{Payload: payload}, kernel.Dim3{X: 4}, kernel.Dim3{X: 1}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestKernelDriverUnknownPayloadFails(t *testing.T) {
	kd := NewKernelDriver()
	err := kd.Run(context.Background(), kernel.Artifact{Payload: []byte("nonexistent-kernel")}, kernel.Dim3{}, kernel.Dim3{}, nil)
	require.Error(t, err)
	assert.True(t, gpuerr.Is(err, gpuerr.LaunchFailed))
}
