package buffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnifiedStartsWithNeitherSideValid(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer u.Buffer().Dispose()

	assert.False(t, u.Buffer().hostValid)
	assert.False(t, u.Buffer().deviceValid)
}

func TestUnifiedEnsureHostThenDeviceMigrates(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer u.Buffer().Dispose()

	require.NoError(t, u.EnsureHost(context.Background()))
	assert.True(t, u.Buffer().hostValid)
	assert.False(t, u.Buffer().deviceValid)

	require.NoError(t, u.EnsureDevice(context.Background()))
	assert.True(t, u.Buffer().deviceValid)
}

func TestUnifiedEnsureIsIdempotent(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer u.Buffer().Dispose()

	require.NoError(t, u.EnsureHost(context.Background()))
	require.NoError(t, u.EnsureHost(context.Background())) // second call is a no-op
	assert.True(t, u.Buffer().hostValid)
}

func TestUnifiedEnsureFailsAfterDispose(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	u.Buffer().Dispose()

	assert.Error(t, u.EnsureHost(context.Background()))
	assert.Error(t, u.EnsureDevice(context.Background()))
}

func TestUnifiedHostSliceEstablishesHostValidity(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer u.Buffer().Dispose()

	hs, err := u.HostSlice()
	require.NoError(t, err)
	require.Len(t, hs, 4)
	hs[1] = 42

	assert.True(t, u.Buffer().hostValid)
	assert.False(t, u.Buffer().deviceValid)
}

func TestUnifiedMarkDeviceModifiedInvalidatesHost(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer u.Buffer().Dispose()

	_, err = u.HostSlice()
	require.NoError(t, err)

	u.MarkDeviceModified()
	assert.True(t, u.Buffer().deviceValid)
	assert.False(t, u.Buffer().hostValid)

	require.NoError(t, u.EnsureHost(context.Background()))
	assert.True(t, u.Buffer().hostValid)
}

func TestUnifiedHostSliceFailsAfterDispose(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	u.Buffer().Dispose()

	_, err = u.HostSlice()
	assert.Error(t, err)
}

func TestUnifiedEnsureAsyncCompletes(t *testing.T) {
	u, err := NewUnified[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer u.Buffer().Dispose()

	require.NoError(t, u.EnsureHostAsync(context.Background()).Wait(context.Background()))
	assert.True(t, u.Buffer().hostValid)

	require.NoError(t, u.EnsureDeviceAsync(context.Background()).Wait(context.Background()))
	assert.True(t, u.Buffer().deviceValid)
}

func TestPinnedBuffer(t *testing.T) {
	p, err := NewPinned[float32](heapBackend{}, []int{4})
	require.NoError(t, err)
	defer p.Buffer().Dispose()

	assert.Equal(t, PinnedLoc, p.Buffer().Location())
}
