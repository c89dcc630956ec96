package buffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewCopyRoundTrip(t *testing.T) {
	b, err := New[float32](heapBackend{}, []int{6}, Device)
	require.NoError(t, err)
	defer b.Dispose()

	require.NoError(t, b.CopyFromHost(context.Background(), nil, []float32{0, 1, 2, 3, 4, 5}))

	v, err := b.Subview(2, 3)
	require.NoError(t, err)

	dst := make([]float32, 3)
	require.NoError(t, v.CopyToHost(context.Background(), nil, dst))
	assert.Equal(t, []float32{2, 3, 4}, dst)

	require.NoError(t, v.CopyFromHost(context.Background(), nil, []float32{9, 9, 9}))
	full := make([]float32, 6)
	require.NoError(t, b.CopyToHost(context.Background(), nil, full))
	assert.Equal(t, []float32{0, 1, 9, 9, 9, 5}, full)
}

func TestViewBecomesStaleAfterDispose(t *testing.T) {
	b, err := New[float32](heapBackend{}, []int{4}, Device)
	require.NoError(t, err)

	v := b.View()
	b.Dispose()

	_, err = v.Raw()
	assert.Error(t, err)

	dst := make([]float32, 4)
	assert.Error(t, v.CopyToHost(context.Background(), nil, dst))
}

func TestViewSubviewBounds(t *testing.T) {
	b, err := New[float32](heapBackend{}, []int{8}, Device)
	require.NoError(t, err)
	defer b.Dispose()

	v, err := b.Subview(2, 4)
	require.NoError(t, err)

	inner, err := v.Subview(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Len())

	_, err = v.Subview(3, 2) // exceeds v's own extent of 4
	assert.Error(t, err)
}

func TestViewRaw(t *testing.T) {
	b, err := New[float32](heapBackend{}, []int{4}, Device)
	require.NoError(t, err)
	defer b.Dispose()

	v, err := b.Subview(1, 2)
	require.NoError(t, err)

	raw, err := v.Raw()
	require.NoError(t, err)
	assert.Equal(t, 2, raw.Len)
	assert.NotNil(t, raw.Ptr)
}

func TestZeroValueViewIsNeverFresh(t *testing.T) {
	var v View[float32]
	_, err := v.Raw()
	assert.Error(t, err)
}
