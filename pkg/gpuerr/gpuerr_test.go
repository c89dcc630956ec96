package gpuerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/device"
)

func TestSeverityFor(t *testing.T) {
	t.Run("internal invariant is always critical", func(t *testing.T) {
		assert.Equal(t, SeverityCritical, SeverityFor(InternalInvariantViolated, false))
		assert.Equal(t, SeverityCritical, SeverityFor(InternalInvariantViolated, true))
	})

	t.Run("driver error severity depends on transience", func(t *testing.T) {
		assert.Equal(t, SeverityError, SeverityFor(DriverError, false))
		assert.Equal(t, SeverityWarning, SeverityFor(DriverError, true))
	})

	t.Run("cancelled is info", func(t *testing.T) {
		assert.Equal(t, SeverityInfo, SeverityFor(Cancelled, false))
	})

	t.Run("oom and timeout are warning", func(t *testing.T) {
		assert.Equal(t, SeverityWarning, SeverityFor(OutOfMemory, false))
		assert.Equal(t, SeverityWarning, SeverityFor(Timeout, false))
	})
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, OutOfMemory.Retryable())
	assert.True(t, Timeout.Retryable())
	assert.True(t, DriverError.Retryable())
	assert.False(t, InvalidArgument.Retryable())
	assert.False(t, InternalInvariantViolated.Retryable())
}

func TestErrorConstruction(t *testing.T) {
	id := device.ID{Kind: device.KindCUDA, Payload: 0}
	err := New(OutOfMemory,
		WithDevice(id),
		WithKernel("matmul"),
		WithSuggestion("trim the pool and retry"),
	)

	assert.Equal(t, OutOfMemory, err.Kind)
	assert.Equal(t, "matmul", err.Kernel)
	assert.Contains(t, err.Error(), "OutOfMemory")
	assert.Contains(t, err.Error(), "kernel=matmul")
	assert.Contains(t, err.Error(), "suggestion: trim the pool and retry")
}

func TestErrorWrapAndIs(t *testing.T) {
	cause := errors.New("driver returned CUDA_ERROR_NOT_READY")
	err := Wrap(DriverError, cause, Transient())

	require.True(t, Is(err, DriverError))
	assert.False(t, Is(err, Timeout))
	assert.True(t, err.Transient)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsWalksUnwrapChain(t *testing.T) {
	inner := New(Timeout)
	outer := Wrap(DriverError, inner)

	// outer is itself a *Error of Kind DriverError; Is only inspects the
	// first *Error found in the chain, matching errors.As semantics for a
	// concrete type rather than searching past it.
	assert.True(t, Is(outer, DriverError))
	assert.False(t, Is(outer, Timeout))
}

func TestWithContextMerges(t *testing.T) {
	err := New(InvalidArgument,
		WithContext(map[string]string{"a": "1"}),
		WithContext(map[string]string{"b": "2"}),
	)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, err.Context)
}
