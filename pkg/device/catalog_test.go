package device

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCatalogDiscover registers a fixed set of stub drivers once and runs
// every assertion against that single registration, since RegisterBackend
// has no unregister counterpart (mirroring the real backends' init()-time,
// process-lifetime registration).
func TestCatalogDiscover(t *testing.T) {
	available := ID{Kind: KindCPU, Payload: 1}
	unavailableDriver := &stubDriver{kind: KindCPU, probeErr: assertErr("no cpu backend compiled in")}
	_ = unavailableDriver

	okDriver := &stubDriver{
		kind: KindCPU,
		descs: []Descriptor{
			{ID: available, Name: "test-cpu", Capabilities: Capabilities{MaxWorkGroupSize: 4}},
		},
	}
	missingDriver := &stubDriver{kind: KindOpenCL, probeErr: assertErr("opencl runtime not found")}
	panicDriver := &stubDriver{kind: KindCUDA, panics: true}

	RegisterBackend(okDriver)
	RegisterBackend(missingDriver)
	RegisterBackend(panicDriver)

	t.Run("discovers available devices", func(t *testing.T) {
		cat := Discover(logr.Discard(), Filter{})
		d, ok := cat.Get(available)
		require.True(t, ok)
		assert.Equal(t, "test-cpu", d.Name)
		assert.Equal(t, StatusAvailable, d.Status())
	})

	t.Run("a backend with no driver is silently omitted", func(t *testing.T) {
		cat := Discover(logr.Discard(), Filter{})
		for _, d := range cat.Devices() {
			assert.NotEqual(t, KindOpenCL, d.ID.Kind)
		}
	})

	t.Run("a panicking probe is recovered and reported with error status", func(t *testing.T) {
		cat := Discover(logr.Discard(), Filter{})
		d, ok := cat.Get(ID{Kind: KindCUDA})
		require.True(t, ok)
		assert.Equal(t, StatusError, d.Status())
		assert.Error(t, d.StatusReason())
	})

	t.Run("filter restricts to the requested backend kinds", func(t *testing.T) {
		cat := Discover(logr.Discard(), Filter{Backends: []Kind{KindCPU}})
		_, hasCPU := cat.Get(available)
		_, hasCUDA := cat.Get(ID{Kind: KindCUDA})
		assert.True(t, hasCPU)
		assert.False(t, hasCUDA)
	})

	t.Run("predicate filter narrows by capability", func(t *testing.T) {
		cat := Discover(logr.Discard(), Filter{Predicate: func(c Capabilities) bool { return c.MaxWorkGroupSize > 100 }})
		_, hasCPU := cat.Get(available)
		assert.False(t, hasCPU)
	})

	t.Run("discovery is idempotent across calls", func(t *testing.T) {
		cat1 := Discover(logr.Discard(), Filter{})
		cat2 := Discover(logr.Discard(), Filter{})
		assert.Equal(t, cat1.Devices(), cat2.Devices())
	})

	t.Run("a driver that reports an unavailable device is listed, not omitted", func(t *testing.T) {
		unavailableID := ID{Kind: KindSIMDCPU}
		initFailDriver := &stubDriver{
			kind: KindSIMDCPU,
			descs: []Descriptor{
				NewUnavailableDescriptor(unavailableID, "simd-cpu", assertErr("no cores detected")),
			},
		}
		RegisterBackend(initFailDriver)
		defer func() {
			registryMu.Lock()
			registry = registry[:len(registry)-1]
			registryMu.Unlock()
		}()

		cat := Discover(logr.Discard(), Filter{})
		d, ok := cat.Get(unavailableID)
		require.True(t, ok)
		assert.Equal(t, StatusUnavailable, d.Status())
		assert.Error(t, d.StatusReason())
	})

	t.Run("devices are ordered by ID", func(t *testing.T) {
		cat := Discover(logr.Discard(), Filter{})
		devs := cat.Devices()
		for i := 1; i < len(devs); i++ {
			assert.False(t, devs[i].ID.Less(devs[i-1].ID), "devices must be non-decreasing by ID")
		}
	})
}

type assertErrString string

func (e assertErrString) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrString(msg) }
