package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

func artifact(entry string) kernel.Artifact {
	return kernel.Artifact{EntryPoint: entry}
}

func TestTryGetMissOnEmptyCache(t *testing.T) {
	c := New(DefaultOptions())
	_, ok := c.TryGet(1, "v1")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestPutThenTryGetHit(t *testing.T) {
	c := New(DefaultOptions())
	c.Put(1, artifact("k1"), "v1", nil)

	e, ok := c.TryGet(1, "v1")
	require.True(t, ok)
	assert.Equal(t, "k1", e.Artifact.EntryPoint)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestTryGetMissOnVersionMismatch(t *testing.T) {
	c := New(DefaultOptions())
	c.Put(1, artifact("k1"), "v1", nil)

	_, ok := c.TryGet(1, "v2")
	assert.False(t, ok)
}

func TestTryGetMissOnExpiry(t *testing.T) {
	opts := DefaultOptions()
	opts.DefaultTTL = 10 * time.Millisecond
	c := New(opts)
	c.Put(1, artifact("k1"), "v1", nil)

	time.Sleep(20 * time.Millisecond)
	_, ok := c.TryGet(1, "v1")
	assert.False(t, ok)
}

func TestInvalidateVersionDropsOnlyMatchingEntries(t *testing.T) {
	c := New(DefaultOptions())
	c.Put(1, artifact("k1"), "v1", nil)
	c.Put(2, artifact("k2"), "v2", nil)

	c.InvalidateVersion("v1")

	_, ok1 := c.TryGet(1, "v1")
	_, ok2 := c.TryGet(2, "v2")
	assert.False(t, ok1)
	assert.True(t, ok2)
}

func TestClearRemovesEverything(t *testing.T) {
	c := New(DefaultOptions())
	c.Put(1, artifact("k1"), "v1", nil)
	c.Clear()

	assert.Equal(t, 0, c.Stats().Size)
	_, ok := c.TryGet(1, "v1")
	assert.False(t, ok)
}

// TestEvictionScenario walks the documented put/try_get/put/put sequence for
// a cache with MaxSize=3 and EvictionThreshold=0.8: k1, k2, get(k1) [refresh],
// k3, k4 should leave {k1, k3, k4} and evict k2, the least-recently-used
// entry once k1 was refreshed ahead of it.
func TestEvictionScenario(t *testing.T) {
	opts := Options{MaxSize: 3, DefaultTTL: time.Hour, EvictionThreshold: 0.8}
	c := New(opts)

	c.Put(1, artifact("k1"), "v1", nil)
	c.Put(2, artifact("k2"), "v1", nil)
	_, ok := c.TryGet(1, "v1") // refresh k1 ahead of k2
	require.True(t, ok)
	c.Put(3, artifact("k3"), "v1", nil)
	c.Put(4, artifact("k4"), "v1", nil)

	_, hasK1 := c.TryGet(1, "v1")
	_, hasK2 := c.TryGet(2, "v1")
	_, hasK3 := c.TryGet(3, "v1")
	_, hasK4 := c.TryGet(4, "v1")

	assert.True(t, hasK1)
	assert.False(t, hasK2, "k2 should have been evicted as the least-recently-used entry")
	assert.True(t, hasK3)
	assert.True(t, hasK4)
}

func TestCacheNeverExceedsMaxSize(t *testing.T) {
	opts := Options{MaxSize: 3, DefaultTTL: time.Hour, EvictionThreshold: 0.8}
	c := New(opts)

	for i := uint64(1); i <= 10; i++ {
		c.Put(i, artifact("k"), "v1", nil)
		assert.LessOrEqual(t, c.Stats().Size, opts.MaxSize)
	}
}

func TestPutReplacesExistingKey(t *testing.T) {
	c := New(DefaultOptions())
	c.Put(1, artifact("first"), "v1", nil)
	c.Put(1, artifact("second"), "v1", nil)

	e, ok := c.TryGet(1, "v1")
	require.True(t, ok)
	assert.Equal(t, "second", e.Artifact.EntryPoint)
	assert.Equal(t, 1, c.Stats().Size)
}
