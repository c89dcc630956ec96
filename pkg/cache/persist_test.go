package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

func TestPersistPreloadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c := New(Options{MaxSize: 16, DefaultTTL: time.Hour, EvictionThreshold: 0.9})
	c.Put(1, kernel.Artifact{Backend: device.KindSIMDCPU, Payload: []byte("hello kernel"), EntryPoint: "add"}, "v1", map[string]string{"opt": "fast"})
	c.Put(2, kernel.Artifact{Backend: device.KindCUDA, Payload: []byte("cuda blob"), EntryPoint: "matmul"}, "v2", nil)

	require.NoError(t, c.Persist(dir))

	restored := New(Options{MaxSize: 16, DefaultTTL: time.Hour, EvictionThreshold: 0.9})
	restored.Preload(logr.Discard(), dir)

	e1, ok := restored.TryGet(1, "v1")
	require.True(t, ok)
	assert.Equal(t, "add", e1.Artifact.EntryPoint)
	assert.Equal(t, []byte("hello kernel"), e1.Artifact.Payload)
	assert.Equal(t, "fast", e1.Metadata["opt"])

	e2, ok := restored.TryGet(2, "v2")
	require.True(t, ok)
	assert.Equal(t, device.KindCUDA, e2.Artifact.Backend)
}

func TestPersistAsyncCompletesAndRoundTrips(t *testing.T) {
	dir := t.TempDir()

	c := New(Options{MaxSize: 16, DefaultTTL: time.Hour, EvictionThreshold: 0.9})
	c.Put(1, kernel.Artifact{Payload: []byte("async blob"), EntryPoint: "k"}, "v1", nil)

	require.NoError(t, c.PersistAsync(dir).Wait(context.Background()))

	restored := New(Options{MaxSize: 16, DefaultTTL: time.Hour, EvictionThreshold: 0.9})
	require.NoError(t, restored.PreloadAsync(logr.Discard(), dir).Wait(context.Background()))

	e, ok := restored.TryGet(1, "v1")
	require.True(t, ok)
	assert.Equal(t, []byte("async blob"), e.Artifact.Payload)
}

func TestPreloadMissingDirectoryIsNotFatal(t *testing.T) {
	c := New(DefaultOptions())
	c.Preload(logr.Discard(), t.TempDir()+"/does-not-exist")
	assert.Equal(t, 0, c.Stats().Size)
}

func TestPreloadSchemaMismatchStartsCold(t *testing.T) {
	dir := t.TempDir()
	c := New(DefaultOptions())
	c.Put(1, kernel.Artifact{EntryPoint: "x"}, "v1", nil)
	require.NoError(t, c.Persist(dir))

	// Simulate a future schema bump by corrupting the manifest's version.
	manifestPath := dir + "/manifest.json"
	data := []byte(`{"SchemaVersion": 999, "entries": []}`)
	require.NoError(t, os.WriteFile(manifestPath, data, 0o644))

	restored := New(DefaultOptions())
	restored.Preload(logr.Discard(), dir)
	assert.Equal(t, 0, restored.Stats().Size)
}
