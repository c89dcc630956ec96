// Package accelerator implements the per-device facade: it binds a
// device.Descriptor to its pool, stream, and kernel cache, and coordinates
// kernel compilation and shutdown.
package accelerator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/cache"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
	"github.com/mivertowski/ilgpu-rt/pkg/pool"
	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// compileSlot is the single-flight barrier for one fingerprint: every
// concurrent caller observes the same (Artifact, error) pair and the
// caller's sourceFn runs at most once.
type compileSlot struct {
	once     sync.Once
	artifact kernel.Artifact
	err      error
}

// Accelerator binds one device.Descriptor and owns everything scoped to it:
// a buffer backend, a pool Manager, a default Stream, and a kernel cache.
// The owning edge runs Accelerator -> Buffer (a weak registry here, for
// teardown accounting only) rather than Buffer -> Accelerator, so teardown
// walks a tree, not a cycle.
type Accelerator struct {
	descriptor device.Descriptor
	backend    buffer.Backend
	log        logr.Logger

	defaultStream *stream.Stream
	kernelCache   *cache.Kernel
	poolManager   *pool.Manager

	mu        sync.Mutex
	streams   map[*stream.Stream]struct{}
	buffers   map[bufferHandle]struct{}
	compileMu sync.Mutex
	compiles  map[uint64]*compileSlot
	admitting bool

	recovery *gpuerr.Dispatcher
}

// bufferHandle is a type-erased weak reference used only to count live
// buffers for Shutdown's teardown accounting.
type bufferHandle interface {
	Disposed() bool
	dispose()
}

// New builds an Accelerator bound to descriptor, using backend for buffer
// operations and cacheOpts for its kernel cache.
func New(descriptor device.Descriptor, backend buffer.Backend, poolOpts pool.Options, cacheOpts cache.Options, log logr.Logger) *Accelerator {
	ctx := context.Background()
	a := &Accelerator{
		descriptor:  descriptor,
		backend:     backend,
		log:         log,
		kernelCache: cache.New(cacheOpts),
		poolManager: pool.NewManager(poolOpts),
		streams:     make(map[*stream.Stream]struct{}),
		buffers:     make(map[bufferHandle]struct{}),
		compiles:    make(map[uint64]*compileSlot),
		admitting:   true,
		recovery:    gpuerr.NewDispatcher(gpuerr.NewLogrLogger(log)),
	}
	a.defaultStream = a.newStreamLocked(ctx, "default")
	return a
}

// Descriptor returns the bound device descriptor.
func (a *Accelerator) Descriptor() device.Descriptor { return a.descriptor }

// DefaultStream returns the accelerator's implicit default stream.
func (a *Accelerator) DefaultStream() *stream.Stream { return a.defaultStream }

func (a *Accelerator) newStreamLocked(ctx context.Context, name string) *stream.Stream {
	s := stream.New(ctx, name)
	a.mu.Lock()
	a.streams[s] = struct{}{}
	a.mu.Unlock()
	return s
}

// CreateStream opens a new stream bound to this accelerator. Fails with
// gpuerr.Unsupported once Shutdown has begun.
func (a *Accelerator) CreateStream(ctx context.Context, name string) (*stream.Stream, error) {
	a.mu.Lock()
	if !a.admitting {
		a.mu.Unlock()
		return nil, gpuerr.New(gpuerr.Unsupported, gpuerr.WithDevice(a.descriptor.ID),
			gpuerr.WithContext(map[string]string{"reason": "accelerator is shutting down"}))
	}
	a.mu.Unlock()
	return a.newStreamLocked(ctx, name), nil
}

// Allocate creates a new buffer of shape, resolving layout Auto against
// this device's capabilities.
func Allocate[T buffer.Element](a *Accelerator, shape []int, layout buffer.Layout) (*buffer.Buffer[T], error) {
	a.mu.Lock()
	if !a.admitting {
		a.mu.Unlock()
		return nil, gpuerr.New(gpuerr.Unsupported, gpuerr.WithDevice(a.descriptor.ID),
			gpuerr.WithContext(map[string]string{"reason": "accelerator is shutting down"}))
	}
	a.mu.Unlock()

	loc := resolveLayout(layout, shape, a.descriptor)

	var buf *buffer.Buffer[T]
	allocErr := a.recovery.RecoverOOM("accelerator.Allocate",
		func() error { a.poolManager.TrimAll(); return nil },
		func() error {
			b, err := buffer.New[T](a.backend, shape, loc)
			if err != nil {
				return err
			}
			buf = b
			return nil
		})
	if allocErr != nil {
		if gpuerr.Is(allocErr, gpuerr.OutOfMemory) {
			return nil, gpuerr.Wrap(gpuerr.OutOfMemory, allocErr,
				gpuerr.WithDevice(a.descriptor.ID),
				gpuerr.WithSuggestion("Reduce working set or call pool.Trim()"))
		}
		return nil, allocErr
	}

	a.mu.Lock()
	a.buffers[bufferAdapter[T]{buf: buf}] = struct{}{}
	a.mu.Unlock()
	return buf, nil
}

func resolveLayout(layout buffer.Layout, shape []int, d device.Descriptor) buffer.Location {
	if layout == buffer.Auto {
		elems := 1
		for _, s := range shape {
			elems *= s
		}
		switch buffer.ResolveAuto(elems, d.Supports(device.FeatureUnifiedMemory)) {
		case buffer.LayoutUnified:
			return buffer.UnifiedLoc
		case buffer.CpuOptimized:
			return buffer.Host
		default:
			return buffer.Device
		}
	}
	switch layout {
	case buffer.CpuOptimized:
		return buffer.Host
	case buffer.LayoutUnified:
		return buffer.UnifiedLoc
	case buffer.LayoutPinned:
		return buffer.PinnedLoc
	default:
		return buffer.Device
	}
}

type bufferAdapter[T buffer.Element] struct{ buf *buffer.Buffer[T] }

func (b bufferAdapter[T]) Disposed() bool { return b.buf.Disposed() }
func (b bufferAdapter[T]) dispose()       { b.buf.Dispose() }

// LoadKernel registers an already-compiled artifact under sig's
// fingerprint, skipping the compile barrier (used when the caller compiled
// out of band).
func (a *Accelerator) LoadKernel(sig kernel.Signature, artifact kernel.Artifact) {
	a.kernelCache.Put(sig.Fingerprint(), artifact, artifactVersion(artifact), nil)
}

func artifactVersion(a kernel.Artifact) string {
	return fmt.Sprintf("%s:%s", a.Backend, a.EntryPoint)
}

// LoadKernelCached returns a Launcher for sig, compiling via sourceFn on a
// cache miss. Concurrent callers sharing a fingerprint observe the same
// compile result and sourceFn runs at most once.
func (a *Accelerator) LoadKernelCached(ctx context.Context, sig kernel.Signature, version string, driver kernel.Driver, sourceFn func() (kernel.Artifact, error)) (*kernel.Launcher, error) {
	fp := sig.Fingerprint()

	if entry, ok := a.kernelCache.TryGet(fp, version); ok {
		_, span := a.traceCompile(ctx, sig.Name, true)
		span.End()
		return kernel.NewLauncher(sig, entry.Artifact, driver), nil
	}
	ctx, span := a.traceCompile(ctx, sig.Name, false)
	defer span.End()

	a.compileMu.Lock()
	slot, exists := a.compiles[fp]
	if !exists {
		slot = &compileSlot{}
		a.compiles[fp] = slot
	}
	a.compileMu.Unlock()

	slot.once.Do(func() {
		artifact, err := sourceFn()
		slot.artifact, slot.err = artifact, err
		if err == nil {
			a.kernelCache.Put(fp, artifact, version, nil)
		}
		a.compileMu.Lock()
		delete(a.compiles, fp)
		a.compileMu.Unlock()
	})

	if slot.err != nil {
		return nil, gpuerr.Wrap(gpuerr.KernelCompilationFailed, slot.err, gpuerr.WithKernel(sig.Name))
	}
	return kernel.NewLauncher(sig, slot.artifact, driver), nil
}

// MemoryInfo re-reads the bound device's memory usage from its driver on
// every call, surfaced at this level so callers sizing a working set don't
// go through the catalog.
func (a *Accelerator) MemoryInfo() (device.MemoryInfo, error) {
	return a.descriptor.MemoryInfo()
}

// SupportsTensorCores reports whether the bound device has dedicated
// matrix-multiply hardware for every precision given (any class at all
// when called with none).
func (a *Accelerator) SupportsTensorCores(precisions ...device.Precision) bool {
	return a.descriptor.Supports(device.FeatureTensorCores, precisions...)
}

// SupportedPrecisions returns the tensor-core precision classes the bound
// device exposes, empty when it has no matrix-multiply hardware.
func (a *Accelerator) SupportedPrecisions() []device.Precision {
	return append([]device.Precision(nil), a.descriptor.Capabilities.TensorCoreClasses...)
}

// Pool returns the accelerator's buffer pool manager.
func (a *Accelerator) Pool() *pool.Manager { return a.poolManager }

// Recovery returns the accelerator's error-recovery dispatcher: the single
// place OutOfMemory and Timeout/transient-DriverError retries are
// attempted before surfacing to the caller.
func (a *Accelerator) Recovery() *gpuerr.Dispatcher { return a.recovery }

// Cache returns the accelerator's kernel cache.
func (a *Accelerator) Cache() *cache.Kernel { return a.kernelCache }

// Shutdown tears the accelerator down in a fixed order: stop admission,
// cancel streams, wait up to timeout for drain, dispose buffers still
// registered, then close the pool manager and clear the cache. It does not
// release a driver handle of its own. A stream that fails to drain in time
// makes Shutdown return InternalInvariantViolated naming the first such
// stream, rather than blocking forever.
func (a *Accelerator) Shutdown(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	a.admitting = false
	streams := make([]*stream.Stream, 0, len(a.streams))
	for s := range a.streams {
		streams = append(streams, s)
	}
	a.mu.Unlock()

	for _, s := range streams {
		s.Cancel()
	}

	deadline := time.Now().Add(timeout)
	var firstErr error
	for _, s := range streams {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		wctx, cancel := context.WithTimeout(ctx, remaining)
		err := s.Synchronize(wctx)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = gpuerr.New(gpuerr.InternalInvariantViolated, gpuerr.WithDevice(a.descriptor.ID),
				gpuerr.WithContext(map[string]string{"reason": "stream failed to drain before shutdown timeout", "stream": s.Name()}))
		}
		s.Close()
	}

	a.mu.Lock()
	buffers := make([]bufferHandle, 0, len(a.buffers))
	for b := range a.buffers {
		buffers = append(buffers, b)
	}
	a.buffers = make(map[bufferHandle]struct{})
	a.mu.Unlock()
	for _, b := range buffers {
		if !b.Disposed() {
			b.dispose()
		}
	}

	a.poolManager.Close()
	a.kernelCache.Clear()

	return firstErr
}
