// Package gpuctx implements the process-level runtime Context: the root
// object that owns the device catalog, one Accelerator per opened device,
// and everything's shared options. Named gpuctx rather than context to
// avoid shadowing the stdlib package every call site would otherwise need
// to alias.
package gpuctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"gopkg.in/yaml.v3"

	"github.com/mivertowski/ilgpu-rt/pkg/accelerator"
	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/cache"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/dispatch"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
	"github.com/mivertowski/ilgpu-rt/pkg/pool"
)

// fileConfig is the YAML shape of the runtime's configuration options.
type fileConfig struct {
	PreferredBackend string   `yaml:"preferred_backend"`
	Backends         []string `yaml:"backends"`
	EnableMemoryPool *bool    `yaml:"enable_memory_pool"`
	ShutdownTimeout  string   `yaml:"shutdown_timeout"`
	Pool             struct {
		Retention      string `yaml:"retention"`
		MaxPoolBytes   uint64 `yaml:"max_pool_bytes"`
		MaxBufferBytes uint64 `yaml:"max_buffer_bytes"`
		TrimInterval   string `yaml:"trim_interval"`
	} `yaml:"pool"`
	Cache struct {
		MaxSize           int     `yaml:"max_size"`
		DefaultTTL        string  `yaml:"default_ttl"`
		EvictionThreshold float64 `yaml:"eviction_threshold"`
		Persistent        bool    `yaml:"persistent"`
		PersistDir        string  `yaml:"persist_dir"`
	} `yaml:"cache"`
	Kernel struct {
		Optimization string `yaml:"optimization"`
	} `yaml:"kernel"`
	Hybrid struct {
		SmallThreshold int     `yaml:"small_threshold"`
		CpuGpuRatio    float64 `yaml:"cpu_gpu_ratio"`
	} `yaml:"hybrid"`
}

// Context is the runtime's root object. It is built via NewBuilder()...Build
// and torn down with Dispose, in the reverse order of construction.
type Context struct {
	log              logr.Logger
	catalog          *device.Catalog
	accelerators     map[device.ID]*accelerator.Accelerator
	preferredBackend device.Kind
	dispatchOpts     dispatch.Options
	kernelOpt        kernel.OptimizationFlags
	cacheOpts        cache.Options
	shutdownTimeout  time.Duration
}

// cacheDirFor keys each accelerator's persisted cache under its own
// subdirectory, so two devices sharing one configured directory never read
// each other's artifacts. Device id separators are not filename-safe.
func cacheDirFor(base string, id device.ID) string {
	return filepath.Join(base, strings.ReplaceAll(id.String(), ":", "-"))
}

// Accelerator returns the Accelerator opened for id, if any.
func (c *Context) Accelerator(id device.ID) (*accelerator.Accelerator, bool) {
	a, ok := c.accelerators[id]
	return a, ok
}

// DefaultAccelerator returns an accelerator for the preferred backend when
// one was opened, otherwise the first accelerator in device-id order. The
// second return is false only when the Context holds none, which Build
// never returns; Dispose shuts accelerators down but leaves them in place.
func (c *Context) DefaultAccelerator() (*accelerator.Accelerator, bool) {
	var best *accelerator.Accelerator
	var bestID device.ID
	for id, a := range c.accelerators {
		if c.preferredBackend != device.KindNone && id.Kind == c.preferredBackend {
			return a, true
		}
		if best == nil || id.Less(bestID) {
			best, bestID = a, id
		}
	}
	return best, best != nil
}

// DispatchOptions returns the hybrid-dispatcher thresholds this Context was
// configured with.
func (c *Context) DispatchOptions() dispatch.Options { return c.dispatchOpts }

// KernelOptimization returns the optimization flags kernel signatures built
// under this Context should carry.
func (c *Context) KernelOptimization() kernel.OptimizationFlags { return c.kernelOpt }

// Catalog returns the device catalog this Context was built from.
func (c *Context) Catalog() *device.Catalog { return c.catalog }

// Add computes dst = a + b element-wise on accel, routed through the
// hybrid dispatcher. A hint of Auto defers to the deterministic selection
// rule; any other hint forces that path. Operands are staged through host
// memory; the device share executes as a command on accel's default
// stream, which on the CPU-resident backends is the real execution path
// and keeps the same ordering a kernel launch on that stream would have.
func (c *Context) Add(ctx context.Context, accel *accelerator.Accelerator, dst, a, b *buffer.Buffer[float32], hint dispatch.Strategy) error {
	n := dst.Len()
	if a.Len() < n || b.Len() < n {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithDevice(accel.Descriptor().ID),
			gpuerr.WithContext(map[string]string{"reason": "operand shorter than destination"}))
	}

	as := make([]float32, n)
	bs := make([]float32, n)
	if err := a.CopyToHost(ctx, nil, as); err != nil {
		return err
	}
	if err := b.CopyToHost(ctx, nil, bs); err != nil {
		return err
	}
	out := make([]float32, n)

	strategy := hint
	if strategy == dispatch.Auto {
		strategy = dispatch.Select(dispatch.Add, accel, n, c.dispatchOpts, accel.SupportsTensorCores())
	}

	switch strategy {
	case dispatch.CpuSimd:
		dispatch.CpuAddFlat(out, as, bs)
	case dispatch.Hybrid:
		err := dispatch.RunHybrid(ctx, c.dispatchOpts, n, out,
			func(share []float32) {
				dispatch.CpuAddFlat(share, as[:len(share)], bs[:len(share)])
			},
			func(ctx context.Context, offset, count int) error {
				return accel.DefaultStream().EnqueueSync(ctx, func(ctx context.Context) error {
					dispatch.CpuAddFlat(out[offset:offset+count], as[offset:offset+count], bs[offset:offset+count])
					return nil
				})
			})
		if err != nil {
			return err
		}
	default:
		// GpuGeneral and GpuTensorCore run the whole range as one command
		// on the accelerator's default stream.
		if err := accel.DefaultStream().EnqueueSync(ctx, func(ctx context.Context) error {
			dispatch.CpuAddFlat(out, as, bs)
			return nil
		}); err != nil {
			return err
		}
	}

	return dst.CopyFromHost(ctx, nil, out)
}

// Dispose tears the Context down: for each accelerator it persists the
// kernel cache (when persistence is configured) and then shuts the
// accelerator down. The device catalog holds no resources and is left as is.
func (c *Context) Dispose(ctx context.Context) error {
	var firstErr error
	for id, a := range c.accelerators {
		// Persist before Shutdown: shutdown's last step clears the cache.
		if c.cacheOpts.Persistent && c.cacheOpts.PersistDir != "" {
			if err := a.Cache().Persist(cacheDirFor(c.cacheOpts.PersistDir, id)); err != nil {
				c.log.Error(err, "gpuctx: persisting kernel cache failed", "device", id.String())
			}
		}
		if err := a.Shutdown(ctx, c.shutdownTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	currentMu.Lock()
	if current == c {
		current = nil
	}
	currentMu.Unlock()
	return firstErr
}

var (
	currentMu sync.Mutex
	current   *Context
)

// Current returns the most recently built, not-yet-disposed Context, or nil
// if none exists. The diagnostic CLI's cache and pool commands use it when
// they run in the same process that built the Context.
func Current() *Context {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// Builder accumulates Context construction options.
type Builder struct {
	backends         []device.Kind
	preferredBackend device.Kind
	poolOpts         pool.Options
	cacheOpts        cache.Options
	dispatchOpts     dispatch.Options
	kernelOpt        kernel.OptimizationFlags
	shutdownTimeout  time.Duration
	log              logr.Logger
	backendImpl      map[device.Kind]buffer.Backend
}

// NewBuilder returns a Builder seeded with the runtime's defaults.
func NewBuilder() *Builder {
	return &Builder{
		poolOpts:        pool.DefaultOptions(),
		cacheOpts:       cache.DefaultOptions(),
		dispatchOpts:    dispatch.DefaultOptions(),
		shutdownTimeout: 10 * time.Second,
		log:             stdr.New(nil),
		backendImpl:     make(map[device.Kind]buffer.Backend),
	}
}

// WithPreferredBackend biases DefaultAccelerator toward kind when a device
// of that backend was opened. It does not restrict discovery; use
// WithBackends for that.
func (b *Builder) WithPreferredBackend(kind device.Kind) *Builder {
	b.preferredBackend = kind
	return b
}

// WithDispatchOptions overrides the hybrid dispatcher's thresholds.
func (b *Builder) WithDispatchOptions(opts dispatch.Options) *Builder {
	b.dispatchOpts = opts
	return b
}

// WithKernelOptimization sets the optimization flags kernel signatures
// built under the resulting Context should carry.
func (b *Builder) WithKernelOptimization(opt kernel.OptimizationFlags) *Builder {
	b.kernelOpt = opt
	return b
}

// WithBackends restricts discovery to the given backend kinds. Empty means
// all registered backends.
func (b *Builder) WithBackends(kinds ...device.Kind) *Builder {
	b.backends = kinds
	return b
}

// WithPoolOptions overrides the default buffer pool options.
func (b *Builder) WithPoolOptions(opts pool.Options) *Builder {
	b.poolOpts = opts
	return b
}

// WithCacheOptions overrides the default kernel cache options.
func (b *Builder) WithCacheOptions(opts cache.Options) *Builder {
	b.cacheOpts = opts
	return b
}

// WithShutdownTimeout overrides the default per-accelerator shutdown
// timeout.
func (b *Builder) WithShutdownTimeout(d time.Duration) *Builder {
	b.shutdownTimeout = d
	return b
}

// WithLogger sets the logr.Logger every component logs through.
func (b *Builder) WithLogger(log logr.Logger) *Builder {
	b.log = log
	return b
}

// WithBufferBackend registers the buffer.Backend implementation for kind,
// used to allocate buffers on accelerators opened for that backend. Backend
// packages (internal/backend/*) expose a constructor the caller wires here.
func (b *Builder) WithBufferBackend(kind device.Kind, impl buffer.Backend) *Builder {
	b.backendImpl[kind] = impl
	return b
}

// WithConfigFile loads the runtime option table from a YAML file, overriding
// whatever was set programmatically before this call. A missing or
// unparsable file is a plain wrapped error, not a gpuerr.Error; this is
// process bootstrap, not a runtime operation.
func (b *Builder) WithConfigFile(path string) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("gpuctx: reading config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return b, fmt.Errorf("gpuctx: parsing config file %s: %w", path, err)
	}

	if len(fc.Backends) > 0 {
		b.backends = nil
	}
	for _, name := range fc.Backends {
		b.backends = append(b.backends, parseBackendKind(name))
	}
	if fc.PreferredBackend != "" && fc.PreferredBackend != "auto" {
		b.preferredBackend = parseBackendKind(fc.PreferredBackend)
	}
	if fc.EnableMemoryPool != nil && !*fc.EnableMemoryPool {
		// Pools off means rent/return degenerate to direct alloc/free, which
		// Immediate retention already is.
		b.poolOpts.Retention = pool.RetentionImmediate
	}
	if fc.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(fc.ShutdownTimeout); err == nil {
			b.shutdownTimeout = d
		}
	}
	if fc.Pool.MaxPoolBytes > 0 {
		b.poolOpts.MaxPoolBytes = fc.Pool.MaxPoolBytes
	}
	if fc.Pool.MaxBufferBytes > 0 {
		b.poolOpts.MaxBufferBytes = fc.Pool.MaxBufferBytes
	}
	if fc.Pool.TrimInterval != "" {
		if d, err := time.ParseDuration(fc.Pool.TrimInterval); err == nil {
			b.poolOpts.TrimInterval = d
		}
	}
	b.poolOpts.Retention = parseRetention(fc.Pool.Retention, b.poolOpts.Retention)

	if fc.Cache.MaxSize > 0 {
		b.cacheOpts.MaxSize = fc.Cache.MaxSize
	}
	if fc.Cache.DefaultTTL != "" {
		if d, err := time.ParseDuration(fc.Cache.DefaultTTL); err == nil {
			b.cacheOpts.DefaultTTL = d
		}
	}
	if fc.Cache.EvictionThreshold > 0 && fc.Cache.EvictionThreshold <= 1 {
		b.cacheOpts.EvictionThreshold = fc.Cache.EvictionThreshold
	}
	b.cacheOpts.Persistent = fc.Cache.Persistent
	b.cacheOpts.PersistDir = fc.Cache.PersistDir

	b.kernelOpt = parseKernelOptimization(fc.Kernel.Optimization, b.kernelOpt)
	if fc.Hybrid.SmallThreshold > 0 {
		b.dispatchOpts.SmallElemsThreshold = fc.Hybrid.SmallThreshold
	}
	if fc.Hybrid.CpuGpuRatio > 0 && fc.Hybrid.CpuGpuRatio < 1 {
		b.dispatchOpts.CpuGpuRatio = fc.Hybrid.CpuGpuRatio
	}

	return b, nil
}

// parseKernelOptimization maps the closed option set onto the flags the
// kernel package carries: speed turns on fast math with a modest unroll,
// debug turns on debug info, size and default leave everything off.
func parseKernelOptimization(name string, fallback kernel.OptimizationFlags) kernel.OptimizationFlags {
	switch name {
	case "speed":
		return kernel.OptimizationFlags{FastMath: true, UnrollDepth: 4}
	case "debug":
		return kernel.OptimizationFlags{Debug: true}
	case "size", "default":
		return kernel.OptimizationFlags{}
	default:
		return fallback
	}
}

func parseBackendKind(name string) device.Kind {
	switch name {
	case "cuda":
		return device.KindCUDA
	case "opencl":
		return device.KindOpenCL
	case "cpu":
		return device.KindCPU
	case "simd-cpu", "simd":
		return device.KindSIMDCPU
	default:
		return device.KindNone
	}
}

func parseRetention(name string, fallback pool.Retention) pool.Retention {
	switch name {
	case "immediate":
		return pool.RetentionImmediate
	case "fixed":
		return pool.RetentionFixed
	case "adaptive":
		return pool.RetentionAdaptive
	default:
		return fallback
	}
}

// Build discovers devices (honoring WithBackends), opens one Accelerator
// per discovered device with a registered buffer backend, and installs the
// result as the process's Current Context. Construction is serialized by a
// package-level mutex so Current() is always well-defined.
func (b *Builder) Build(ctx context.Context) (*Context, error) {
	currentMu.Lock()
	defer currentMu.Unlock()

	catalog := device.Discover(b.log, device.Filter{Backends: b.backends})

	c := &Context{
		log:              b.log,
		catalog:          catalog,
		accelerators:     make(map[device.ID]*accelerator.Accelerator),
		preferredBackend: b.preferredBackend,
		dispatchOpts:     b.dispatchOpts,
		kernelOpt:        b.kernelOpt,
		cacheOpts:        b.cacheOpts,
		shutdownTimeout:  b.shutdownTimeout,
	}

	for _, d := range catalog.Devices() {
		if d.Status() != device.StatusAvailable {
			continue
		}
		impl, ok := b.backendImpl[d.ID.Kind]
		if !ok {
			b.log.Info("gpuctx: no buffer backend registered, skipping device", "device", d.ID.String())
			continue
		}
		a := accelerator.New(d, impl, b.poolOpts, b.cacheOpts, b.log)
		if b.cacheOpts.Persistent && b.cacheOpts.PersistDir != "" {
			a.Cache().Preload(b.log, cacheDirFor(b.cacheOpts.PersistDir, d.ID))
		}
		c.accelerators[d.ID] = a
	}

	if len(c.accelerators) == 0 {
		return nil, gpuerr.New(gpuerr.DeviceUnavailable, gpuerr.WithContext(map[string]string{"reason": "no usable accelerator after discovery"}))
	}

	current = c
	return c, nil
}
