// Package dispatch implements the hybrid CPU/GPU dispatcher: a
// deterministic strategy selection rule plus a Hybrid executor that runs a
// CPU share on the calling goroutine concurrently with a GPU kernel launch.
package dispatch

import (
	"context"
	"sync"

	"github.com/mivertowski/ilgpu-rt/pkg/accelerator"
	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
)

// Strategy is the dispatcher's chosen execution path for one operation.
type Strategy int

const (
	Auto Strategy = iota
	CpuSimd
	GpuGeneral
	GpuTensorCore
	Hybrid
)

func (s Strategy) String() string {
	switch s {
	case CpuSimd:
		return "cpu-simd"
	case GpuGeneral:
		return "gpu-general"
	case GpuTensorCore:
		return "gpu-tensor-core"
	case Hybrid:
		return "hybrid"
	default:
		return "auto"
	}
}

// Op identifies the compute kernel shape being dispatched.
type Op int

const (
	Add Op = iota
	MatMul
	Reduce
	Transpose
	Convolve
)

// Options configures selection thresholds and the hybrid split ratio. All
// fields have sensible zero-free defaults via DefaultOptions.
type Options struct {
	// SmallElemsThreshold: below this element count, CpuSimd always wins;
	// the cost of a launch outweighs any parallelism gained.
	SmallElemsThreshold int
	// TensorEligibleElemsThreshold: at/above this size, MatMul/Convolve on a
	// tensor-core-capable device prefer GpuTensorCore over GpuGeneral.
	TensorEligibleElemsThreshold int
	// CpuGpuRatio is the fraction of work (by outermost dimension) sent to
	// the CPU share of a Hybrid dispatch; the remainder goes to the GPU.
	// Default 0.30.
	CpuGpuRatio float64
}

// DefaultOptions returns the runtime's default thresholds.
func DefaultOptions() Options {
	return Options{
		SmallElemsThreshold:          4096,
		TensorEligibleElemsThreshold: 1 << 16,
		CpuGpuRatio:                  0.30,
	}
}

// Select implements the deterministic selection rule: small inputs
// always run CpuSimd; MatMul/Convolve at or above the tensor threshold on a
// tensor-core-capable accelerator prefer GpuTensorCore; everything else
// above the small threshold runs GpuGeneral unless accel itself is a CPU
// device, in which case the rule's final fallback (CpuSimd) applies. A nil
// accel (no bound device, e.g. a pre-dispatch capability check) is treated
// as not-CPU, matching GpuGeneral.
func Select(op Op, accel *accelerator.Accelerator, elems int, opts Options, tensorCapable bool) Strategy {
	strategy := selectStrategy(op, accel, elems, opts, tensorCapable)
	recordSelection(strategy)
	return strategy
}

func selectStrategy(op Op, accel *accelerator.Accelerator, elems int, opts Options, tensorCapable bool) Strategy {
	if elems < opts.SmallElemsThreshold {
		return CpuSimd
	}
	if (op == MatMul || op == Convolve) && tensorCapable && elems >= opts.TensorEligibleElemsThreshold {
		return GpuTensorCore
	}
	if accel != nil && isCPUKind(accel.Descriptor().ID.Kind) {
		return CpuSimd
	}
	return GpuGeneral
}

func isCPUKind(k device.Kind) bool {
	return k == device.KindCPU || k == device.KindSIMDCPU
}

// CpuKernel runs op on the CPU-resident slice share [0:n).
type CpuKernel[T any] func(share []T)

// GpuKernel runs op on the GPU-resident slice share via accel; it receives
// the starting offset into the full buffer so it can compute the matching
// device-side subview.
type GpuKernel func(ctx context.Context, offset, n int) error

// RunHybrid splits a length-n operation at CpuGpuRatio, runs the CPU share
// synchronously on this goroutine while the GPU share runs concurrently
// via gpu, and joins both before returning.
func RunHybrid[T any](ctx context.Context, opts Options, n int, hostSlice []T, cpu CpuKernel[T], gpu GpuKernel) error {
	if n < 0 || len(hostSlice) < n {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "hybrid split exceeds slice length"}))
	}
	ratio := opts.CpuGpuRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = DefaultOptions().CpuGpuRatio
	}
	cpuShare := int(float64(n) * ratio)
	recordHybridSplit(ctx, cpuShare, n)

	var wg sync.WaitGroup
	var gpuErr error

	if n-cpuShare > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gpuErr = gpu(ctx, cpuShare, n-cpuShare)
		}()
	}

	if cpuShare > 0 {
		cpu(hostSlice[:cpuShare])
	}

	wg.Wait()
	return gpuErr
}
