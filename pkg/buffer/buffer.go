// Package buffer implements the runtime's memory buffer hierarchy:
// rank-1/2/3 dense buffers, bounds-checked views, unified dual-residency
// buffers, and pinned host buffers. A single generic Buffer carries
// (rank, stride, location) as data; polymorphism here is the Location tag
// and the Unified/Pinned wrapper types, not a subclass hierarchy.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// Element restricts T to fixed-size types with no managed references,
// the only element types a device transfer can carry bitwise.
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Location is where a buffer's bytes actually live.
type Location int

const (
	Host Location = iota
	Device
	UnifiedLoc
	PinnedLoc
)

func (l Location) String() string {
	switch l {
	case Host:
		return "host"
	case Device:
		return "device"
	case UnifiedLoc:
		return "unified"
	case PinnedLoc:
		return "pinned"
	default:
		return "unknown"
	}
}

// Layout is a hint for how Accelerator.Allocate should place a new buffer.
type Layout int

const (
	CpuOptimized Layout = iota
	GpuOptimized
	LayoutUnified
	LayoutPinned
	Auto
)

// autoSmallElems and autoUnifiedElems are the Auto resolution thresholds:
// below autoSmallElems, prefer host memory; above autoUnifiedElems on a
// unified-capable device, prefer Unified.
const (
	autoSmallElems   = 1024
	autoUnifiedElems = 1 << 20 // 1Mi elements
)

// ResolveAuto implements the Auto layout rule: small buffers go to
// CpuOptimized, very large buffers on a unified-memory-capable device go to
// Unified, everything else goes to GpuOptimized.
func ResolveAuto(elemCount int, deviceSupportsUnified bool) Layout {
	switch {
	case elemCount < autoSmallElems:
		return CpuOptimized
	case deviceSupportsUnified && elemCount > autoUnifiedElems:
		return LayoutUnified
	default:
		return GpuOptimized
	}
}

// Backend is the narrow allocation/copy surface a driver exposes to the
// buffer package. internal/backend/{cuda,opencl,simd} each implement it.
type Backend interface {
	Alloc(bytes uintptr, loc Location) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer, loc Location)
	CopyHostToDevice(dst, src unsafe.Pointer, bytes uintptr) error
	CopyDeviceToHost(dst, src unsafe.Pointer, bytes uintptr) error
	CopyDeviceToDevice(dst, src unsafe.Pointer, bytes uintptr) error
	Zero(ptr unsafe.Pointer, bytes uintptr) error
}

// RawView is a non-generic description of a buffer region, used at package
// boundaries (notably pkg/kernel) that cannot depend on buffer's type
// parameter.
type RawView struct {
	Ptr      unsafe.Pointer
	Len      int
	ElemSize uintptr
	Location Location
}

// Buffer is a typed device allocation of rank 1..3. Its native pointer is
// valid iff the buffer is not disposed and its Location is Device, Unified,
// or Pinned.
type Buffer[T Element] struct {
	backend Backend

	rank   int
	shape  [3]int
	stride [3]int
	loc    Location

	ptr      unsafe.Pointer
	elemSize uintptr
	length   int // total element count across all dims

	disposed   atomic.Bool
	generation uint64 // bumped on dispose, checked by View

	mu sync.Mutex // guards validity bits; also used by Unified

	hostValid   bool
	deviceValid bool
}

// New allocates a new rank-1..3 buffer of shape via backend, at loc.
func New[T Element](backend Backend, shape []int, loc Location) (*Buffer[T], error) {
	if len(shape) < 1 || len(shape) > 3 {
		return nil, gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "rank must be 1..3"}))
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)

	length := 1
	var s [3]int
	for i, d := range shape {
		if d < 0 {
			return nil, gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "negative extent"}))
		}
		s[i] = d
		length *= d
	}
	stride := rowMajorStride(s[:len(shape)])

	var full [3]int
	var fullStride [3]int
	copy(full[:], s[:len(shape)])
	copy(fullStride[:], stride)

	b := &Buffer[T]{
		backend:  backend,
		rank:     len(shape),
		shape:    full,
		stride:   fullStride,
		loc:      loc,
		elemSize: elemSize,
		length:   length,
	}

	if length > 0 {
		ptr, err := backend.Alloc(uintptr(length)*elemSize, loc)
		if err != nil {
			return nil, err
		}
		b.ptr = ptr
	}

	// Initial validity: host-backed locations start host-valid; device-
	// resident buffers start device-valid. Unified buffers establish
	// validity on first mutation, so neither bit is set yet.
	switch loc {
	case Host:
		b.hostValid = true
	case Device, PinnedLoc:
		b.deviceValid = true
	case UnifiedLoc:
		// neither valid until first write
	}

	return b, nil
}

func rowMajorStride(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

func (b *Buffer[T]) checkAlive() error {
	if b.disposed.Load() {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "use after dispose"}))
	}
	return nil
}

// Len returns the total element count across all dimensions.
func (b *Buffer[T]) Len() int { return b.length }

// Shape returns the buffer's per-dimension extents for its rank.
func (b *Buffer[T]) Shape() []int { return append([]int(nil), b.shape[:b.rank]...) }

// Location reports where the buffer's bytes live.
func (b *Buffer[T]) Location() Location { return b.loc }

// Ptr returns the native pointer. It is valid iff the buffer is not
// disposed and Location is Device, Unified, or Pinned.
func (b *Buffer[T]) Ptr() unsafe.Pointer { return b.ptr }

func (b *Buffer[T]) byteLen() uintptr { return uintptr(b.length) * b.elemSize }

// ByteLen returns the buffer's total size in bytes, for callers (notably
// pkg/pool) that need to reason about residency without importing the
// element type.
func (b *Buffer[T]) ByteLen() uintptr { return b.byteLen() }

// slice exposes the buffer's backing memory as a Go slice for host-side
// use. Only valid while the buffer is not disposed and is host-addressable
// (Host/Unified/Pinned backends in this runtime expose ordinary process
// memory; Device-only backends return nil and require CopyToHost first).
func (b *Buffer[T]) slice() []T {
	if b.ptr == nil || b.length == 0 {
		return nil
	}
	return unsafe.Slice((*T)(b.ptr), b.length)
}

// View returns a borrowed, bounds-checked view over the whole buffer.
func (b *Buffer[T]) View() View[T] {
	return View[T]{buf: b, offset: 0, extent: b.length, generation: b.generation}
}

// Subview returns a bounds-checked view starting at offset with extent
// elements. offset==Len() with extent==0 is the valid empty view; any
// extent beyond the buffer's length is InvalidArgument.
func (b *Buffer[T]) Subview(offset, extent int) (View[T], error) {
	if offset < 0 || extent < 0 || offset+extent > b.length {
		return View[T]{}, gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{
			"reason": "subview out of bounds",
		}))
	}
	return View[T]{buf: b, offset: offset, extent: extent, generation: b.generation}, nil
}

// CopyFromHost copies src into the buffer. When str is nil the copy is
// synchronous with respect to the caller; otherwise it is enqueued on str
// and returns immediately, observing that stream's program order. On the
// enqueued path the caller must keep src unchanged until the stream
// synchronizes, and any copy error is reported by that Synchronize.
func (b *Buffer[T]) CopyFromHost(ctx context.Context, str *stream.Stream, src []T) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if len(src) > b.length {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "source larger than buffer"}))
	}
	do := func(ctx context.Context) error {
		if len(src) == 0 {
			return nil
		}
		err := b.backend.CopyHostToDevice(b.ptr, unsafe.Pointer(&src[0]), uintptr(len(src))*b.elemSize)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.hostValid = false
		b.deviceValid = true
		b.mu.Unlock()
		return nil
	}
	return runOn(ctx, str, do)
}

// CopyToHost copies the buffer's contents into dst (truncated to the
// smaller of len(dst) and the buffer's length). When str is non-nil the
// copy is enqueued and dst holds the data only after the stream's next
// Synchronize.
func (b *Buffer[T]) CopyToHost(ctx context.Context, str *stream.Stream, dst []T) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	n := len(dst)
	if n > b.length {
		n = b.length
	}
	do := func(ctx context.Context) error {
		if n == 0 {
			return nil
		}
		return b.backend.CopyDeviceToHost(unsafe.Pointer(&dst[0]), b.ptr, uintptr(n)*b.elemSize)
	}
	return runOn(ctx, str, do)
}

// FillZero zeroes the buffer's contents.
func (b *Buffer[T]) FillZero(ctx context.Context, str *stream.Stream) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	return runOn(ctx, str, func(ctx context.Context) error {
		return b.backend.Zero(b.ptr, b.byteLen())
	})
}

// CopyTo copies this buffer's contents into other. Both must have the same
// element type (enforced by the type system) and other must be at least as
// long; a size mismatch is a fatal InvalidArgument.
func (b *Buffer[T]) CopyTo(ctx context.Context, other *Buffer[T], str *stream.Stream) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if err := other.checkAlive(); err != nil {
		return err
	}
	if other.length < b.length {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "destination smaller than source"}))
	}
	return runOn(ctx, str, func(ctx context.Context) error {
		if b.length == 0 {
			return nil
		}
		return b.backend.CopyDeviceToDevice(other.ptr, b.ptr, b.byteLen())
	})
}

// Dispose releases the buffer's backing memory. Any subsequent operation on
// b, or on a View taken before this call, returns InvalidArgument without
// touching the freed pointer.
func (b *Buffer[T]) Dispose() {
	if b.disposed.CompareAndSwap(false, true) {
		atomic.AddUint64(&b.generation, 1)
		if b.ptr != nil {
			b.backend.Free(b.ptr, b.loc)
			b.ptr = nil
		}
	}
}

// Disposed reports whether Dispose has been called.
func (b *Buffer[T]) Disposed() bool { return b.disposed.Load() }

// runOn executes fn synchronously when str is nil (copy semantics with no
// explicit stream are synchronous w.r.t. the caller), or enqueues it on str
// and returns immediately otherwise. On the enqueue path the only error
// returned here is Cancelled; fn's own outcome surfaces at the stream's
// next Synchronize, ordered after every previously enqueued command.
func runOn(ctx context.Context, str *stream.Stream, fn stream.Command) error {
	if str == nil {
		return fn(ctx)
	}
	return str.Enqueue(fn)
}
