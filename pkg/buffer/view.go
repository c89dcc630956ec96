package buffer

import (
	"context"
	"unsafe"

	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// View is a borrowed, non-owning window into a Buffer. It becomes stale the
// instant its parent buffer is disposed: every operation first checks the
// view's captured generation against the buffer's current one.
type View[T Element] struct {
	buf        *Buffer[T]
	offset     int
	extent     int
	generation uint64
}

func (v View[T]) checkFresh() error {
	if v.buf == nil {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "zero-value view"}))
	}
	if v.buf.generation != v.generation || v.buf.disposed.Load() {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "view is stale: parent buffer disposed"}))
	}
	return nil
}

// Len returns the number of elements this view covers.
func (v View[T]) Len() int { return v.extent }

// Subview narrows this view further, relative to its own offset. The same
// boundary rule as Buffer.Subview applies: offset==Len() with extent==0 is
// the valid empty view.
func (v View[T]) Subview(offset, extent int) (View[T], error) {
	if err := v.checkFresh(); err != nil {
		return View[T]{}, err
	}
	if offset < 0 || extent < 0 || offset+extent > v.extent {
		return View[T]{}, gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{
			"reason": "subview out of bounds",
		}))
	}
	return View[T]{buf: v.buf, offset: v.offset + offset, extent: extent, generation: v.generation}, nil
}

// Raw strips the view's element type, for packages (notably kernel) that
// take untyped parameter slots.
func (v View[T]) Raw() (RawView, error) {
	if err := v.checkFresh(); err != nil {
		return RawView{}, err
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)
	var ptr unsafe.Pointer
	if v.buf.ptr != nil {
		ptr = unsafe.Add(v.buf.ptr, uintptr(v.offset)*elemSize)
	}
	return RawView{Ptr: ptr, Len: v.extent, ElemSize: elemSize, Location: v.buf.loc}, nil
}

// CopyToHost copies this view's elements into dst.
func (v View[T]) CopyToHost(ctx context.Context, str *stream.Stream, dst []T) error {
	if err := v.checkFresh(); err != nil {
		return err
	}
	n := len(dst)
	if n > v.extent {
		n = v.extent
	}
	return runOn(ctx, str, func(ctx context.Context) error {
		if n == 0 {
			return nil
		}
		var zero T
		elemSize := unsafe.Sizeof(zero)
		src := unsafe.Add(v.buf.ptr, uintptr(v.offset)*elemSize)
		return v.buf.backend.CopyDeviceToHost(unsafe.Pointer(&dst[0]), src, uintptr(n)*elemSize)
	})
}

// CopyFromHost copies src into this view's elements.
func (v View[T]) CopyFromHost(ctx context.Context, str *stream.Stream, src []T) error {
	if err := v.checkFresh(); err != nil {
		return err
	}
	if len(src) > v.extent {
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "source larger than view"}))
	}
	return runOn(ctx, str, func(ctx context.Context) error {
		if len(src) == 0 {
			return nil
		}
		var zero T
		elemSize := unsafe.Sizeof(zero)
		dst := unsafe.Add(v.buf.ptr, uintptr(v.offset)*elemSize)
		return v.buf.backend.CopyHostToDevice(dst, unsafe.Pointer(&src[0]), uintptr(len(src))*elemSize)
	})
}
