package buffer

import (
	"context"
	"sync"

	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// Unified wraps a Buffer allocated at Location Unified, adding coherence
// bookkeeping: EnsureHost/EnsureDevice migrate the authoritative copy
// under a per-buffer lock, so concurrent callers never observe a
// half-migrated buffer.
type Unified[T Element] struct {
	buf *Buffer[T]
	mu  *sync.Mutex // alias of buf.mu
}

// NewUnified allocates a new Unified buffer of shape on backend.
func NewUnified[T Element](backend Backend, shape []int) (*Unified[T], error) {
	b, err := New[T](backend, shape, UnifiedLoc)
	if err != nil {
		return nil, err
	}
	return &Unified[T]{buf: b, mu: &b.mu}, nil
}

// Buffer exposes the underlying Buffer for operations that don't need
// coherence tracking (View, Dispose, Shape, ...).
func (u *Unified[T]) Buffer() *Buffer[T] { return u.buf }

// EnsureHost migrates the authoritative copy to host memory if the device
// side is the only valid copy, then marks host valid.
func (u *Unified[T]) EnsureHost(ctx context.Context) error {
	if err := u.buf.checkAlive(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.buf.hostValid {
		return nil
	}
	if u.buf.deviceValid {
		if err := u.buf.backend.CopyDeviceToHost(u.buf.ptr, u.buf.ptr, u.buf.byteLen()); err != nil {
			return err
		}
	}
	u.buf.hostValid = true
	return nil
}

// EnsureDevice migrates the authoritative copy to device-visible memory if
// the host side is the only valid copy, then marks device valid.
func (u *Unified[T]) EnsureDevice(ctx context.Context) error {
	if err := u.buf.checkAlive(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.buf.deviceValid {
		return nil
	}
	if u.buf.hostValid {
		if err := u.buf.backend.CopyHostToDevice(u.buf.ptr, u.buf.ptr, u.buf.byteLen()); err != nil {
			return err
		}
	}
	u.buf.deviceValid = true
	return nil
}

// HostSlice exposes the host-side elements for direct access. Calling it
// declares a host-side mutation: host becomes the valid side and any device
// copy is invalid until the next EnsureDevice. The first call after
// allocation is what establishes initial validity.
func (u *Unified[T]) HostSlice() ([]T, error) {
	if err := u.buf.checkAlive(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.buf.hostValid = true
	u.buf.deviceValid = false
	u.mu.Unlock()
	return u.buf.slice(), nil
}

// MarkDeviceModified records a device-side mutation (a kernel wrote the
// buffer): device becomes the valid side and the host copy is invalid until
// the next EnsureHost. Kernel launch paths call this after writing through
// a view of the unified buffer.
func (u *Unified[T]) MarkDeviceModified() {
	u.mu.Lock()
	u.buf.deviceValid = true
	u.buf.hostValid = false
	u.mu.Unlock()
}

// EnsureHostAsync runs EnsureHost on a background goroutine, completing the
// returned future with its result.
func (u *Unified[T]) EnsureHostAsync(ctx context.Context) *stream.Future {
	f, complete := stream.NewCompletable()
	go func() { complete(u.EnsureHost(ctx)) }()
	return f
}

// EnsureDeviceAsync runs EnsureDevice on a background goroutine, completing
// the returned future with its result.
func (u *Unified[T]) EnsureDeviceAsync(ctx context.Context) *stream.Future {
	f, complete := stream.NewCompletable()
	go func() { complete(u.EnsureDevice(ctx)) }()
	return f
}

// Pinned wraps a Buffer allocated at Location Pinned: host-addressable
// memory registered with the driver for fast, DMA-eligible transfers. It
// carries no extra coherence state since pinned memory has a single
// authoritative copy.
type Pinned[T Element] struct {
	buf *Buffer[T]
}

// NewPinned allocates a new Pinned buffer of shape on backend.
func NewPinned[T Element](backend Backend, shape []int) (*Pinned[T], error) {
	b, err := New[T](backend, shape, PinnedLoc)
	if err != nil {
		return nil, err
	}
	return &Pinned[T]{buf: b}, nil
}

// Buffer exposes the underlying Buffer.
func (p *Pinned[T]) Buffer() *Buffer[T] { return p.buf }
