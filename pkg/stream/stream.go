// Package stream implements the ordered command queue and cross-stream
// synchronization primitives: a per-accelerator FIFO with one writer at a
// time, a blocking Synchronize, a pollable async variant, and one-shot
// Events for cross-stream joins.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
)

// Command is a unit of work enqueued on a Stream. It is executed by the
// stream's single worker goroutine in program order.
type Command func(ctx context.Context) error

// Future is returned by SynchronizeAsync; it completes when every command
// enqueued before the call finishes.
type Future struct {
	done chan struct{}
	err  error
}

// Poll reports whether the future has completed without blocking.
func (f *Future) Poll() (done bool, err error) {
	select {
	case <-f.done:
		return true, f.err
	default:
		return false, nil
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return gpuerr.New(gpuerr.Timeout, gpuerr.WithContext(map[string]string{"reason": ctx.Err().Error()}))
	}
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// NewCompletable returns an unresolved Future plus the function that
// completes it, for components (unified-buffer migration, cache
// persistence) that surface their own background work through the same
// Future type streams hand out. The completion function must be called
// exactly once.
func NewCompletable() (*Future, func(error)) {
	f := newFuture()
	return f, f.complete
}

// Event is a one-shot cross-stream synchronization point, set by
// RecordEvent and consumed by WaitForEvent.
type Event struct {
	stream *Stream
	fired  chan struct{}
	once   sync.Once
}

func newEvent(s *Stream) *Event {
	return &Event{stream: s, fired: make(chan struct{})}
}

func (e *Event) signal() {
	e.once.Do(func() { close(e.fired) })
}

// Wait blocks until the event fires or ctx is done. Waiting on an already
// fired event returns immediately (one-shot, idempotent).
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.fired:
		return nil
	case <-ctx.Done():
		return gpuerr.New(gpuerr.Timeout)
	}
}

// queueDepth bounds how many commands may be in flight before Enqueue
// blocks, simulating the driver's command ring being full. The stream
// itself applies no internal timeout to this wait.
const queueDepth = 4096

// Stream is an ordered, single-writer command queue bound to one
// accelerator. Commands execute strictly in enqueue order; synchronization
// establishes a happens-before edge between everything enqueued before the
// call and the caller.
type Stream struct {
	name      string
	cmds      chan queuedCmd
	closeOnce sync.Once
	closed    chan struct{}
	cancelled atomic.Bool

	mu      sync.Mutex
	lastErr error
	drainWG sync.WaitGroup
}

type queuedCmd struct {
	cmd  Command
	done chan error
}

// New creates a Stream and starts its worker goroutine. ctx governs the
// lifetime of the worker: once ctx is done the worker stops and commands
// still queued are not run. It does not set the flag that Cancel sets.
func New(ctx context.Context, name string) *Stream {
	s := &Stream{
		name:   name,
		cmds:   make(chan queuedCmd, queueDepth),
		closed: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.closed)
	for {
		select {
		case qc, ok := <-s.cmds:
			if !ok {
				return
			}
			err := qc.cmd(ctx)
			if err != nil {
				s.mu.Lock()
				if s.lastErr == nil {
					s.lastErr = err
				}
				s.mu.Unlock()
			}
			qc.done <- err
			s.drainWG.Done()
		case <-ctx.Done():
			return
		}
	}
}

// Name returns the stream's diagnostic name.
func (s *Stream) Name() string { return s.name }

// Enqueue submits cmd for execution after every previously enqueued
// command on this stream. It is nonblocking unless the internal ring is
// full. Enqueue after Cancel returns Cancelled immediately.
func (s *Stream) Enqueue(cmd Command) error {
	if s.cancelled.Load() {
		return gpuerr.New(gpuerr.Cancelled)
	}
	s.drainWG.Add(1)
	qc := queuedCmd{cmd: cmd, done: make(chan error, 1)}
	select {
	case s.cmds <- qc:
		go func() { <-qc.done }() // drain so run() never blocks on qc.done
		return nil
	case <-s.closed:
		s.drainWG.Done()
		return gpuerr.New(gpuerr.Cancelled)
	}
}

// enqueueSync runs cmd and blocks for its result, used by buffer copies
// issued without an explicit stream (synchronous w.r.t. the caller).
func (s *Stream) enqueueSync(ctx context.Context, cmd Command) error {
	if s.cancelled.Load() {
		return gpuerr.New(gpuerr.Cancelled)
	}
	s.drainWG.Add(1)
	qc := queuedCmd{cmd: cmd, done: make(chan error, 1)}
	select {
	case s.cmds <- qc:
	case <-s.closed:
		s.drainWG.Done()
		return gpuerr.New(gpuerr.Cancelled)
	}
	select {
	case err := <-qc.done:
		return err
	case <-ctx.Done():
		return gpuerr.New(gpuerr.Timeout)
	}
}

// EnqueueSync is the exported form of enqueueSync, used by buffer and
// kernel when the caller needs the command's result before proceeding.
func (s *Stream) EnqueueSync(ctx context.Context, cmd Command) error {
	return s.enqueueSync(ctx, cmd)
}

// Synchronize blocks until every command enqueued before this call
// completes, returning the first error encountered and clearing the
// stream's error state (a synchronized stream is not left poisoned).
func (s *Stream) Synchronize(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return gpuerr.New(gpuerr.Timeout)
	}
	s.mu.Lock()
	err := s.lastErr
	s.lastErr = nil
	s.mu.Unlock()
	return err
}

// SynchronizeAsync returns a Future completed by a background goroutine
// once every command enqueued before this call finishes.
func (s *Stream) SynchronizeAsync(ctx context.Context) (*Future, error) {
	if s.cancelled.Load() {
		return nil, gpuerr.New(gpuerr.Cancelled)
	}
	f := newFuture()
	go f.complete(s.Synchronize(ctx))
	return f, nil
}

// RecordEvent returns an Event that fires once every command enqueued
// before this call on this stream has completed.
func (s *Stream) RecordEvent() *Event {
	e := newEvent(s)
	_ = s.Enqueue(func(ctx context.Context) error {
		e.signal()
		return nil
	})
	return e
}

// WaitForEvent blocks the calling goroutine until e fires, so commands the
// caller enqueues afterwards run after the event. An event recorded on this
// same stream returns nil at once without waiting.
func (s *Stream) WaitForEvent(ctx context.Context, e *Event) error {
	if e.stream == s {
		return nil
	}
	return e.Wait(ctx)
}

// Cancel signals the stream: from then on Enqueue, EnqueueSync and
// SynchronizeAsync return Cancelled. Commands already queued or in flight
// run to completion. Synchronize does not report the cancellation: it still
// waits for those commands and returns their first error, or nil.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (s *Stream) Cancelled() bool { return s.cancelled.Load() }

// Close stops the stream's worker. Callers should Synchronize first if they
// need pending commands to finish; Close does not wait for drain itself.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.cmds) })
}
