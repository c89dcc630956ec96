// Package pool implements the rentable device-buffer pool: a
// per-accelerator, per-element-type pool of buffer.Buffer values keyed by
// size class, with configurable retention of returned buffers.
package pool

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mivertowski/ilgpu-rt/pkg/buffer"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuerr"
)

// Retention decides how eagerly a returned buffer is kept for reuse versus
// freed back to the backend.
type Retention int

const (
	RetentionImmediate Retention = iota // free as soon as returned
	RetentionFixed                      // hold until TrimInterval sweeps it
	RetentionAdaptive                   // hold iff age < 2m || hitRatio > 0.7
)

const adaptiveAgeThreshold = 2 * time.Minute
const adaptiveHitRatioThreshold = 0.7

// Options configures a Manager.
type Options struct {
	Retention      Retention
	MaxPoolBytes   uint64
	MaxBufferBytes uint64 // buffers larger than this always bypass the pool
	TrimInterval   time.Duration
}

// DefaultOptions returns conservative defaults: adaptive retention, a
// 256MiB pool cap, a 64MiB per-buffer bypass threshold, trimmed every 30s.
func DefaultOptions() Options {
	return Options{
		Retention:      RetentionAdaptive,
		MaxPoolBytes:   256 << 20,
		MaxBufferBytes: 64 << 20,
		TrimInterval:   30 * time.Second,
	}
}

// Allocator is the narrow surface Manager needs from its owning
// accelerator to allocate a fresh buffer on a pool miss.
type Allocator[T buffer.Element] interface {
	AllocateRaw(length int) (*buffer.Buffer[T], error)
}

// Stats summarizes one TypedPool's activity. All fields are read from
// atomics, so Stats never blocks on the pool's mutex.
type Stats struct {
	Total    int64
	InUse    int64
	Hits     uint64
	Misses   uint64
	HitRatio float64
}

type freeEntry struct {
	buf        any // *buffer.Buffer[T], boxed so Manager can hold heterogeneous pools
	length     int
	bytes      int64
	returnedAt time.Time
}

// Manager owns one TypedPool per element type for a single accelerator. Use
// ForType to get or lazily create the pool for T.
type Manager struct {
	opts Options

	mu    sync.Mutex
	pools map[string]any // element type key -> *TypedPool[T]

	poolBytes atomic.Int64 // bytes currently held (not in-use) across every TypedPool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a Manager and starts its periodic trim goroutine.
func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:  opts,
		pools: make(map[string]any),
		stop:  make(chan struct{}),
	}
	if opts.TrimInterval > 0 {
		m.wg.Add(1)
		go m.trimLoop()
	}
	return m
}

func (m *Manager) trimLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.opts.TrimInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.TrimAll()
		case <-m.stop:
			return
		}
	}
}

// TrimAll runs an immediate retention sweep across every TypedPool this
// Manager owns. It is what the periodic maintenance ticker calls, and is
// also the manual hook the OutOfMemory recovery path calls via
// gpuerr.Dispatcher.RecoverOOM before retrying a failed allocation.
func (m *Manager) TrimAll() {
	m.mu.Lock()
	pools := make([]any, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		if trimmer, ok := p.(interface{ trim() }); ok {
			trimmer.trim()
		}
	}
}

// Stats snapshots every typed pool's counters, keyed by the element type
// name the pool was registered under.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for key, p := range m.pools {
		if sp, ok := p.(interface{ Stats() Stats }); ok {
			out[key] = sp.Stats()
		}
	}
	return out
}

// Close stops the Manager's maintenance goroutine. It does not free any
// held buffers; Trim and TrimAll free only what the configured Retention
// evicts.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// ForType returns typeKey's pool, building it with alloc on first use.
// typeKey should be a stable name for T, e.g. "float32".
func ForType[T buffer.Element](m *Manager, typeKey string, alloc Allocator[T]) *TypedPool[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pools[typeKey]; ok {
		return existing.(*TypedPool[T])
	}
	p := &TypedPool[T]{
		opts:      m.opts,
		alloc:     alloc,
		free:      list.New(),
		rented:    make(map[*buffer.Buffer[T]]struct{}),
		poolBytes: &m.poolBytes,
	}
	m.pools[typeKey] = p
	return p
}

// TypedPool rents and returns buffers of one element type, ordering its
// free list by return time so ties between equally-sized candidates go to
// the most recently returned buffer.
type TypedPool[T buffer.Element] struct {
	opts  Options
	alloc Allocator[T]

	mu     sync.Mutex
	free   *list.List // of *freeEntry, front = most recently returned
	rented map[*buffer.Buffer[T]]struct{}

	poolBytes *atomic.Int64 // shared with sibling TypedPools under the same Manager

	total  atomic.Int64
	inUse  atomic.Int64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Rent returns a buffer with at least minLength elements: the smallest
// held buffer satisfying that bound wins, ties broken by most recently
// returned. On a miss, a new buffer is allocated via the pool's Allocator.
func (p *TypedPool[T]) Rent(ctx context.Context, minLength int) (*buffer.Buffer[T], error) {
	p.mu.Lock()
	var best *list.Element
	for el := p.free.Front(); el != nil; el = el.Next() {
		fe := el.Value.(*freeEntry)
		if fe.length >= minLength {
			if best == nil || fe.length < best.Value.(*freeEntry).length {
				best = el
			}
		}
	}
	if best != nil {
		fe := best.Value.(*freeEntry)
		p.free.Remove(best)
		buf := fe.buf.(*buffer.Buffer[T])
		p.rented[buf] = struct{}{}
		p.mu.Unlock()
		p.poolBytes.Add(-fe.bytes)
		p.hits.Add(1)
		p.inUse.Add(1)
		recordRent(ctx, true)
		return buf, nil
	}
	p.mu.Unlock()
	p.misses.Add(1)
	recordRent(ctx, false)

	buf, err := p.alloc.AllocateRaw(minLength)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.rented[buf] = struct{}{}
	p.mu.Unlock()
	p.total.Add(1)
	p.inUse.Add(1)
	return buf, nil
}

// RentResult is delivered by RentAsync once the rent completes.
type RentResult[T buffer.Element] struct {
	Buffer *buffer.Buffer[T]
	Err    error
}

// RentAsync performs Rent on a background goroutine, delivering the result
// on the returned channel (buffered, never blocks the worker).
func (p *TypedPool[T]) RentAsync(ctx context.Context, minLength int) <-chan RentResult[T] {
	ch := make(chan RentResult[T], 1)
	go func() {
		buf, err := p.Rent(ctx, minLength)
		ch <- RentResult[T]{Buffer: buf, Err: err}
	}()
	return ch
}

// Return gives buf back to the pool for reuse, subject to the pool's
// Retention policy. Returning a disposed buffer, or one this pool never
// rented out, is a fatal InvalidArgument.
// A buffer larger than MaxBufferBytes, or one that would push the
// Manager's total held bytes over MaxPoolBytes, bypasses the pool
// entirely and is freed directly.
func (p *TypedPool[T]) Return(buf *buffer.Buffer[T], clear bool) error {
	if buf == nil || buf.Disposed() {
		if buf != nil {
			p.mu.Lock()
			delete(p.rented, buf)
			p.mu.Unlock()
		}
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "return of disposed buffer"}))
	}
	p.mu.Lock()
	if _, ok := p.rented[buf]; !ok {
		p.mu.Unlock()
		return gpuerr.New(gpuerr.InvalidArgument, gpuerr.WithContext(map[string]string{"reason": "return of a buffer this pool did not rent"}))
	}
	delete(p.rented, buf)
	p.mu.Unlock()
	p.inUse.Add(-1)

	if clear {
		if err := buf.FillZero(context.Background(), nil); err != nil {
			return err
		}
	}

	byteLen := int64(buf.ByteLen())
	bypass := p.opts.Retention == RetentionImmediate ||
		(p.opts.MaxBufferBytes > 0 && uint64(buf.ByteLen()) > p.opts.MaxBufferBytes) ||
		(p.opts.MaxPoolBytes > 0 && p.poolBytes.Load()+byteLen > int64(p.opts.MaxPoolBytes))
	if bypass {
		buf.Dispose()
		p.total.Add(-1)
		return nil
	}

	p.poolBytes.Add(byteLen)
	p.mu.Lock()
	fe := &freeEntry{buf: buf, length: buf.Len(), bytes: byteLen, returnedAt: time.Now()}
	p.free.PushFront(fe)
	p.mu.Unlock()
	return nil
}

// trim releases held buffers per the pool's retention policy, called by
// the Manager's periodic maintenance goroutine and by the exported Trim.
func (p *TypedPool[T]) trim() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	var next *list.Element
	for el := p.free.Front(); el != nil; el = next {
		next = el.Next()
		fe := el.Value.(*freeEntry)
		if p.shouldEvict(fe, now) {
			p.free.Remove(el)
			fe.buf.(*buffer.Buffer[T]).Dispose()
			p.total.Add(-1)
			p.poolBytes.Add(-fe.bytes)
		}
	}
}

// shouldEvict decides whether a held buffer is freed at this maintenance
// tick. Fixed retention holds a buffer for exactly one interval: it
// survives the tick it was returned on, then is freed at the next one.
// Adaptive retention holds while the buffer is young or the pool's overall
// hit ratio is healthy.
func (p *TypedPool[T]) shouldEvict(fe *freeEntry, now time.Time) bool {
	switch p.opts.Retention {
	case RetentionFixed:
		return now.Sub(fe.returnedAt) >= p.opts.TrimInterval
	case RetentionAdaptive:
		age := now.Sub(fe.returnedAt)
		hitRatio := p.hitRatioLocked()
		return !(age < adaptiveAgeThreshold || hitRatio > adaptiveHitRatioThreshold)
	default:
		return false
	}
}

func (p *TypedPool[T]) hitRatioLocked() float64 {
	hits := p.hits.Load()
	misses := p.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Trim forces an immediate retention sweep, ignoring the periodic ticker.
func (p *TypedPool[T]) Trim(ctx context.Context) {
	p.trim()
}

// Stats snapshots the pool's counters.
func (p *TypedPool[T]) Stats() Stats {
	hits := p.hits.Load()
	misses := p.misses.Load()
	var ratio float64
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Total:    p.total.Load(),
		InUse:    p.inUse.Load(),
		Hits:     hits,
		Misses:   misses,
		HitRatio: ratio,
	}
}
