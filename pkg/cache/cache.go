// Package cache implements the versioned kernel artifact cache: an
// in-memory LRU+TTL store with version-scoped lookups, plus optional
// on-disk persistence.
package cache

import (
	"container/heap"
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
)

// Entry is one cached, versioned kernel artifact.
type Entry struct {
	Key         uint64
	Version     string
	Artifact    kernel.Artifact
	Metadata    map[string]string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastAccess  time.Time
	AccessCount uint64
}

type cacheEntry struct {
	entry   Entry
	element *list.Element
}

// Options configures a Kernel cache.
type Options struct {
	MaxSize           int
	DefaultTTL        time.Duration
	EvictionThreshold float64 // fraction of MaxSize that triggers eviction, e.g. 0.9
	Persistent        bool
	PersistDir        string
}

// DefaultOptions returns sane, in-memory-only defaults.
func DefaultOptions() Options {
	return Options{
		MaxSize:           4096,
		DefaultTTL:        30 * time.Minute,
		EvictionThreshold: 0.9,
		Persistent:        false,
	}
}

// Kernel is a versioned, size-bounded, TTL-expiring kernel artifact cache:
// a container/list for LRU order plus a map for O(1) lookup, guarded by
// one RWMutex, with atomic hit/miss counters readable without taking that
// lock.
type Kernel struct {
	opts Options

	mu    sync.RWMutex
	items map[uint64]*cacheEntry
	order *list.List // front = most recently used

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds a Kernel cache with opts.
func New(opts Options) *Kernel {
	return &Kernel{
		opts:  opts,
		items: make(map[uint64]*cacheEntry),
		order: list.New(),
	}
}

// TryGet returns the entry for key iff it is present, its Version matches,
// and it has not expired. The TTL boundary is half-open: an entry whose
// CreatedAt+TTL equals now is already expired.
func (c *Kernel) TryGet(key uint64, version string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ce, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		recordMiss(context.Background())
		return Entry{}, false
	}
	now := time.Now()
	if ce.entry.Version != version || !now.Before(ce.entry.ExpiresAt) {
		c.misses.Add(1)
		recordMiss(context.Background())
		return Entry{}, false
	}
	ce.entry.LastAccess = now
	ce.entry.AccessCount++
	c.order.MoveToFront(ce.element)
	c.hits.Add(1)
	recordHit(context.Background())
	return ce.entry, true
}

// Put inserts or replaces the entry for key. Before the insertion it runs
// the eviction pipeline if the cache is at or above its threshold.
func (c *Kernel) Put(key uint64, artifact kernel.Artifact, version string, metadata map[string]string) {
	ttl := c.opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultOptions().DefaultTTL
	}
	now := time.Now()
	entry := Entry{
		Key:        key,
		Version:    version,
		Artifact:   artifact,
		Metadata:   metadata,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.order.Remove(existing.element)
		delete(c.items, key)
	}

	// Evict against the size *before* this insertion: the cache must land
	// back under threshold immediately after the put that tripped it, and
	// size may never exceed MaxSize at any instant. Checking pre-insertion
	// size (rather than post-insertion, truncated-to-int) keeps both true
	// simultaneously.
	c.evictLocked()

	el := c.order.PushFront(key)
	c.items[key] = &cacheEntry{entry: entry, element: el}
}

// evictLocked implements the two-stage eviction pipeline: expire
// sweep first, then if still over threshold, evict ascending
// (LastAccess, AccessCount) via a small heap until back under it. Callers
// must hold c.mu.
func (c *Kernel) evictLocked() {
	maxSize := c.opts.MaxSize
	if maxSize <= 0 {
		return
	}
	threshold := c.opts.EvictionThreshold
	if threshold <= 0 {
		threshold = DefaultOptions().EvictionThreshold
	}
	limit := threshold * float64(maxSize)
	if float64(len(c.items)) < limit {
		return
	}

	now := time.Now()
	for key, ce := range c.items {
		if !now.Before(ce.entry.ExpiresAt) {
			c.order.Remove(ce.element)
			delete(c.items, key)
		}
	}
	if float64(len(c.items)) < limit {
		return
	}

	h := make(evictHeap, 0, len(c.items))
	for _, ce := range c.items {
		h = append(h, ce.entry)
	}
	heap.Init(&h)
	for float64(len(c.items)) >= limit && h.Len() > 0 {
		victim := heap.Pop(&h).(Entry)
		if ce, ok := c.items[victim.Key]; ok {
			c.order.Remove(ce.element)
			delete(c.items, victim.Key)
		}
	}
}

// evictHeap orders entries ascending by (LastAccess, AccessCount): the
// least-recently, least-frequently used entry pops first.
type evictHeap []Entry

func (h evictHeap) Len() int { return len(h) }
func (h evictHeap) Less(i, j int) bool {
	if !h[i].LastAccess.Equal(h[j].LastAccess) {
		return h[i].LastAccess.Before(h[j].LastAccess)
	}
	return h[i].AccessCount < h[j].AccessCount
}
func (h evictHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *evictHeap) Push(x any)   { *h = append(*h, x.(Entry)) }
func (h *evictHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// InvalidateVersion drops every entry whose Version equals v.
func (c *Kernel) InvalidateVersion(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ce := range c.items {
		if ce.entry.Version == v {
			c.order.Remove(ce.element)
			delete(c.items, key)
		}
	}
}

// Clear removes every entry.
func (c *Kernel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[uint64]*cacheEntry)
	c.order.Init()
}

// Stats summarizes cache activity since creation.
type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// Stats reads counters without taking the write lock.
func (c *Kernel) Stats() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Size:   size,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
