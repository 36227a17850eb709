// Package dedupe tracks recently seen keys so redelivered records are applied once.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultMaxSize bounds the set when no option is given.
const defaultMaxSize = 50000

// Deduper records seen keys to ensure at-most-once application.
type Deduper[K comparable] interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, key K) bool

	// Seen reports whether key is currently recorded without recording it.
	Seen(ctx context.Context, key K) bool

	// Unrecord removes a key, allowing it to be recorded again. Used when a
	// record was marked seen but could not be applied.
	Unrecord(ctx context.Context, key K)

	Size() int64
}

// inMemoryDeduper implements Deduper with a map and a FIFO ring.
// Bounded mode (maxSize > 0) evicts the oldest recorded key once full.
// Unbounded mode (maxSize <= 0) only uses the map.
type inMemoryDeduper[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]int // key -> ring slot (bounded) or -1 (unbounded)
	ring    []K
	used    []bool
	head    int // next slot to write; also the oldest slot when full
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper[K comparable](opts ...Option) Deduper[K] {
	cfg := config{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &inMemoryDeduper[K]{
		maxSize: cfg.maxSize,
		seen:    make(map[K]int),
	}
	if d.maxSize > 0 {
		d.ring = make([]K, d.maxSize)
		d.used = make([]bool, d.maxSize)
	}
	return d
}

// SeenAndRecord atomically checks if key was seen and records it if not.
func (d *inMemoryDeduper[K]) SeenAndRecord(_ context.Context, key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[key]; exists {
		return true
	}

	if d.maxSize <= 0 {
		d.seen[key] = -1
		d.size.Add(1)
		return false
	}

	// Slots freed by Unrecord stay empty until the ring wraps onto them.
	if d.used[d.head] {
		delete(d.seen, d.ring[d.head])
		d.size.Add(-1)
	}
	d.ring[d.head] = key
	d.used[d.head] = true
	d.seen[key] = d.head
	d.head = (d.head + 1) % d.maxSize
	d.size.Add(1)
	return false
}

// Seen reports whether key is recorded.
func (d *inMemoryDeduper[K]) Seen(_ context.Context, key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// Unrecord removes key from the set.
func (d *inMemoryDeduper[K]) Unrecord(_ context.Context, key K) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, exists := d.seen[key]
	if !exists {
		return
	}
	delete(d.seen, key)
	if slot >= 0 {
		var zero K
		d.ring[slot] = zero
		d.used[slot] = false
	}
	d.size.Add(-1)
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper[K]) Size() int64 {
	return d.size.Load()
}
