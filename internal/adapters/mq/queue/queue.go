// Package queue implements the bounded outbound queue between the processor
// and the relay client.
//
// The queue applies drop-oldest backpressure: Enqueue never blocks and never
// fails for lack of room, it evicts the oldest unsent item instead. Requeue
// returns an item that failed transmission to the front so delivery order is
// preserved.
package queue

import (
	"context"
	"sync"

	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/metrics"
)

const defaultQueueCapacity = 64

// Item is the payload type flowing through the queue.
type Item = model.Result

// Queue is a bounded FIFO with drop-oldest eviction.
type Queue interface {
	// Enqueue appends an item, evicting the oldest one when full. It fails
	// only after Close.
	Enqueue(ctx context.Context, it Item) error

	// Requeue puts an item back at the front. It never evicts and is allowed
	// after Close so an in-flight item can still be flushed.
	Requeue(ctx context.Context, it Item)

	// Dequeue blocks until an item is available, the context is done, or the
	// queue is closed and empty.
	Dequeue(ctx context.Context) (Item, error)

	// Len returns the current number of queued items.
	Len(ctx context.Context) int

	// Close stops accepting new items. Queued items remain dequeueable.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue with a ring buffer guarded by a mutex.
type InMemoryQueue struct {
	mu       sync.Mutex
	buf      []Item
	head     int
	size     int
	capacity int
	closed   bool
	// wait is closed and replaced whenever the queue changes.
	wait    chan struct{}
	onEvict func(Item)
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
		wait:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	// One spare slot for an item requeued while the queue is full.
	q.buf = make([]Item, q.capacity+1)
	metrics.UpdateRelayQueueSize(0)
	return q
}

// Enqueue appends it at the back.
func (q *InMemoryQueue) Enqueue(ctx context.Context, it Item) error { //nolint:gocritic // hugeParam: items are owned by value
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		metrics.RecordErrorByComponent("queue", "closed")
		return ErrClosed
	}

	var evicted []Item
	for q.size >= q.capacity {
		evicted = append(evicted, q.popFrontLocked())
	}
	q.buf[(q.head+q.size)%len(q.buf)] = it
	q.size++
	size := q.size
	q.broadcastLocked()
	q.mu.Unlock()

	metrics.RecordResultEnqueued()
	metrics.UpdateRelayQueueSize(size)
	for _, e := range evicted {
		metrics.RecordResultEvicted()
		if q.onEvict != nil {
			q.onEvict(e)
		}
	}
	return nil
}

// Requeue puts it at the front.
func (q *InMemoryQueue) Requeue(ctx context.Context, it Item) { //nolint:gocritic // hugeParam
	q.mu.Lock()
	if q.size == len(q.buf) {
		q.growLocked()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = it
	q.size++
	size := q.size
	q.broadcastLocked()
	q.mu.Unlock()

	metrics.RecordResultRetried()
	metrics.UpdateRelayQueueSize(size)
}

// Dequeue removes and returns the front item.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			it := q.popFrontLocked()
			size := q.size
			q.mu.Unlock()
			metrics.UpdateRelayQueueSize(size)
			return it, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrClosed
		}
		wait := q.wait
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Len returns the current number of queued items.
func (q *InMemoryQueue) Len(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops accepting new items and wakes blocked consumers.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.broadcastLocked()
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every queued item, front first.
func (q *InMemoryQueue) Drain(ctx context.Context) []Item {
	q.mu.Lock()
	out := make([]Item, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popFrontLocked())
	}
	q.mu.Unlock()
	metrics.UpdateRelayQueueSize(0)
	return out
}

func (q *InMemoryQueue) popFrontLocked() Item {
	it := q.buf[q.head]
	q.buf[q.head] = Item{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return it
}

func (q *InMemoryQueue) growLocked() {
	next := make([]Item, len(q.buf)*2)
	for i := 0; i < q.size; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func (q *InMemoryQueue) broadcastLocked() {
	close(q.wait)
	q.wait = make(chan struct{})
}
