package queue

// Option applies a configuration option to the InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity sets the maximum number of queued results.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithEvictHandler registers a callback invoked, outside the queue lock,
// for every result dropped to make room for a newer one.
func WithEvictHandler(fn func(Item)) Option {
	return func(q *InMemoryQueue) {
		q.onEvict = fn
	}
}
