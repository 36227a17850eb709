package queue

import "errors"

var (
	// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
	// closed queue has been emptied.
	ErrClosed = errors.New("queue closed")
)
