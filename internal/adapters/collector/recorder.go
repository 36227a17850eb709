package collector

import (
	"context"
	"sync"

	"github.com/okian/healstats/internal/adapters/relay/wire"
)

// Recorder is a Handler that keeps every delivered result in memory.
type Recorder struct {
	mu      sync.Mutex
	results []wire.ResultMessage
	notify  chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// HandleResult records msg.
func (r *Recorder) HandleResult(_ context.Context, msg *wire.ResultMessage) error {
	r.mu.Lock()
	r.results = append(r.results, *msg)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Results returns a copy of everything recorded so far, in arrival order.
func (r *Recorder) Results() []wire.ResultMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.ResultMessage(nil), r.results...)
}

// Len returns the number of recorded results.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// Wait blocks until at least n results are recorded or ctx is done.
func (r *Recorder) Wait(ctx context.Context, n int) bool {
	for {
		if r.Len() >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return r.Len() >= n
		}
	}
}
