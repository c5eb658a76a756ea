package batch

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Add after Close
var ErrClosed = errors.New("batcher closed")

// FlushFunc receives one drained batch. It runs outside the batcher lock and
// must not block for long; callers typically fan out to goroutines.
type FlushFunc[T any] func(key string, items []T)

// Batcher groups items by key and flushes a key's batch once it holds
// batchSize items or batchInterval has elapsed since its first item,
// whichever comes first. Every batch drains exactly once.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	flush         FlushFunc[T]

	mu      sync.Mutex
	pending map[string]*pendingBatch[T]
	closed  bool
}

type pendingBatch[T any] struct {
	items []T
	timer *time.Timer
}

// NewBatcher creates a new keyed batcher
func NewBatcher[T any](batchSize int, batchInterval time.Duration, flush FlushFunc[T]) *Batcher[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		flush:         flush,
		pending:       make(map[string]*pendingBatch[T]),
	}
}

// Add queues item under key
func (b *Batcher[T]) Add(key string, item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	pb, exists := b.pending[key]
	if !exists {
		pb = &pendingBatch[T]{items: make([]T, 0, b.batchSize)}
		b.pending[key] = pb
		pb.timer = time.AfterFunc(b.batchInterval, func() {
			if items := b.drain(key, pb); items != nil {
				b.flush(key, items)
			}
		})
	}
	pb.items = append(pb.items, item)
	full := len(pb.items) >= b.batchSize
	b.mu.Unlock()

	if full {
		if items := b.drain(key, pb); items != nil {
			b.flush(key, items)
		}
	}
	return nil
}

// drain detaches pb if it is still the live batch for key. A nil result
// means another trigger already drained it.
func (b *Batcher[T]) drain(key string, pb *pendingBatch[T]) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.pending[key]; !ok || current != pb {
		return nil
	}
	delete(b.pending, key)
	pb.timer.Stop()
	return pb.items
}

// FlushAll drains and flushes every pending batch immediately
func (b *Batcher[T]) FlushAll() {
	b.mu.Lock()
	drained := b.detachAllLocked()
	b.mu.Unlock()

	for key, items := range drained {
		b.flush(key, items)
	}
}

// Close stops all timers and returns the undelivered items by key. The
// flush function is not called for them.
func (b *Batcher[T]) Close() map[string][]T {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return b.detachAllLocked()
}

func (b *Batcher[T]) detachAllLocked() map[string][]T {
	drained := make(map[string][]T, len(b.pending))
	for key, pb := range b.pending {
		pb.timer.Stop()
		drained[key] = pb.items
		delete(b.pending, key)
	}
	return drained
}

// PendingBatches returns the number of batches waiting on a flush timer
func (b *Batcher[T]) PendingBatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PendingCount returns the number of queued items across all keys
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, pb := range b.pending {
		n += len(pb.items)
	}
	return n
}
