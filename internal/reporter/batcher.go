package reporter

import (
	"sync"
	"time"
)

// Batcher accumulates items until maxSize is reached or interval has passed
// since the first pending item, then hands the batch to flushFn.
type Batcher[T any] struct {
	maxSize  int
	interval time.Duration
	flushFn  func([]T)

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewBatcher[T any](maxSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	return &Batcher[T]{maxSize: maxSize, interval: interval, flushFn: flushFn}
}

// Add queues one item. A full batch flushes immediately; otherwise the first
// item of a batch arms the interval timer, and later items do not refresh it.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = append(b.pending, item)
	switch {
	case len(b.pending) >= b.maxSize:
		b.dispatchLocked()
	case len(b.pending) == 1:
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
}

// Pending reports how many items are queued for the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drop discards all queued items without flushing them.
func (b *Batcher[T]) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disarmLocked()
	b.pending = nil
}

// Flush forces out whatever is queued.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return
	}
	b.dispatchLocked()
}

// Stop flushes what is queued, waits for in-flight flushes, and rejects
// further Adds.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.disarmLocked()
	if len(b.pending) > 0 {
		b.dispatchLocked()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// dispatchLocked detaches the pending batch and runs flushFn on its own
// goroutine so callers never block on delivery.
func (b *Batcher[T]) dispatchLocked() {
	b.disarmLocked()
	batch := b.pending
	b.pending = nil
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flushFn(batch)
	}()
}

func (b *Batcher[T]) disarmLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
