// Package ring is a bounded FIFO used as the journal worker's queue.
package ring

import (
	"errors"
	"sync"

	"github.com/slyt3/strategist/internal/assert"
)

var (
	ErrBufferFull  = errors.New("ring buffer is full")
	ErrBufferEmpty = errors.New("ring buffer is empty")
)

// Buffer is a fixed-capacity, mutex-guarded FIFO. Push and Pop never allocate.
type Buffer[T any] struct {
	mu    sync.Mutex
	data  []T
	head  int
	tail  int
	count int
}

// New returns an empty buffer holding at most capacity items.
func New[T any](capacity int) (*Buffer[T], error) {
	if err := assert.Check(capacity > 0, "capacity must be positive"); err != nil {
		return nil, err
	}
	return &Buffer[T]{data: make([]T, capacity)}, nil
}

// Push appends item, or returns ErrBufferFull. The caller owns backpressure.
func (b *Buffer[T]) Push(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.data) {
		return ErrBufferFull
	}
	if err := assert.InRange(b.tail, 0, len(b.data)-1, "tail index"); err != nil {
		return err
	}
	b.data[b.tail] = item
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	return nil
}

// Pop removes the oldest item, or returns ErrBufferEmpty.
func (b *Buffer[T]) Pop() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.count == 0 {
		return zero, ErrBufferEmpty
	}
	if err := assert.InRange(b.head, 0, len(b.data)-1, "head index"); err != nil {
		return zero, err
	}
	item := b.data[b.head]
	b.data[b.head] = zero
	b.head = (b.head + 1) % len(b.data)
	b.count--
	return item, nil
}

// IsFull reports whether Push would fail.
func (b *Buffer[T]) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == len(b.data)
}

// IsEmpty reports whether Pop would fail.
func (b *Buffer[T]) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == 0
}

// Len is the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap is the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.data)
}
