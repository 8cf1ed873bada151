package buffer

import (
	"sync"
)

// Queue is a bounded FIFO. Unlike a ring buffer it never evicts: Offer
// reports false once capacity is reached and the caller decides what to do
// with the rejected item. A capacity of zero or less means unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
}

// New creates a new Queue with the specified capacity.
func New[T any](capacity int) *Queue[T] {
	initial := capacity
	if initial <= 0 || initial > 64 {
		initial = 16
	}
	return &Queue[T]{
		data:     make([]T, 0, initial),
		capacity: capacity,
	}
}

// Offer appends an item to the tail. It returns false without modifying the
// queue when the queue is full.
func (q *Queue[T]) Offer(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.data) >= q.capacity {
		return false
	}
	q.data = append(q.data, item)
	return true
}

// Drain empties the queue and returns its items oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.data
	q.data = make([]T, 0, cap(items))
	return items
}

// RemoveFirst removes the oldest item matching fn.
func (q *Queue[T]) RemoveFirst(fn func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.data {
		if fn(item) {
			q.data = append(q.data[:i], q.data[i+1:]...)
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Cap returns the configured capacity (zero or less when unbounded).
func (q *Queue[T]) Cap() int {
	return q.capacity
}
