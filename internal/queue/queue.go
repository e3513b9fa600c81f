package queue

import "errors"

var (
	ErrQueueFull  = errors.New("queue full")
	ErrQueueEmpty = errors.New("queue empty")
)

// Ring is a bounded FIFO. Capacity is fixed at construction and the ring
// never grows. Not safe for concurrent use.
type Ring[T any] struct {
	items []T
	head  int
	count int
}

// New returns a ring holding at most capacity items.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, failing with ErrQueueFull at capacity.
func (r *Ring[T]) Push(v T) error {
	if r.count == len(r.items) {
		return ErrQueueFull
	}
	r.items[(r.head+r.count)%len(r.items)] = v
	r.count++
	return nil
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, error) {
	var zero T
	if r.count == 0 {
		return zero, ErrQueueEmpty
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return v, nil
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Clear drops every queued item.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}
