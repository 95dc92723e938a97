package types

import "sync"

// Deque is a thread-safe FIFO queue backed by a slice.
type Deque[T any] struct {
	mu   sync.Mutex
	data []T
}

// Append adds the element to the end of the queue.
func (d *Deque[T]) Append(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, item)
}

// PopFirst removes and returns the element from the front of the queue.
// The second return value is false when the queue is empty.
func (d *Deque[T]) PopFirst() (item T, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.data) == 0 {
		return item, false
	}
	item, d.data = d.data[0], d.data[1:]
	return item, true
}

// Drain returns all buffered elements in FIFO order and clears the queue.
func (d *Deque[T]) Drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.data) == 0 {
		return nil
	}

	// Ownership of the backing array moves to the caller.
	out := d.data
	d.data = nil
	return out
}

// Len returns the current number of elements in the queue.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data)
}
