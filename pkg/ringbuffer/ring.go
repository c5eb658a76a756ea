// Package ringbuffer provides a fixed-capacity history buffer that evicts the
// oldest element once full. It is not safe for concurrent use; owners guard it
// with their own lock.
package ringbuffer

// Ring stores up to capacity values in insertion order.
type Ring[T any] struct {
	data     []T
	capacity int
	size     int
	head     int // next write position
}

// New creates a ring with the given capacity (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends v, evicting the oldest value when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.data[r.head] = v
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Last returns the most recent value.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.data[(r.head-1+r.capacity)%r.capacity], true
}

// Values returns all values, oldest first.
func (r *Ring[T]) Values() []T {
	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(start+i)%r.capacity]
	}
	return out
}

// Recent returns up to n most recent values, oldest first.
func (r *Ring[T]) Recent(n int) []T {
	all := r.Values()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Clear empties the ring.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.size = 0
	r.head = 0
}
