// Package ringbuf provides a fixed-capacity circular buffer that evicts the
// oldest entry on overflow. It backs the rate engine's bounded history and
// the gateway replay buffer.
//
// Ring is not safe for concurrent use; owners serialize access.
package ringbuf

// Ring is a FIFO ring of at most Cap() values of T.
type Ring[T any] struct {
	buf     []T
	pos     int // next write position
	n       int
	evicted uint64 // entries overwritten because the ring was full
}

// New creates a ring with the given capacity. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, overwriting the oldest entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.n == len(r.buf) {
		r.evicted++
	} else {
		r.n++
	}
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
}

// Len returns the current number of entries.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Evicted returns the total number of entries dropped on overflow.
func (r *Ring[T]) Evicted() uint64 { return r.evicted }

// At returns the i-th entry in chronological order (0 = oldest).
// Panics if i is out of range, like a slice index.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("ringbuf: index out of range")
	}
	return r.buf[r.index(i)]
}

// Last returns a copy of the most recent n entries, oldest first.
// n is capped at Len(); n <= 0 returns an empty slice.
func (r *Ring[T]) Last(n int) []T {
	if n > r.n {
		n = r.n
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	start := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.index(start+i)]
	}
	return out
}

// Do calls fn for every entry, oldest first.
func (r *Ring[T]) Do(fn func(T)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[r.index(i)])
	}
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (r *Ring[T]) index(logical int) int {
	if r.n < len(r.buf) {
		return logical
	}
	return (r.pos + logical) % len(r.buf)
}
