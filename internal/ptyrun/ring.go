package ptyrun

import "sync"

// ScrollbackSize is how much recent output a session retains for
// late-joining subscribers.
const ScrollbackSize = 64 * 1024

// RingBuffer is a fixed-capacity byte ring holding the most recent writes.
// Safe for concurrent use.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
}

// NewRingBuffer creates a ring with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes when the ring is full.
// Always reports len(p).
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	capacity := len(r.buf)
	if n >= capacity {
		// Only the trailing window survives.
		copy(r.buf, p[n-capacity:])
		r.start = 0
		r.size = capacity
		return n, nil
	}

	end := (r.start + r.size) % capacity
	first := copy(r.buf[end:], p)
	copy(r.buf, p[first:])

	if r.size+n > capacity {
		overflow := r.size + n - capacity
		r.start = (r.start + overflow) % capacity
		r.size = capacity
	} else {
		r.size += n
	}
	return n, nil
}

// Bytes returns the buffered content, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.size)
	first := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	copy(out[first:], r.buf[:r.size-first])
	return out
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
