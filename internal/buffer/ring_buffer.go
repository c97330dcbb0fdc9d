// Package buffer provides the replay backlog kept for each terminal session.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// capacity bytes written to it. It also counts every byte ever written, so a
// reader can ask for "everything since offset N".
type RingBuffer struct {
	mu       sync.RWMutex
	data     []byte
	capacity int
	// next write position in data.
	pos int
	// total bytes ever written. Stored bytes span [total-stored, total).
	total uint64
	// offset at the last Clear; nothing before it is readable.
	base uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, overwriting the oldest bytes when full. It implements io.Writer.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += uint64(len(p))
	src := p
	if len(src) > rb.capacity {
		src = src[len(src)-rb.capacity:]
	}
	for len(src) > 0 {
		c := copy(rb.data[rb.pos:], src)
		rb.pos = (rb.pos + c) % rb.capacity
		src = src[c:]
	}
	return len(p), nil
}

// ReadAll returns a copy of all data currently in the buffer, or nil when empty.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.readLocked(0)
}

// ReadFrom returns the stored bytes written at or after offset. An offset older
// than the oldest stored byte yields everything stored.
func (rb *RingBuffer) ReadFrom(offset uint64) []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.readLocked(offset)
}

func (rb *RingBuffer) readLocked(offset uint64) []byte {
	if offset >= rb.total {
		return nil
	}
	stored := rb.storedLocked()
	oldest := rb.total - uint64(stored)
	if offset < oldest {
		offset = oldest
	}
	n := int(rb.total - offset)

	out := make([]byte, n)
	start := (rb.pos - n + rb.capacity) % rb.capacity
	c := copy(out, rb.data[start:])
	if c < n {
		copy(out[c:], rb.data[:n-c])
	}
	return out
}

func (rb *RingBuffer) storedLocked() int {
	if n := rb.total - rb.base; n < uint64(rb.capacity) {
		return int(n)
	}
	return rb.capacity
}

// Offset returns the total number of bytes ever written.
func (rb *RingBuffer) Offset() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

// Clear removes all data from the buffer. The offset keeps counting.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.base = rb.total
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.storedLocked()
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}
