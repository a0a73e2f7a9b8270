package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio samples. It re-frames
// arbitrarily sized device writes into fixed capture frames.
type RingBuffer struct {
	buffer []float32
	size   int
	read   int
	write  int
	mu     sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]float32, size),
		size:   size,
	}
}

// Write writes samples to the ring buffer
// Returns the number of samples written (may be less than len(data) if buffer is full)
func (rb *RingBuffer) Write(data []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for _, s := range data {
		if (rb.write+1)%rb.size == rb.read {
			break // Buffer full
		}

		rb.buffer[rb.write] = s
		rb.write = (rb.write + 1) % rb.size
		written++
	}

	return written
}

// Read reads samples from the ring buffer
// Returns the number of samples read
func (rb *RingBuffer) Read(data []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.readLocked(data)
}

// ReadFrame fills frame completely, or reads nothing if fewer than
// len(frame) samples are buffered
func (rb *RingBuffer) ReadFrame(frame []float32) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.availableLocked() < len(frame) {
		return false
	}
	rb.readLocked(frame)
	return true
}

func (rb *RingBuffer) readLocked(data []float32) int {
	read := 0
	for i := range data {
		if rb.read == rb.write {
			break // Buffer empty
		}

		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}
	return read
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.availableLocked()
}

func (rb *RingBuffer) availableLocked() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

