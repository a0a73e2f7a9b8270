package device

import (
	"sync"

	"github.com/krushimitra/voice-engine/internal/audio"
)

// StreamInput is an InputDevice fed by writes of arbitrary size, such as
// PCM arriving over a network socket. Writes are re-framed to FrameLength.
type StreamInput struct {
	sampleRate  int
	frameLength int
	buffer      *audio.RingBuffer

	mu      sync.Mutex
	onFrame FrameHandler
	frame   []float32
	closed  bool
}

// NewStreamInput creates a stream input. Up to eight frames are buffered
// before writes start dropping samples.
func NewStreamInput(sampleRate, frameLength int) *StreamInput {
	return &StreamInput{
		sampleRate:  sampleRate,
		frameLength: frameLength,
		buffer:      audio.NewRingBuffer(frameLength*8 + 1),
		frame:       make([]float32, frameLength),
	}
}

// SampleRate implements InputDevice
func (s *StreamInput) SampleRate() int { return s.sampleRate }

// FrameLength implements InputDevice
func (s *StreamInput) FrameLength() int { return s.frameLength }

// Start implements InputDevice
func (s *StreamInput) Start(onFrame FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.onFrame = onFrame
	return nil
}

// Write buffers samples and delivers every complete frame. It returns the
// number of samples accepted.
func (s *StreamInput) Write(samples []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	n := s.buffer.Write(samples)
	if s.onFrame == nil {
		// Not started yet, keep at most the buffered backlog
		return n
	}

	for s.buffer.ReadFrame(s.frame) {
		s.onFrame(s.frame)
	}
	return n
}

// Close implements InputDevice
func (s *StreamInput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.onFrame = nil
	s.buffer.Clear()
	return nil
}
