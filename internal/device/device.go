// Package device provides audio input sources and output sinks
package device

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no input device can be opened
var ErrUnavailable = errors.New("audio input device unavailable")

// ErrClosed is returned by Start after Close
var ErrClosed = errors.New("audio input device closed")

// FrameHandler receives fixed-length frames of normalized mono samples.
// The slice is only valid for the duration of the call.
type FrameHandler func(samples []float32)

// InputDevice is a live microphone-like source
type InputDevice interface {
	SampleRate() int
	FrameLength() int
	// Start begins delivering frames to onFrame
	Start(onFrame FrameHandler) error
	Close() error
}

// Provider acquires an input device for one session
type Provider interface {
	Acquire(ctx context.Context) (InputDevice, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context) (InputDevice, error)

// Acquire implements Provider
func (f ProviderFunc) Acquire(ctx context.Context) (InputDevice, error) {
	return f(ctx)
}
