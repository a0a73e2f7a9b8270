//go:build !portaudio

package device

import (
	"context"
	"fmt"

	"github.com/krushimitra/voice-engine/internal/playback"
)

// Available reports whether this build can open local audio hardware
const Available = false

// NewPortAudioProvider returns a provider that always fails. Build with
// -tags portaudio to capture from the default microphone.
func NewPortAudioProvider(sampleRate, frameLength int) Provider {
	return ProviderFunc(func(ctx context.Context) (InputDevice, error) {
		return nil, fmt.Errorf("%w: built without portaudio support", ErrUnavailable)
	})
}

// OpenSpeaker fails in builds without portaudio
func OpenSpeaker(sampleRate int) (playback.Sink, error) {
	return nil, fmt.Errorf("audio output unavailable: built without portaudio support")
}
