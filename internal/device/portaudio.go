//go:build portaudio

package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/krushimitra/voice-engine/internal/playback"
)

// Available reports whether this build can open local audio hardware
const Available = true

// PortAudioProvider opens the default microphone
type PortAudioProvider struct {
	sampleRate  int
	frameLength int
}

// NewPortAudioProvider creates a provider capturing mono frames
func NewPortAudioProvider(sampleRate, frameLength int) Provider {
	return &PortAudioProvider{sampleRate: sampleRate, frameLength: frameLength}
}

// Acquire implements Provider
func (p *PortAudioProvider) Acquire(ctx context.Context) (InputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	buf := make([]float32, p.frameLength)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(p.sampleRate), p.frameLength, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &microphone{
		stream:      stream,
		buf:         buf,
		sampleRate:  p.sampleRate,
		frameLength: p.frameLength,
		done:        make(chan struct{}),
	}, nil
}

type microphone struct {
	stream      *portaudio.Stream
	buf         []float32
	sampleRate  int
	frameLength int

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (m *microphone) SampleRate() int  { return m.sampleRate }
func (m *microphone) FrameLength() int { return m.frameLength }

func (m *microphone) Start(onFrame FrameHandler) error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			default:
			}

			// Blocks for one frame of audio
			if err := m.stream.Read(); err != nil {
				// Input overflow loses samples but the stream keeps running
				if err == portaudio.InputOverflowed {
					continue
				}
				return
			}
			onFrame(m.buf)
		}
	}()

	return nil
}

func (m *microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.stream.Stop()
		err = m.stream.Close()
		portaudio.Terminate()
	})
	return err
}

// speakerSink plays a playback.Mixer through the default output device
type speakerSink struct {
	*playback.Mixer
	stream *portaudio.Stream
}

// OpenSpeaker opens the default output device and returns a Sink whose
// clock follows the samples the device has pulled
func OpenSpeaker(sampleRate int) (playback.Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio output: %w", err)
	}

	mixer := playback.NewMixer(sampleRate)
	// 20ms buffers keep interrupt latency low
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), sampleRate/50, func(out []float32) {
		mixer.Render(out)
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start audio output: %w", err)
	}

	return &speakerSink{Mixer: mixer, stream: stream}, nil
}

func (s *speakerSink) Close() error {
	s.Mixer.Close()
	s.stream.Stop()
	err := s.stream.Close()
	portaudio.Terminate()
	return err
}
