package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the rate microphone audio is captured and sent at
	InputSampleRate = 16000
	// OutputSampleRate is the rate the remote agent streams audio at
	OutputSampleRate = 24000
	// FrameLength is the number of samples in one captured frame
	FrameLength = 4096

	bytesPerSample = 2
	pcmScale       = 32768.0
)

// AudioFrame is a block of normalized samples, one slice per channel
type AudioFrame struct {
	SampleRate int
	Channels   [][]float32
}

// Len returns the number of samples per channel
func (f AudioFrame) Len() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0])
}

// Duration returns the playback length of the frame
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.Len(), f.SampleRate)
}

// Mono returns the first channel, or the channel average for multi-channel frames
func (f AudioFrame) Mono() []float32 {
	switch len(f.Channels) {
	case 0:
		return nil
	case 1:
		return f.Channels[0]
	}

	out := make([]float32, f.Len())
	for _, ch := range f.Channels {
		for i, s := range ch {
			out[i] += s
		}
	}
	scale := 1 / float32(len(f.Channels))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// EncodedChunk holds 16-bit signed little-endian PCM bytes
type EncodedChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// MIMEType returns the media type the Live API expects for raw PCM
func (c EncodedChunk) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.SampleRate)
}

// Duration returns the playback length of the chunk
func (c EncodedChunk) Duration() time.Duration {
	channels := c.Channels
	if channels < 1 {
		channels = 1
	}
	return SamplesDuration(len(c.Data)/(bytesPerSample*channels), c.SampleRate)
}

// MalformedAudioError is returned when a PCM buffer cannot be split into
// whole interleaved samples
type MalformedAudioError struct {
	Length   int
	Channels int
}

func (e *MalformedAudioError) Error() string {
	return fmt.Sprintf("malformed PCM chunk: %d bytes is not a multiple of %d channel(s) x %d bytes",
		e.Length, e.Channels, bytesPerSample)
}

// EncodeFrame converts mono samples in [-1, 1] to a 16 kHz PCM chunk.
// Samples outside the range saturate at the int16 limits.
func EncodeFrame(samples []float32) EncodedChunk {
	return EncodeSamples(samples, InputSampleRate)
}

// EncodeSamples is EncodeFrame with an explicit sample rate
func EncodeSamples(samples []float32, sampleRate int) EncodedChunk {
	data := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*bytesPerSample:], uint16(ToInt16(s)))
	}
	return EncodedChunk{Data: data, SampleRate: sampleRate, Channels: 1}
}

// CountOverflow reports how many samples lie outside [-1, 1]
func CountOverflow(samples []float32) int {
	n := 0
	for _, s := range samples {
		if s > 1 || s < -1 {
			n++
		}
	}
	return n
}

// DecodeChunk de-interleaves 16-bit little-endian PCM into normalized samples
func DecodeChunk(data []byte, sampleRate, channels int) (AudioFrame, error) {
	if channels < 1 || len(data)%(channels*bytesPerSample) != 0 {
		return AudioFrame{}, &MalformedAudioError{Length: len(data), Channels: channels}
	}

	frames := len(data) / (channels * bytesPerSample)
	out := AudioFrame{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for ch := range out.Channels {
		out.Channels[ch] = make([]float32, frames)
	}

	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * bytesPerSample
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			out.Channels[ch][i] = FromInt16(v)
		}
	}

	return out, nil
}

// SamplesDuration converts a sample count at a rate to a duration
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// ToInt16 converts a sample in [-1, 1] to 16-bit PCM, saturating outside
// the range
func ToInt16(s float32) int16 {
	v := float64(s) * pcmScale
	if v >= math.MaxInt16 {
		return math.MaxInt16
	}
	if v <= math.MinInt16 {
		return math.MinInt16
	}
	// Conversion truncates toward zero
	return int16(v)
}

// FromInt16 converts a 16-bit PCM value to a normalized sample
func FromInt16(v int16) float32 {
	return float32(v) / pcmScale
}
