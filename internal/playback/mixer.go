package playback

import (
	"sync"
	"time"

	"github.com/krushimitra/voice-engine/internal/audio"
)

// Mixer is a pull-model Sink for local output devices. The device callback
// calls Render for every buffer; the output clock is the number of samples
// rendered so far.
type Mixer struct {
	sampleRate int

	mu       sync.Mutex
	rendered int64
	closed   bool
	voices   map[uint64]*voice
}

type voice struct {
	start   int64
	samples []float32
	done    func()
}

// NewMixer creates a mono mixer at sampleRate
func NewMixer(sampleRate int) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		voices:     make(map[uint64]*voice),
	}
}

// SampleRate returns the mixer's output rate
func (m *Mixer) SampleRate() int {
	return m.sampleRate
}

// Now implements Sink
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clockLocked()
}

func (m *Mixer) clockLocked() time.Duration {
	return time.Duration(m.rendered) * time.Second / time.Duration(m.sampleRate)
}

// Play implements Sink
func (m *Mixer) Play(item Item, done func()) (Handle, error) {
	samples := audio.Resample(item.Frame.Mono(), item.Frame.SampleRate, m.sampleRate)
	start := int64(item.StartAt) * int64(m.sampleRate) / int64(time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrSinkClosed
	}
	m.voices[item.ID] = &voice{start: start, samples: samples, done: done}

	return &mixerHandle{mixer: m, id: item.ID}, nil
}

// Render fills out with the mix of every voice overlapping the next
// len(out) samples and advances the clock
func (m *Mixer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	var finished []func()

	m.mu.Lock()
	from := m.rendered
	to := from + int64(len(out))

	for id, v := range m.voices {
		end := v.start + int64(len(v.samples))
		if end > from && v.start < to {
			lo := max(v.start, from)
			hi := min(end, to)
			for pos := lo; pos < hi; pos++ {
				out[pos-from] += v.samples[pos-v.start]
			}
		}
		if end <= to {
			delete(m.voices, id)
			finished = append(finished, v.done)
		}
	}
	m.rendered = to
	m.mu.Unlock()

	for i := range out {
		out[i] = audio.Clip(out[i])
	}

	for _, done := range finished {
		if done != nil {
			done()
		}
	}
}

// Close drops every voice; Render keeps producing silence
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	clear(m.voices)
	return nil
}

type mixerHandle struct {
	mixer *Mixer
	id    uint64
}

func (h *mixerHandle) Stop() {
	h.mixer.mu.Lock()
	delete(h.mixer.voices, h.id)
	h.mixer.mu.Unlock()
}
