package recording

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/google/uuid"

	"github.com/krushimitra/voice-engine/internal/audio"
)

// ErrEmptyRecording is returned by Finalize when nothing was captured
var ErrEmptyRecording = errors.New("recording is empty")

// Recorder keeps two mono 16-bit tracks for one session, the user's
// microphone and the agent's audio, on a shared timeline that starts at
// origin. Tracks are mixed while the WAV file is written.
type Recorder struct {
	sampleRate int
	origin     time.Time
	now        func() time.Time

	mu        sync.Mutex
	local     []int16
	remote    []int16
	micCursor int
	micOpen   bool
	finalized bool
}

// NewRecorder creates a recorder at sampleRate whose timeline zero is origin
func NewRecorder(sampleRate int, origin time.Time, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		sampleRate: sampleRate,
		origin:     origin,
		now:        now,
	}
}

// AddLocal appends a microphone frame. The first frame is placed at the wall
// time it arrives; later frames follow it contiguously.
func (r *Recorder) AddLocal(samples []float32, sampleRate int) {
	resampled := audio.Resample(samples, sampleRate, r.sampleRate)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	if !r.micOpen {
		r.micCursor = r.offset(r.now().Sub(r.origin))
		r.micOpen = true
	}

	r.local = place(r.local, r.micCursor, resampled)
	r.micCursor += len(resampled)
}

// AddRemote places agent audio at its scheduled start on the output clock
func (r *Recorder) AddRemote(startAt time.Duration, frame audio.AudioFrame) {
	resampled := audio.Resample(frame.Mono(), frame.SampleRate, r.sampleRate)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.remote = place(r.remote, r.offset(startAt), resampled)
}

// CutRemote silences agent audio scheduled after at, matching what the
// listener heard when playback was interrupted
func (r *Recorder) CutRemote(at time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	pos := r.offset(at)
	if pos < len(r.remote) {
		r.remote = r.remote[:pos]
	}
}

// Duration returns the current length of the mixed timeline
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.SamplesDuration(max(len(r.local), len(r.remote)), r.sampleRate)
}

// mixAt sums both tracks at position i, saturating at the int16 limits
func mixAt(local, remote []int16, i int) int16 {
	var v int32
	if i < len(local) {
		v += int32(local[i])
	}
	if i < len(remote) {
		v += int32(remote[i])
	}
	return saturate(v)
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Finalize writes the mixed timeline as a 16-bit mono WAV file in dir.
// The recorder accepts no audio afterwards.
func (r *Recorder) Finalize(dir string) (*Artifact, error) {
	r.mu.Lock()
	r.finalized = true
	// Tracks are never written once finalized
	mix := &mixStreamer{local: r.local, remote: r.remote}
	r.mu.Unlock()

	length := mix.Len()
	if length == 0 {
		return nil, ErrEmptyRecording
	}

	createdAt := r.now()
	id := uuid.NewString()

	f, err := os.CreateTemp(dir, "session-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(r.sampleRate),
		NumChannels: 1,
		Precision:   2,
	}

	if err := wav.Encode(f, mix, format); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close recording: %w", err)
	}

	return &Artifact{
		ID:         id,
		Path:       f.Name(),
		FileName:   fmt.Sprintf("krushi-mitra-discussion-%d.wav", createdAt.UnixMilli()),
		SampleRate: r.sampleRate,
		Duration:   audio.SamplesDuration(length, r.sampleRate),
		Size:       info.Size(),
		CreatedAt:  createdAt,
	}, nil
}

func (r *Recorder) offset(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(r.sampleRate) / int64(time.Second))
}

// place writes samples into track at pos, growing it with silence as needed.
// Overlapping audio is summed.
func place(track []int16, pos int, samples []float32) []int16 {
	if end := pos + len(samples); end > len(track) {
		track = append(track, make([]int16, end-len(track))...)
	}
	for i, s := range samples {
		track[pos+i] = saturate(int32(track[pos+i]) + int32(audio.ToInt16(s)))
	}
	return track
}

// mixStreamer feeds the summed tracks to beep's stereo frame interface
// without materializing the mix
type mixStreamer struct {
	local  []int16
	remote []int16
	pos    int
}

func (m *mixStreamer) Len() int {
	return max(len(m.local), len(m.remote))
}

func (m *mixStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	length := m.Len()
	if m.pos >= length {
		return 0, false
	}
	for n < len(samples) && m.pos < length {
		v := float64(audio.FromInt16(mixAt(m.local, m.remote, m.pos)))
		samples[n][0] = v
		samples[n][1] = v
		n++
		m.pos++
	}
	return n, true
}

func (m *mixStreamer) Err() error {
	return nil
}
