package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/observability"
)

// Sender delivers encoded frames to the remote side
type Sender interface {
	Send(chunk audio.EncodedChunk) error
}

// Tap observes raw captured frames. Taps run on the device thread and must
// not block or retain samples.
type Tap func(samples []float32, sampleRate int)

// Options configures a Pipeline
type Options struct {
	SampleRate  int
	FrameLength int
	QueueSize   int
	Metrics     *observability.SessionMetrics
	Logger      zerolog.Logger
}

type attachment struct {
	sender Sender
	gen    uint64
}

type queued struct {
	chunk audio.EncodedChunk
	gen   uint64
}

// Pipeline moves microphone frames to the transport. OnFrame never waits
// on the network: frames are encoded and queued, and Run sends them from
// its own goroutine. Frames are dropped while no sender is attached or
// when the queue is full.
type Pipeline struct {
	opts  Options
	queue chan queued

	current atomic.Pointer[attachment]
	gen     atomic.Uint64

	tapsMu sync.RWMutex
	taps   []Tap
}

// NewPipeline creates a pipeline; zero options fall back to 16 kHz,
// 4096-sample frames and a 32-frame queue
func NewPipeline(opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.InputSampleRate
	}
	if opts.FrameLength <= 0 {
		opts.FrameLength = audio.FrameLength
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	opts.Logger = opts.Logger.With().Str("component", "capture").Logger()

	return &Pipeline{
		opts:  opts,
		queue: make(chan queued, opts.QueueSize),
	}
}

// SetTaps replaces the frame observers
func (p *Pipeline) SetTaps(taps ...Tap) {
	p.tapsMu.Lock()
	p.taps = taps
	p.tapsMu.Unlock()
}

// Attach starts forwarding frames to sender. Frames queued for an earlier
// sender are discarded.
func (p *Pipeline) Attach(sender Sender) {
	p.current.Store(&attachment{sender: sender, gen: p.gen.Add(1)})
}

// Detach stops forwarding; frames are dropped until the next Attach
func (p *Pipeline) Detach() {
	p.gen.Add(1)
	p.current.Store(nil)
}

// Attached reports whether a sender is attached
func (p *Pipeline) Attached() bool {
	return p.current.Load() != nil
}

// OnFrame handles one captured frame. It is called from the device thread.
func (p *Pipeline) OnFrame(samples []float32) {
	if len(samples) != p.opts.FrameLength {
		p.opts.Metrics.RecordCaptureFrame("bad_length")
		p.opts.Logger.Debug().Int("samples", len(samples)).Int("expected", p.opts.FrameLength).Msg("Dropping frame with unexpected length")
		return
	}

	p.tapsMu.RLock()
	for _, tap := range p.taps {
		tap(samples, p.opts.SampleRate)
	}
	p.tapsMu.RUnlock()

	att := p.current.Load()
	if att == nil {
		p.opts.Metrics.RecordCaptureFrame("not_ready")
		return
	}

	p.opts.Metrics.RecordEncodingOverflow(audio.CountOverflow(samples))
	chunk := audio.EncodeSamples(samples, p.opts.SampleRate)

	select {
	case p.queue <- queued{chunk: chunk, gen: att.gen}:
	default:
		p.opts.Metrics.RecordCaptureFrame("backlog")
	}
}

// Run sends queued frames until ctx is done
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.send(item)
		}
	}
}

func (p *Pipeline) send(item queued) {
	att := p.current.Load()
	if att == nil || att.gen != item.gen {
		p.opts.Metrics.RecordCaptureFrame("not_ready")
		return
	}

	if err := att.sender.Send(item.chunk); err != nil {
		p.opts.Metrics.RecordCaptureFrame("send_error")
		p.opts.Logger.Debug().Err(err).Msg("Failed to send captured frame")
		return
	}

	p.opts.Metrics.RecordCaptureFrame("sent")
	p.opts.Metrics.RecordAudioBytes("out", int64(len(item.chunk.Data)))
}
