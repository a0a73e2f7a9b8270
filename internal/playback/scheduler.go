package playback

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krushimitra/voice-engine/internal/audio"
)

// Item is one decoded chunk placed on the output clock
type Item struct {
	ID       uint64
	Frame    audio.AudioFrame
	StartAt  time.Duration
	Duration time.Duration
}

// Handle controls a scheduled item
type Handle interface {
	// Stop silences the item and discards it. done is never called after Stop.
	Stop()
}

// Sink is an audio output with its own clock. Play must not block: it
// schedules the item to start at item.StartAt and calls done once the
// item has finished playing.
type Sink interface {
	Now() time.Duration
	Play(item Item, done func()) (Handle, error)
	Close() error
}

// Options configures a Scheduler
type Options struct {
	// Post hands a completion back to the goroutine that owns the
	// scheduler. When nil, completions run on the sink's goroutine and the
	// caller is responsible for serialization.
	Post func(func())
	// OnIdle is called when the last in-flight item finishes or playback
	// is interrupted
	OnIdle func()
	Logger zerolog.Logger
}

// Scheduler plays decoded chunks back to back on a Sink. It keeps a single
// cursor, nextStart, so chunks never overlap and arrival jitter never
// reorders them. A Scheduler is not safe for concurrent use.
type Scheduler struct {
	sink      Sink
	opts      Options
	nextStart time.Duration
	handles   map[uint64]Handle
	nextID    uint64
}

// NewScheduler creates a scheduler on top of sink
func NewScheduler(sink Sink, opts Options) *Scheduler {
	return &Scheduler{
		sink:    sink,
		opts:    opts,
		handles: make(map[uint64]Handle),
	}
}

// Enqueue schedules frame to start right after everything already queued,
// or now if the queue has drained
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (Item, error) {
	startAt := s.nextStart
	if now := s.sink.Now(); now > startAt {
		startAt = now
	}

	s.nextID++
	item := Item{
		ID:       s.nextID,
		Frame:    frame,
		StartAt:  startAt,
		Duration: frame.Duration(),
	}

	id := item.ID
	handle, err := s.sink.Play(item, func() { s.post(func() { s.complete(id) }) })
	if err != nil {
		return Item{}, fmt.Errorf("failed to schedule playback: %w", err)
	}

	s.handles[id] = handle
	s.nextStart = startAt + item.Duration

	return item, nil
}

// EnqueueChunk decodes PCM bytes and schedules them. A malformed chunk is
// dropped without touching the scheduler state.
func (s *Scheduler) EnqueueChunk(data []byte, sampleRate, channels int) (Item, error) {
	frame, err := audio.DecodeChunk(data, sampleRate, channels)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable audio chunk")
		return Item{}, err
	}
	return s.Enqueue(frame)
}

// Interrupt stops every scheduled item and rewinds the cursor to now
func (s *Scheduler) Interrupt() {
	for id, handle := range s.handles {
		handle.Stop()
		delete(s.handles, id)
	}
	s.nextStart = s.sink.Now()

	if s.opts.OnIdle != nil {
		s.opts.OnIdle()
	}
}

// IsSpeaking reports whether any item is still scheduled or playing
func (s *Scheduler) IsSpeaking() bool {
	return len(s.handles) > 0
}

// Pending returns the number of in-flight items
func (s *Scheduler) Pending() int {
	return len(s.handles)
}

// NextStart returns the cursor the next chunk will be scheduled at (at the earliest)
func (s *Scheduler) NextStart() time.Duration {
	return s.nextStart
}

func (s *Scheduler) complete(id uint64) {
	if _, ok := s.handles[id]; !ok {
		// Released by Interrupt
		return
	}
	delete(s.handles, id)

	if len(s.handles) == 0 && s.opts.OnIdle != nil {
		s.opts.OnIdle()
	}
}

func (s *Scheduler) post(fn func()) {
	if s.opts.Post != nil {
		s.opts.Post(fn)
		return
	}
	fn()
}
