package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/krushimitra/voice-engine/internal/resilience"
)

// ErrSinkClosed is returned by Play after Close
var ErrSinkClosed = errors.New("playback sink closed")

// Renderer receives items for playback on a remote device, such as a
// browser that schedules them on its own audio context
type Renderer interface {
	Render(item Item) error
	Cancel(id uint64)
}

// ClockSink is a Sink whose output clock is wall time since creation. It
// forwards every item to a Renderer and reports completion when the item's
// scheduled end time passes.
type ClockSink struct {
	renderer Renderer
	timers   resilience.Timers
	now      func() time.Time
	epoch    time.Time

	mu     sync.Mutex
	closed bool
	active map[uint64]resilience.Timer
}

// NewClockSink creates a clock sink. timers and now may be nil.
func NewClockSink(renderer Renderer, timers resilience.Timers, now func() time.Time) *ClockSink {
	if timers == nil {
		timers = resilience.RealTimers{}
	}
	if now == nil {
		now = time.Now
	}
	return &ClockSink{
		renderer: renderer,
		timers:   timers,
		now:      now,
		epoch:    now(),
		active:   make(map[uint64]resilience.Timer),
	}
}

// Now implements Sink
func (c *ClockSink) Now() time.Duration {
	return c.now().Sub(c.epoch)
}

// Play implements Sink
func (c *ClockSink) Play(item Item, done func()) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrSinkClosed
	}
	if err := c.renderer.Render(item); err != nil {
		return nil, err
	}

	wait := item.StartAt + item.Duration - c.Now()
	if wait < 0 {
		wait = 0
	}

	id := item.ID
	c.active[id] = c.timers.AfterFunc(wait, func() {
		c.mu.Lock()
		_, ok := c.active[id]
		delete(c.active, id)
		c.mu.Unlock()

		if ok {
			done()
		}
	})

	return &clockHandle{sink: c, id: id}, nil
}

// Close stops every pending completion
func (c *ClockSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, timer := range c.active {
		timer.Stop()
		delete(c.active, id)
	}
	return nil
}

func (c *ClockSink) stop(id uint64) {
	c.mu.Lock()
	timer, ok := c.active[id]
	delete(c.active, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	timer.Stop()
	c.renderer.Cancel(id)
}

type clockHandle struct {
	sink *ClockSink
	id   uint64
}

func (h *clockHandle) Stop() {
	h.sink.stop(h.id)
}
