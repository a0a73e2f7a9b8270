package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/capture"
	"github.com/krushimitra/voice-engine/internal/device"
	"github.com/krushimitra/voice-engine/internal/observability"
	"github.com/krushimitra/voice-engine/internal/playback"
	"github.com/krushimitra/voice-engine/internal/recording"
	"github.com/krushimitra/voice-engine/internal/resilience"
	"github.com/krushimitra/voice-engine/internal/transcript"
	"github.com/krushimitra/voice-engine/internal/transport"
)

// errStartAbandoned means Stop ran while Start was acquiring devices
var errStartAbandoned = errors.New("start abandoned")

// SinkFactory opens the audio output for one session
type SinkFactory func(ctx context.Context) (playback.Sink, error)

// Options configures an Engine
type Options struct {
	Transport       transport.Transport
	TransportConfig transport.Config
	Devices         device.Provider
	Sinks           SinkFactory

	Policy resilience.Policy
	Timers resilience.Timers

	// Recordings receives finalized artifacts; may be nil
	Recordings   *recording.Store
	RecordingDir string

	OutputSampleRate   int
	CaptureFrameLength int
	CaptureQueueSize   int
	VAD                *audio.VADConfig

	Observer Observer
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Engine runs one voice session at a time. Every piece of session state is
// owned by a single goroutine that drains a mailbox of closures; device
// frames, transport events, playback completions and retry timers only
// post to it.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	signal  chan struct{}
	quit    chan struct{}
	stopped chan struct{}

	snapshot atomic.Pointer[Snapshot]

	// Owned by the mailbox goroutine
	state        State
	intent       bool
	dirty        bool
	sessionID    string
	startedAt    time.Time
	duration     time.Duration
	attempt      int
	token        uint64
	opened       bool
	lastErr      error
	userSpeaking bool

	ctx        context.Context
	cancel     context.CancelFunc
	conn       transport.Conn
	dev        device.InputDevice
	sink       playback.Sink
	scheduler  *playback.Scheduler
	pipeline   *capture.Pipeline
	aggregator *transcript.Aggregator
	recorder   *recording.Recorder
	artifact   *recording.Artifact
	retryTimer resilience.Timer
	pending    []*teardown
	metrics    *observability.SessionMetrics
	slog       zerolog.Logger
}

// NewEngine creates an engine and starts its mailbox goroutine. Call Close
// to release it.
func NewEngine(opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = resilience.DefaultPolicy()
	}
	if opts.Timers == nil {
		opts.Timers = resilience.RealTimers{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = audio.OutputSampleRate
	}
	if opts.RecordingDir == "" {
		opts.RecordingDir = os.TempDir()
	}

	e := &Engine{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "session").Logger(),
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	e.slog = e.logger
	e.snapshot.Store(&Snapshot{State: StateIdle})

	go e.run()
	return e
}

// Snapshot returns the latest published state
func (e *Engine) Snapshot() Snapshot {
	s := *e.snapshot.Load()
	if s.State.live() {
		s.Duration = e.opts.Now().Sub(s.StartedAt)
	}
	return s
}

// Start begins a new session. It is a no-op unless the engine is idle or
// closed. A device failure returns *DeviceAcquisitionError; a failure to
// open the first connection returns *TransportError.
func (e *Engine) Start(ctx context.Context) error {
	return e.start(ctx, false)
}

// Stop ends the session: no further reconnects happen, the transport and
// devices are released and the recording is finalized. Stop also waits for
// cleanup of a session that ended on its own, so the recording of a session
// that gave up reconnecting is in the snapshot once Stop returns.
func (e *Engine) Stop(ctx context.Context) error {
	var td *teardown
	var pending []*teardown
	e.do(func() {
		td = e.stopLocked(nil)
		pending = e.pendingTeardowns()
	})

	var err error
	if td != nil {
		err = td.run(ctx)
	}
	for _, p := range pending {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// DiscardRecording deletes the last finalized recording
func (e *Engine) DiscardRecording() error {
	var art *recording.Artifact
	e.do(func() {
		art = e.artifact
		e.artifact = nil
		e.dirty = true
	})
	if art == nil {
		return nil
	}
	if e.opts.Recordings != nil {
		return e.opts.Recordings.Discard(art.ID)
	}
	return art.Discard()
}

// Close stops any session and shuts the mailbox down
func (e *Engine) Close() error {
	err := e.Stop(context.Background())

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.quit)
	}
	e.mu.Unlock()

	<-e.stopped
	return err
}

// run drains the mailbox until Close
func (e *Engine) run() {
	defer close(e.stopped)

	for {
		select {
		case <-e.signal:
			e.drain()
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *Engine) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
		e.flush()
	}
}

// flush publishes a snapshot if anything changed
func (e *Engine) flush() {
	if e.dirty {
		e.dirty = false
		e.publish()
	}
}

// post queues fn for the mailbox goroutine without waiting
func (e *Engine) post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the mailbox goroutine and waits for it. It must never be
// called from the mailbox goroutine itself.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	if !e.post(func() {
		fn()
		e.flush()
		close(done)
	}) {
		return
	}
	<-done
}

func (e *Engine) publish() {
	s := Snapshot{
		SessionID:      e.sessionID,
		State:          e.state,
		IsActive:       e.state == StateActive,
		IsConnecting:   e.state == StateConnecting,
		IsReconnecting: e.state == StateReconnecting,
		UserSpeaking:   e.userSpeaking,
		StartedAt:      e.startedAt,
		Duration:       e.duration,
		Attempt:        e.attempt,
		Err:            e.lastErr,
		Recording:      e.artifact,
	}
	if e.scheduler != nil {
		s.IsSpeaking = e.scheduler.IsSpeaking()
	}
	if e.aggregator != nil {
		s.Turns = e.aggregator.Turns()
		s.PartialLocal, s.PartialRemote = e.aggregator.Partial()
	}
	if e.state.live() {
		s.Duration = e.opts.Now().Sub(e.startedAt)
	}

	e.snapshot.Store(&s)
	if e.opts.Observer != nil {
		e.opts.Observer(s)
	}
}

// startPlan is what the mailbox hands to the caller of start for the
// blocking part of connecting
type startPlan struct {
	token      uint64
	ctx        context.Context
	needDevice bool
	metrics    *observability.SessionMetrics
}

func (e *Engine) start(ctx context.Context, retry bool) error {
	var plan startPlan
	var proceed bool
	e.do(func() { plan, proceed = e.beginStart(retry) })
	if !proceed {
		return nil
	}

	if plan.needDevice {
		if err := e.acquireDevices(ctx, plan); err != nil {
			if errors.Is(err, errStartAbandoned) {
				return nil
			}
			return err
		}
	}

	plan.metrics.RecordConnectStart()
	token := plan.token
	conn, err := e.opts.Transport.Open(plan.ctx, e.opts.TransportConfig, func(ev transport.Event) {
		e.post(func() { e.handleEvent(token, ev) })
	})
	if err != nil {
		terr := &TransportError{Err: err}
		var current bool
		e.do(func() { current = e.openFailed(token, terr, retry) })
		if retry || !current {
			// Stop cancelled the connect, or the retry was rescheduled
			return nil
		}
		return terr
	}

	var keep bool
	e.do(func() { keep = e.installConn(token, conn) })
	if !keep {
		conn.Close()
	}
	return nil
}

// beginStart validates a start request and moves to Connecting
func (e *Engine) beginStart(retry bool) (startPlan, bool) {
	if retry {
		// The intent flag is the source of truth: Stop may have raced the timer
		if !e.intent || e.state != StateReconnecting {
			return startPlan{}, false
		}
		e.retryTimer = nil
	} else {
		if e.state.live() {
			return startPlan{}, false
		}
		e.newSession()
	}

	e.state = StateConnecting
	e.token++
	e.opened = false
	e.dirty = true

	return startPlan{token: e.token, ctx: e.ctx, needDevice: e.dev == nil, metrics: e.metrics}, true
}

func (e *Engine) newSession() {
	e.intent = true
	e.sessionID = uuid.NewString()
	e.startedAt = e.opts.Now()
	e.duration = 0
	e.attempt = 0
	e.lastErr = nil
	e.userSpeaking = false
	// The previous artifact stays in the store until discarded, but is no
	// longer offered by this engine
	e.artifact = nil
	e.aggregator = transcript.NewAggregator(e.opts.Now)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.metrics = observability.NewSessionMetrics(e.sessionID)
	e.metrics.RecordSessionStart()
	e.slog = observability.WithSession(e.logger, e.sessionID)

	e.slog.Info().Msg("Session starting")
}

// acquireDevices opens input and output outside the mailbox, then hands
// them to it
func (e *Engine) acquireDevices(ctx context.Context, plan startPlan) error {
	dev, err := e.opts.Devices.Acquire(ctx)
	if err != nil {
		derr := &DeviceAcquisitionError{Err: err}
		e.do(func() { e.failStart(plan.token, derr) })
		return derr
	}

	var sink playback.Sink
	if e.opts.Sinks != nil {
		sink, err = e.opts.Sinks(ctx)
		if err != nil {
			dev.Close()
			derr := &DeviceAcquisitionError{Err: err}
			e.do(func() { e.failStart(plan.token, derr) })
			return derr
		}
	}

	var pipeline *capture.Pipeline
	e.do(func() { pipeline = e.installDevices(plan.token, dev, sink) })
	if pipeline == nil {
		dev.Close()
		if sink != nil {
			sink.Close()
		}
		return errStartAbandoned
	}

	if err := dev.Start(pipeline.OnFrame); err != nil {
		derr := &DeviceAcquisitionError{Err: err}
		e.do(func() { e.failStart(plan.token, derr) })
		return derr
	}
	return nil
}

func (e *Engine) installDevices(token uint64, dev device.InputDevice, sink playback.Sink) *capture.Pipeline {
	if token != e.token || !e.intent {
		return nil
	}

	e.dev = dev
	e.sink = sink
	if sink != nil {
		e.scheduler = playback.NewScheduler(sink, playback.Options{
			Post:   func(fn func()) { e.post(fn) },
			OnIdle: func() { e.dirty = true },
			Logger: e.slog,
		})
	}
	e.recorder = recording.NewRecorder(e.opts.OutputSampleRate, e.opts.Now(), e.opts.Now)

	frameLength := e.opts.CaptureFrameLength
	if frameLength <= 0 {
		frameLength = dev.FrameLength()
	}
	e.pipeline = capture.NewPipeline(capture.Options{
		SampleRate:  dev.SampleRate(),
		FrameLength: frameLength,
		QueueSize:   e.opts.CaptureQueueSize,
		Metrics:     e.metrics,
		Logger:      e.slog,
	})
	e.pipeline.SetTaps(e.recorder.AddLocal, e.speechTap())
	go e.pipeline.Run(e.ctx)

	return e.pipeline
}

// speechTap runs the level detector on the device thread and posts
// transitions only
func (e *Engine) speechTap() capture.Tap {
	vad := audio.NewVADDetector(e.opts.VAD)
	return func(samples []float32, sampleRate int) {
		_, started, ended := vad.ProcessFrame(samples)
		if started || ended {
			speaking := started
			e.post(func() {
				e.userSpeaking = speaking
				e.dirty = true
			})
		}
	}
}

// failStart abandons a start that could not acquire its devices
func (e *Engine) failStart(token uint64, err error) {
	if token != e.token {
		return
	}
	e.slog.Error().Err(err).Msg("Failed to acquire audio device")
	e.metrics.RecordError("device", "session")

	td := e.abandon(err)
	e.runInBackground(td)
}

// openFailed handles a transport that could not be opened. It reports
// false when the attempt had already been superseded.
func (e *Engine) openFailed(token uint64, err *TransportError, retry bool) bool {
	if token != e.token || !e.intent {
		return false
	}
	e.metrics.RecordError("connect", "transport")

	if retry {
		e.slog.Warn().Err(err).Int("attempt", e.attempt).Msg("Reconnect attempt failed")
		e.scheduleReconnect(resilience.FailureError, err)
		return true
	}

	e.slog.Error().Err(err).Msg("Failed to open transport")
	td := e.abandon(err)
	e.runInBackground(td)
	return true
}

// abandon drops a session that never went live: nothing is recorded and
// the engine returns to Idle with err visible
func (e *Engine) abandon(err error) *teardown {
	td := e.detachResources()
	td.recorder = nil

	e.intent = false
	e.state = StateIdle
	e.lastErr = err
	e.dirty = true
	e.metrics.RecordSessionEnd()

	return td
}

func (e *Engine) installConn(token uint64, conn transport.Conn) bool {
	if token != e.token || !e.intent {
		return false
	}

	e.conn = conn
	e.metrics.RecordConnectEnd()
	if e.opened {
		e.activate()
	}
	return true
}

func (e *Engine) activate() {
	if e.state == StateActive {
		return
	}

	e.state = StateActive
	e.attempt = 0
	e.lastErr = nil
	e.dirty = true
	if e.pipeline != nil {
		e.pipeline.Attach(e.conn)
	}

	e.slog.Info().Msg("Session active")
}

func (e *Engine) handleEvent(token uint64, ev transport.Event) {
	if token != e.token || !e.intent {
		// Late event from a connection we already gave up on
		return
	}

	switch ev.Kind {
	case transport.EventOpened:
		e.opened = true
		if e.conn != nil {
			e.activate()
		}

	case transport.EventMessage:
		if e.opened && ev.Message != nil {
			e.handleMessage(ev.Message)
		}

	case transport.EventError:
		e.slog.Warn().Err(ev.Err).Msg("Transport error")
		e.metrics.RecordError("transport", "session")
		e.scheduleReconnect(resilience.FailureError, ev.Err)

	case transport.EventClosed:
		e.slog.Info().Err(ev.Err).Msg("Transport closed by remote")
		e.scheduleReconnect(resilience.FailureClose, ev.Err)
	}
}

func (e *Engine) handleMessage(m *transport.Message) {
	if m.InputTranscript != "" {
		e.aggregator.AppendLocal(m.InputTranscript)
		e.dirty = true
	}
	if m.OutputTranscript != "" {
		e.aggregator.AppendRemote(m.OutputTranscript)
		e.dirty = true
	}

	if m.TurnComplete {
		for _, turn := range e.aggregator.Flush() {
			e.metrics.RecordTurn(string(turn.Role))
		}
		e.dirty = true
	}

	if m.HasAudio() && e.scheduler != nil {
		e.metrics.RecordAudioBytes("in", int64(len(m.Audio)))

		channels := m.AudioChannels
		if channels < 1 {
			channels = 1
		}
		rate := m.AudioSampleRate
		if rate <= 0 {
			rate = audio.OutputSampleRate
		}

		item, err := e.scheduler.EnqueueChunk(m.Audio, rate, channels)
		var malformed *audio.MalformedAudioError
		switch {
		case errors.As(err, &malformed):
			e.metrics.RecordMalformedChunk()
		case err != nil:
			e.slog.Warn().Err(err).Msg("Failed to schedule agent audio")
			e.metrics.RecordError("playback", "session")
		default:
			e.recorder.AddRemote(item.StartAt, item.Frame)
			e.dirty = true
		}
	}

	if m.Interrupted {
		e.interruptPlayback()
	}
}

func (e *Engine) interruptPlayback() {
	if e.scheduler == nil {
		return
	}
	if e.scheduler.IsSpeaking() {
		e.metrics.RecordInterrupt()
	}
	if e.recorder != nil && e.sink != nil {
		e.recorder.CutRemote(e.sink.Now())
	}
	e.scheduler.Interrupt()
	e.dirty = true
}

// scheduleReconnect releases the connection and arms a retry. The device,
// sink, recorder and transcript survive.
func (e *Engine) scheduleReconnect(kind resilience.FailureKind, cause error) {
	if !e.intent || !e.state.live() || e.state == StateReconnecting {
		return
	}

	if e.conn != nil {
		conn := e.conn
		go conn.Close()
		e.conn = nil
	}
	if e.pipeline != nil {
		e.pipeline.Detach()
	}
	e.interruptPlayback()

	// Invalidate events from the dropped connection
	e.token++
	e.opened = false
	e.attempt++
	e.state = StateReconnecting
	e.dirty = true

	delay, ok := e.opts.Policy.Delay(kind, e.attempt)
	if !ok {
		e.slog.Error().Err(cause).Int("attempts", e.attempt-1).Msg("Giving up on reconnecting")
		td := e.stopLocked(&TransportError{Err: cause, Attempts: e.attempt - 1})
		e.runInBackground(td)
		return
	}

	e.metrics.RecordReconnect(kind.String())
	e.slog.Info().Str("kind", kind.String()).Int("attempt", e.attempt).Dur("delay", delay).Msg("Reconnecting")

	ctx := e.ctx
	e.retryTimer = e.opts.Timers.AfterFunc(delay, func() {
		e.start(ctx, true)
	})
}

// stopLocked ends a live session and returns the blocking cleanup, or nil
// when there is nothing to stop
func (e *Engine) stopLocked(cause error) *teardown {
	if !e.state.live() {
		return nil
	}

	e.intent = false
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.interruptPlayback()

	var recorded time.Duration
	if e.recorder != nil {
		recorded = e.recorder.Duration()
	}
	td := e.detachResources()

	e.state = StateClosed
	e.duration = e.opts.Now().Sub(e.startedAt)
	e.lastErr = cause
	e.userSpeaking = false
	e.dirty = true
	e.metrics.RecordSessionEnd()

	e.slog.Info().Dur("duration", e.duration).Dur("recorded", recorded).Int("turns", e.aggregator.Len()).Msg("Session stopped")
	return td
}

// detachResources hands every session resource to a teardown and
// invalidates in-flight starts and events
func (e *Engine) detachResources() *teardown {
	td := &teardown{
		engine:    e,
		sessionID: e.sessionID,
		conn:      e.conn,
		dev:       e.dev,
		sink:      e.sink,
		recorder:  e.recorder,
		dir:       e.opts.RecordingDir,
		logger:    e.slog,
	}

	if e.pipeline != nil {
		e.pipeline.Detach()
		e.pipeline.SetTaps()
	}
	if e.cancel != nil {
		e.cancel()
	}

	e.token++
	e.opened = false
	e.conn = nil
	e.dev = nil
	e.sink = nil
	e.scheduler = nil
	e.recorder = nil
	e.pipeline = nil

	return td
}

// runInBackground finishes td off the mailbox for a session that ended
// without a caller waiting on it
func (e *Engine) runInBackground(td *teardown) {
	td.done = make(chan struct{})
	e.pending = append(e.pending, td)
	go func() {
		defer close(td.done)
		td.run(context.Background())
	}()
}

// pendingTeardowns drops finished background teardowns and returns the rest
func (e *Engine) pendingTeardowns() []*teardown {
	live := e.pending[:0]
	for _, td := range e.pending {
		select {
		case <-td.done:
		default:
			live = append(live, td)
		}
	}
	for i := len(live); i < len(e.pending); i++ {
		e.pending[i] = nil
	}
	e.pending = live
	return append([]*teardown(nil), live...)
}

// teardown is the blocking half of stopping a session. It runs outside
// the mailbox.
type teardown struct {
	engine    *Engine
	sessionID string
	conn      transport.Conn
	dev       device.InputDevice
	sink      playback.Sink
	recorder  *recording.Recorder
	dir       string
	logger    zerolog.Logger
	done      chan struct{}
}

func (t *teardown) run(ctx context.Context) error {
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("Error closing transport")
		}
	}
	if t.dev != nil {
		if err := t.dev.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("Error closing input device")
		}
	}
	if t.sink != nil {
		if err := t.sink.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("Error closing output")
		}
	}

	if t.recorder == nil {
		return nil
	}

	art, err := t.recorder.Finalize(t.dir)
	if errors.Is(err, recording.ErrEmptyRecording) {
		return nil
	}
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to finalize recording")
		return err
	}

	t.logger.Info().Str("recording_id", art.ID).Dur("length", art.Duration).Int64("bytes", art.Size).Msg("Recording finalized")
	t.engine.do(func() { t.engine.publishArtifact(t.sessionID, art) })
	return nil
}

func (e *Engine) publishArtifact(sessionID string, art *recording.Artifact) {
	if e.opts.Recordings != nil {
		e.opts.Recordings.Put(art)
	}
	if e.sessionID != sessionID || e.state.live() {
		// A newer session owns the engine now
		return
	}
	e.artifact = art
	e.dirty = true
}
