package session

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopxl/beep/wav"
	"github.com/rs/zerolog"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/device"
	"github.com/krushimitra/voice-engine/internal/playback"
	"github.com/krushimitra/voice-engine/internal/recording"
	"github.com/krushimitra/voice-engine/internal/resilience"
	"github.com/krushimitra/voice-engine/internal/transport"
)

const testFrame = 4

// fakeConn records what the engine sends and lets tests emit events
type fakeConn struct {
	handler transport.Handler

	mu     sync.Mutex
	sent   []audio.EncodedChunk
	closed bool
}

func (c *fakeConn) Send(chunk audio.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, chunk)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) emit(ev transport.Event) {
	c.handler(ev)
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	configs []transport.Config
	openErr error
	hold    bool
}

func (t *fakeTransport) Open(ctx context.Context, cfg transport.Config, h transport.Handler) (transport.Conn, error) {
	t.mu.Lock()
	t.configs = append(t.configs, cfg)
	hold := t.hold
	t.mu.Unlock()

	// A held open never completes on its own
	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	c := &fakeConn{handler: h}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.configs)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func (t *fakeTransport) holdOpens() {
	t.mu.Lock()
	t.hold = true
	t.mu.Unlock()
}

func (t *fakeTransport) failOpens(err error) {
	t.mu.Lock()
	t.openErr = err
	t.mu.Unlock()
}

// fakeDevice is a stream input that remembers being closed
type fakeDevice struct {
	*device.StreamInput
	closed atomic.Bool
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return d.StreamInput.Close()
}

type fakeProvider struct {
	mu       sync.Mutex
	acquired []*fakeDevice
	err      error
}

func (p *fakeProvider) Acquire(ctx context.Context) (device.InputDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	d := &fakeDevice{StreamInput: device.NewStreamInput(audio.InputSampleRate, testFrame)}
	p.acquired = append(p.acquired, d)
	return d, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquired)
}

func (p *fakeProvider) last() *fakeDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired[len(p.acquired)-1]
}

type fakeHandle struct {
	stopped atomic.Bool
}

func (h *fakeHandle) Stop() { h.stopped.Store(true) }

// fakeSink has a manually advanced clock
type fakeSink struct {
	mu      sync.Mutex
	now     time.Duration
	items   []playback.Item
	handles []*fakeHandle
	closed  bool
}

func (s *fakeSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSink) Play(item playback.Item, done func()) (playback.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &fakeHandle{}
	s.items = append(s.items, item)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) setNow(d time.Duration) {
	s.mu.Lock()
	s.now = d
	s.mu.Unlock()
}

func (s *fakeSink) played() []playback.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playback.Item(nil), s.items...)
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *manualTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) AfterFunc(d time.Duration, fn func()) resilience.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *manualTimers) get(i int) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[i]
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	devices   *fakeProvider
	sink      *fakeSink
	timers    *manualTimers
	store     *recording.Store
	dir       string
}

func newHarness(t *testing.T, policy resilience.Policy) *harness {
	t.Helper()

	h := &harness{
		transport: &fakeTransport{},
		devices:   &fakeProvider{},
		sink:      &fakeSink{},
		timers:    &manualTimers{},
		store:     recording.NewStore(),
		dir:       t.TempDir(),
	}

	now := time.Unix(1700000000, 0)
	h.engine = NewEngine(Options{
		Transport:          h.transport,
		TransportConfig:    transport.Config{Model: "test-model", Voice: "Puck"},
		Devices:            h.devices,
		Sinks:              func(ctx context.Context) (playback.Sink, error) { return h.sink, nil },
		Policy:             policy,
		Timers:             h.timers,
		Recordings:         h.store,
		RecordingDir:       h.dir,
		CaptureFrameLength: testFrame,
		CaptureQueueSize:   8,
		Logger:             zerolog.Nop(),
		Now:                func() time.Time { return now },
	})
	t.Cleanup(func() { h.engine.Close() })
	return h
}

// sync waits until everything posted so far has been handled
func (h *harness) sync() {
	h.engine.do(func() {})
}

func (h *harness) startActive(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := h.transport.conn(h.transport.opens() - 1)
	conn.emit(transport.Event{Kind: transport.EventOpened})
	h.sync()
	if s := h.engine.Snapshot(); s.State != StateActive {
		t.Fatalf("Expected active, got %s", s.State)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func agentAudio(d time.Duration) []byte {
	samples := make([]float32, int(d*audio.OutputSampleRate/time.Second))
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.EncodeSamples(samples, audio.OutputSampleRate).Data
}

func micFrame(v float32) []float32 {
	frame := make([]float32, testFrame)
	for i := range frame {
		frame[i] = v
	}
	return frame
}

// readRecording decodes a finalized recording into mono samples
func readRecording(t *testing.T, art *recording.Artifact) []float64 {
	t.Helper()

	f, err := art.Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	streamer, _, err := wav.Decode(f)
	if err != nil {
		f.Close()
		t.Fatalf("Decode failed: %v", err)
	}
	defer streamer.Close()

	var out []float64
	buf := make([][2]float64, 512)
	for {
		n, ok := streamer.Stream(buf)
		for _, frame := range buf[:n] {
			out = append(out, frame[0])
		}
		if !ok {
			break
		}
	}
	return out
}

func TestEngine_StartOpensAndActivates(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s := h.engine.Snapshot()
	if s.State != StateConnecting || !s.IsConnecting {
		t.Fatalf("Expected connecting, got %s", s.State)
	}
	if s.SessionID == "" {
		t.Error("Expected a session id")
	}
	if h.transport.opens() != 1 {
		t.Fatalf("Expected 1 open, got %d", h.transport.opens())
	}
	if h.transport.configs[0].Model != "test-model" {
		t.Errorf("Expected transport config passed through, got %+v", h.transport.configs[0])
	}

	// Frames before the connection is open are dropped
	dev := h.devices.last()
	dev.Write(make([]float32, testFrame))

	conn := h.transport.conn(0)
	conn.emit(transport.Event{Kind: transport.EventOpened})
	h.sync()

	s = h.engine.Snapshot()
	if s.State != StateActive || !s.IsActive {
		t.Fatalf("Expected active, got %s", s.State)
	}
	if conn.sentCount() != 0 {
		t.Errorf("Expected no frames sent before open, got %d", conn.sentCount())
	}

	dev.Write([]float32{0.1, 0.2, 0.3, 0.4})
	waitFor(t, "captured frame", func() bool { return conn.sentCount() == 1 })

	conn.mu.Lock()
	chunk := conn.sent[0]
	conn.mu.Unlock()
	if chunk.MIMEType() != "audio/pcm;rate=16000" {
		t.Errorf("Unexpected mime type %q", chunk.MIMEType())
	}
	if len(chunk.Data) != testFrame*2 {
		t.Errorf("Expected %d bytes, got %d", testFrame*2, len(chunk.Data))
	}
}

func TestEngine_StartWhileLiveIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)
	id := h.engine.Snapshot().SessionID

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	if h.transport.opens() != 1 || h.devices.count() != 1 {
		t.Errorf("Expected no new connection or device, got %d opens and %d devices", h.transport.opens(), h.devices.count())
	}
	if h.engine.Snapshot().SessionID != id {
		t.Error("Expected the same session")
	}
}

func TestEngine_MessageRouting(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)

	msg := func(m transport.Message) {
		conn.emit(transport.Event{Kind: transport.EventMessage, Message: &m})
	}

	msg(transport.Message{InputTranscript: "namaskar "})
	msg(transport.Message{OutputTranscript: "Ram Ram"})
	msg(transport.Message{Audio: agentAudio(100 * time.Millisecond), AudioSampleRate: 24000, AudioChannels: 1})
	h.sync()

	s := h.engine.Snapshot()
	if s.PartialLocal != "namaskar " || s.PartialRemote != "Ram Ram" {
		t.Errorf("Unexpected partials %q / %q", s.PartialLocal, s.PartialRemote)
	}
	if !s.IsSpeaking {
		t.Error("Expected agent speaking after audio")
	}
	items := h.sink.played()
	if len(items) != 1 || items[0].StartAt != 0 || items[0].Duration != 100*time.Millisecond {
		t.Fatalf("Unexpected scheduled items %+v", items)
	}

	msg(transport.Message{TurnComplete: true})
	h.sync()

	s = h.engine.Snapshot()
	if len(s.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(s.Turns))
	}
	if s.Turns[0].Text != "namaskar" || s.Turns[1].Text != "Ram Ram" {
		t.Errorf("Unexpected turns %+v", s.Turns)
	}
	if s.PartialLocal != "" || s.PartialRemote != "" {
		t.Error("Expected partials cleared after turn complete")
	}

	msg(transport.Message{Interrupted: true})
	h.sync()

	if h.engine.Snapshot().IsSpeaking {
		t.Error("Expected playback stopped after interruption")
	}
	h.sink.mu.Lock()
	stopped := h.sink.handles[0].stopped.Load()
	h.sink.mu.Unlock()
	if !stopped {
		t.Error("Expected scheduled item stopped")
	}
}

func TestEngine_MalformedAudioIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)

	conn.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{Audio: []byte{1, 2, 3}}})
	h.sync()

	if len(h.sink.played()) != 0 {
		t.Error("Expected odd-length chunk dropped")
	}
	if h.engine.Snapshot().State != StateActive {
		t.Error("Expected session to stay active")
	}
}

func TestEngine_ReconnectSequence(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)

	// Remote close waits the close backoff
	conn.emit(transport.Event{Kind: transport.EventClosed})
	h.sync()

	s := h.engine.Snapshot()
	if s.State != StateReconnecting || s.Attempt != 1 {
		t.Fatalf("Expected reconnecting attempt 1, got %s attempt %d", s.State, s.Attempt)
	}
	if h.timers.count() != 1 || h.timers.get(0).d != 800*time.Millisecond {
		t.Fatalf("Expected one 800ms timer")
	}
	waitFor(t, "old connection closed", conn.isClosed)

	h.timers.get(0).fn()
	if h.transport.opens() != 2 {
		t.Fatalf("Expected second open, got %d", h.transport.opens())
	}
	if h.devices.count() != 1 {
		t.Error("Expected the input device to survive the reconnect")
	}

	// Events from the dropped connection are ignored
	conn.emit(transport.Event{Kind: transport.EventError, Err: errors.New("late")})
	h.sync()
	if h.timers.count() != 1 {
		t.Fatal("Expected stale error ignored")
	}

	// Error waits the error backoff
	second := h.transport.conn(1)
	second.emit(transport.Event{Kind: transport.EventError, Err: errors.New("socket reset")})
	h.sync()
	if h.timers.count() != 2 || h.timers.get(1).d != 1500*time.Millisecond {
		t.Fatalf("Expected a 1500ms timer")
	}
	if h.engine.Snapshot().Attempt != 2 {
		t.Errorf("Expected attempt 2, got %d", h.engine.Snapshot().Attempt)
	}

	h.timers.get(1).fn()
	if h.transport.opens() != 3 {
		t.Fatalf("Expected third open, got %d", h.transport.opens())
	}

	third := h.transport.conn(2)
	third.emit(transport.Event{Kind: transport.EventOpened})
	h.sync()
	s = h.engine.Snapshot()
	if s.State != StateActive || s.Attempt != 0 {
		t.Fatalf("Expected active with attempt reset, got %s attempt %d", s.State, s.Attempt)
	}

	third.emit(transport.Event{Kind: transport.EventError, Err: errors.New("again")})
	h.sync()
	if h.timers.count() != 3 {
		t.Fatal("Expected a pending reconnect")
	}

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !h.timers.get(2).stopped.Load() {
		t.Error("Expected pending timer cancelled")
	}

	// A timer that fires anyway must not reconnect
	h.timers.get(2).fn()
	h.sync()
	if h.transport.opens() != 3 {
		t.Errorf("Expected no open after Stop, got %d", h.transport.opens())
	}
	if h.engine.Snapshot().State != StateClosed {
		t.Errorf("Expected closed, got %s", h.engine.Snapshot().State)
	}
}

func TestEngine_ReconnectKeepsConversationAndRecording(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)
	dev := h.devices.last()

	dev.Write(micFrame(0.1))
	waitFor(t, "first microphone frame", func() bool { return conn.sentCount() == 1 })

	conn.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		InputTranscript:  "Kapsala pani kiti dyave?",
		OutputTranscript: "Aathavdyatun don vela.",
		Audio:            agentAudio(50 * time.Millisecond),
		AudioSampleRate:  24000,
		AudioChannels:    1,
	}})
	conn.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{TurnComplete: true}})
	h.sync()
	h.sink.setNow(50 * time.Millisecond)

	before := h.engine.Snapshot().Turns
	if len(before) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(before))
	}

	conn.emit(transport.Event{Kind: transport.EventClosed})
	h.sync()

	s := h.engine.Snapshot()
	if s.State != StateReconnecting {
		t.Fatalf("Expected reconnecting, got %s", s.State)
	}
	if len(s.Turns) != 2 {
		t.Errorf("Expected turns kept while reconnecting, got %d", len(s.Turns))
	}
	if s.Recording != nil || h.store.Len() != 0 {
		t.Fatal("Expected no recording before the session ends")
	}

	h.timers.get(0).fn()
	second := h.transport.conn(1)
	second.emit(transport.Event{Kind: transport.EventOpened})
	h.sync()

	s = h.engine.Snapshot()
	if s.State != StateActive {
		t.Fatalf("Expected active, got %s", s.State)
	}
	if len(s.Turns) != 2 || s.Turns[0].Text != before[0].Text || s.Turns[1].Text != before[1].Text {
		t.Errorf("Expected conversation preserved, got %+v", s.Turns)
	}

	dev.Write(micFrame(0.2))
	waitFor(t, "microphone frame after reconnect", func() bool { return second.sentCount() == 1 })

	second.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		Audio: agentAudio(50 * time.Millisecond), AudioSampleRate: 24000, AudioChannels: 1,
	}})
	h.sync()

	items := h.sink.played()
	if len(items) != 2 || items[1].StartAt != 50*time.Millisecond {
		t.Fatalf("Expected second item at 50ms, got %+v", items)
	}
	h.sink.setNow(100 * time.Millisecond)

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	art := h.engine.Snapshot().Recording
	if art == nil {
		t.Fatal("Expected a recording")
	}
	if art.Duration != 100*time.Millisecond {
		t.Errorf("Expected 100ms covering both connections, got %v", art.Duration)
	}

	samples := readRecording(t, art)
	if len(samples) != 2400 {
		t.Fatalf("Expected 2400 samples, got %d", len(samples))
	}
	checks := []struct {
		at   int
		want float64
	}{
		{0, 0.35},    // first mic frame over agent audio
		{6, 0.45},    // mic frame sent after the reconnect
		{600, 0.25},  // agent audio before the drop
		{1800, 0.25}, // agent audio after the reconnect
	}
	for _, c := range checks {
		if math.Abs(samples[c.at]-c.want) > 1e-3 {
			t.Errorf("Sample %d: expected %v, got %v", c.at, c.want, samples[c.at])
		}
	}
}

func TestEngine_RetryOpenFailureReschedules(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)

	conn.emit(transport.Event{Kind: transport.EventClosed})
	h.sync()

	h.transport.failOpens(errors.New("dial refused"))
	h.timers.get(0).fn()
	h.sync()

	s := h.engine.Snapshot()
	if s.State != StateReconnecting || s.Attempt != 2 {
		t.Fatalf("Expected reconnecting attempt 2, got %s attempt %d", s.State, s.Attempt)
	}
	if h.timers.count() != 2 || h.timers.get(1).d != 1500*time.Millisecond {
		t.Fatal("Expected failed reopen to use the error backoff")
	}
}

func TestEngine_StopDuringReconnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)

	conn.emit(transport.Event{Kind: transport.EventClosed})
	h.sync()

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	h.timers.get(0).fn()
	h.sync()

	if h.transport.opens() != 1 {
		t.Errorf("Expected no reconnect after Stop, got %d opens", h.transport.opens())
	}
	if !h.devices.last().closed.Load() {
		t.Error("Expected device released")
	}
	s := h.engine.Snapshot()
	if s.State != StateClosed || s.Err != nil {
		t.Errorf("Expected clean close, got %s err %v", s.State, s.Err)
	}
}

func TestEngine_DeviceFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.devices.err = errors.New("permission denied")

	err := h.engine.Start(context.Background())

	var derr *DeviceAcquisitionError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected DeviceAcquisitionError, got %v", err)
	}
	if h.transport.opens() != 0 {
		t.Error("Expected no transport open without a device")
	}
	s := h.engine.Snapshot()
	if s.State != StateIdle || s.Err == nil {
		t.Errorf("Expected idle with error, got %s err %v", s.State, s.Err)
	}

	// Retrying by hand is allowed
	h.devices.err = nil
	h.startActive(t)
}

func TestEngine_InitialOpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.failOpens(errors.New("bad api key"))

	err := h.engine.Start(context.Background())

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	s := h.engine.Snapshot()
	if s.State != StateIdle || s.Err == nil {
		t.Errorf("Expected idle with error, got %s", s.State)
	}
	if h.timers.count() != 0 {
		t.Error("Expected no automatic retry of the first connect")
	}
	waitFor(t, "device released", h.devices.last().closed.Load)
}

func TestEngine_StopCancelsInitialConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.holdOpens()

	errc := make(chan error, 1)
	go func() { errc <- h.engine.Start(context.Background()) }()
	waitFor(t, "connect in flight", func() bool { return h.transport.opens() == 1 })

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Expected a cancelled start to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start still blocked after Stop")
	}

	s := h.engine.Snapshot()
	if s.State != StateClosed || s.Err != nil {
		t.Errorf("Expected clean close, got %s err %v", s.State, s.Err)
	}
	waitFor(t, "device released", h.devices.last().closed.Load)
}

func TestEngine_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, &resilience.FixedPolicy{
		ErrorDelay:  resilience.DefaultErrorDelay,
		CloseDelay:  resilience.DefaultCloseDelay,
		MaxAttempts: 1,
	})
	conn := h.startActive(t)

	conn.emit(transport.Event{Kind: transport.EventClosed})
	h.sync()
	h.timers.get(0).fn()

	h.transport.conn(1).emit(transport.Event{Kind: transport.EventClosed})
	h.sync()

	s := h.engine.Snapshot()
	if s.State != StateClosed {
		t.Fatalf("Expected closed, got %s", s.State)
	}
	var terr *TransportError
	if !errors.As(s.Err, &terr) || terr.Attempts != 1 {
		t.Errorf("Expected TransportError after 1 attempt, got %v", s.Err)
	}
	if h.timers.count() != 1 {
		t.Error("Expected no further reconnect")
	}
	waitFor(t, "device released", h.devices.last().closed.Load)
}

func TestEngine_GiveUpThenStopKeepsRecording(t *testing.T) {
	h := newHarness(t, &resilience.FixedPolicy{
		ErrorDelay:  resilience.DefaultErrorDelay,
		CloseDelay:  resilience.DefaultCloseDelay,
		MaxAttempts: 1,
	})
	conn := h.startActive(t)

	conn.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		Audio: agentAudio(50 * time.Millisecond), AudioSampleRate: 24000, AudioChannels: 1,
	}})
	h.sync()
	h.sink.setNow(50 * time.Millisecond)

	conn.emit(transport.Event{Kind: transport.EventClosed})
	h.sync()
	h.timers.get(0).fn()
	h.transport.conn(1).emit(transport.Event{Kind: transport.EventClosed})
	h.sync()

	if s := h.engine.Snapshot(); s.State != StateClosed {
		t.Fatalf("Expected closed, got %s", s.State)
	}

	// The session already ended; Stop waits for its recording
	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	s := h.engine.Snapshot()
	if s.Recording == nil {
		t.Fatal("Expected the recording once Stop returns")
	}
	if s.Recording.Duration != 50*time.Millisecond {
		t.Errorf("Expected 50ms recording, got %v", s.Recording.Duration)
	}
	if _, ok := h.store.Get(s.Recording.ID); !ok {
		t.Error("Expected recording in the store")
	}
	var terr *TransportError
	if !errors.As(s.Err, &terr) {
		t.Errorf("Expected the give-up error kept, got %v", s.Err)
	}
}

func TestEngine_StopFinalizesRecording(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.startActive(t)

	h.devices.last().Write([]float32{0.1, 0.1, 0.1, 0.1})
	conn.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		Audio: agentAudio(50 * time.Millisecond), AudioSampleRate: 24000, AudioChannels: 1,
	}})
	h.sync()

	// Everything scheduled has been heard; Stop cuts only unplayed audio
	h.sink.mu.Lock()
	h.sink.now = 50 * time.Millisecond
	h.sink.mu.Unlock()

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	s := h.engine.Snapshot()
	if s.State != StateClosed {
		t.Fatalf("Expected closed, got %s", s.State)
	}
	art := s.Recording
	if art == nil {
		t.Fatal("Expected a recording")
	}
	if art.Duration != 50*time.Millisecond {
		t.Errorf("Expected 50ms recording, got %v", art.Duration)
	}
	if _, ok := h.store.Get(art.ID); !ok {
		t.Error("Expected recording in the store")
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Fatalf("Expected recording file: %v", err)
	}
	if !h.sink.closed || !conn.isClosed() {
		t.Error("Expected sink and connection closed")
	}

	// Stopping again is a no-op
	if err := h.engine.Stop(context.Background()); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}

	if err := h.engine.DiscardRecording(); err != nil {
		t.Fatalf("DiscardRecording failed: %v", err)
	}
	if h.engine.Snapshot().Recording != nil {
		t.Error("Expected recording cleared")
	}
	if _, err := os.Stat(art.Path); !os.IsNotExist(err) {
		t.Error("Expected recording file removed")
	}
	if h.store.Len() != 0 {
		t.Error("Expected store emptied")
	}
}

func TestEngine_StopWithoutAudioHasNoRecording(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.engine.Snapshot().Recording != nil {
		t.Error("Expected no recording for a silent session")
	}
}

func TestEngine_UserSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)

	loud := []float32{0.5, -0.5, 0.5, -0.5}
	h.devices.last().Write(loud)
	h.sync()

	if !h.engine.Snapshot().UserSpeaking {
		t.Error("Expected user speaking after a loud frame")
	}
}

func TestEngine_ObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []State

	h := newHarness(t, nil)
	h.engine.opts.Observer = func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	}

	h.startActive(t)
	h.engine.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateActive, StateClosed}
	var got []State
	for _, s := range states {
		if len(got) == 0 || got[len(got)-1] != s {
			got = append(got, s)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
