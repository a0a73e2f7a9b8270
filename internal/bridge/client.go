package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/device"
	"github.com/krushimitra/voice-engine/internal/observability"
	"github.com/krushimitra/voice-engine/internal/persona"
	"github.com/krushimitra/voice-engine/internal/playback"
	"github.com/krushimitra/voice-engine/internal/session"
)

const (
	outboundQueueSize = 256
	commandQueueSize  = 8
	writeWait         = 10 * time.Second
)

var (
	errDisconnected = errors.New("browser disconnected")
	errOutboundFull = errors.New("outbound queue full")
)

// command is a queued browser command stamped with the stop generation it
// was read under
type command struct {
	msg     ClientMessage
	stopGen uint64
}

// clientSession is one browser connection. Start and discard run one at a
// time on their own goroutine so the read loop keeps draining microphone
// audio while a start is connecting. Stop runs on the read loop so it can
// cancel a connect in progress; starts queued before it are dropped. All
// writes go through writeLoop.
type clientSession struct {
	server *Server
	conn   *websocket.Conn
	logger zerolog.Logger

	out      chan any
	commands chan command
	done     chan struct{}

	mu            sync.Mutex
	engine        *session.Engine
	stopGen       uint64
	input         *device.StreamInput
	lastRecording string
}

func newClientSession(s *Server, conn *websocket.Conn) *clientSession {
	return &clientSession{
		server:   s,
		conn:     conn,
		logger:   observability.WithCorrelationID(s.logger, ""),
		out:      make(chan any, outboundQueueSize),
		commands: make(chan command, commandQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *clientSession) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	commandsDone := make(chan struct{})
	go func() {
		defer close(commandsDone)
		c.processCommands()
	}()

	c.readLoop()

	// Cancels a connect in progress so the command goroutine can finish
	c.stop()
	close(c.commands)
	<-commandsDone

	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.mu.Unlock()
	if engine != nil {
		if err := engine.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Error stopping session")
		}
	}

	close(c.done)
	<-writerDone
	c.conn.Close()
}

// readLoop handles browser messages until the socket closes
func (c *clientSession) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			c.handleAudio(data)

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to parse client message")
				c.sendError(err)
				continue
			}
			if msg.Type == "stop" {
				c.stop()
				continue
			}

			c.mu.Lock()
			cmd := command{msg: msg, stopGen: c.stopGen}
			c.mu.Unlock()

			select {
			case c.commands <- cmd:
			default:
				c.logger.Warn().Str("type", msg.Type).Msg("Command queue full, dropping command")
			}
		}
	}
}

// handleAudio feeds one chunk of browser microphone PCM to the session
func (c *clientSession) handleAudio(data []byte) {
	c.mu.Lock()
	input := c.input
	c.mu.Unlock()
	if input == nil {
		return
	}

	frame, err := audio.DecodeChunk(data, c.server.opts.InputSampleRate, 1)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Dropping malformed microphone chunk")
		return
	}
	if n := input.Write(frame.Channels[0]); n < frame.Len() {
		c.logger.Debug().Int("dropped", frame.Len()-n).Msg("Microphone buffer overflow")
	}
}

func (c *clientSession) processCommands() {
	for cmd := range c.commands {
		switch cmd.msg.Type {
		case "start":
			c.start(cmd)
		case "discard_recording":
			c.discardRecording()
		default:
			c.logger.Warn().Str("type", cmd.msg.Type).Msg("Unknown client message")
		}
	}
}

func (c *clientSession) start(cmd command) {
	opts := c.server.opts
	msg := cmd.msg

	c.mu.Lock()
	old := c.engine
	stale := cmd.stopGen != c.stopGen
	c.mu.Unlock()

	if stale {
		return
	}
	if old != nil {
		snap := old.Snapshot()
		if snap.IsActive || snap.IsConnecting || snap.IsReconnecting {
			return
		}
		// The previous session is over; its recording stays downloadable
		// until discarded but is no longer offered to this browser
		old.Close()
	}

	lang := opts.Language
	if msg.Language != "" {
		lang = persona.ParseLanguage(msg.Language)
	}
	crop := opts.Crop
	if msg.Crop != "" {
		crop = msg.Crop
	}

	engine := session.NewEngine(session.Options{
		Transport:          opts.Transport,
		TransportConfig:    persona.TransportConfig(opts.Model, opts.Voice, lang, crop),
		Devices:            device.ProviderFunc(c.acquireInput),
		Sinks:              c.openSink,
		Policy:             opts.Policy,
		Timers:             opts.Timers,
		Recordings:         opts.Recordings,
		RecordingDir:       opts.RecordingDir,
		OutputSampleRate:   opts.OutputSampleRate,
		CaptureFrameLength: opts.CaptureFrameSize,
		CaptureQueueSize:   opts.SendQueueSize,
		VAD:                opts.VAD,
		Observer:           c.observe,
		Logger:             c.logger,
	})

	c.mu.Lock()
	if cmd.stopGen != c.stopGen {
		c.mu.Unlock()
		engine.Close()
		return
	}
	c.engine = engine
	c.mu.Unlock()

	c.logger.Info().Str("language", string(lang)).Str("crop", crop).Msg("Starting session")
	if err := engine.Start(context.Background()); err != nil {
		c.sendError(err)
	}

	// A stop that landed before Start took effect found nothing to cancel
	c.mu.Lock()
	stopped := cmd.stopGen != c.stopGen
	c.mu.Unlock()
	if stopped {
		c.stopEngine()
	}
}

// stop ends the current session and drops starts queued before it
func (c *clientSession) stop() {
	c.mu.Lock()
	c.stopGen++
	c.mu.Unlock()
	c.stopEngine()
}

func (c *clientSession) stopEngine() {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Stop(context.Background()); err != nil {
		c.sendError(err)
	}
}

func (c *clientSession) discardRecording() {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.DiscardRecording(); err != nil {
		c.sendError(err)
	}
}

// acquireInput hands the engine a stream input fed by binary frames
func (c *clientSession) acquireInput(ctx context.Context) (device.InputDevice, error) {
	in := device.NewStreamInput(c.server.opts.InputSampleRate, c.server.opts.CaptureFrameSize)
	c.mu.Lock()
	c.input = in
	c.mu.Unlock()
	return in, nil
}

// openSink plays agent audio on the browser's clock
func (c *clientSession) openSink(ctx context.Context) (playback.Sink, error) {
	return playback.NewClockSink(c, c.server.opts.Timers, nil), nil
}

// Render implements playback.Renderer
func (c *clientSession) Render(item playback.Item) error {
	chunk := audio.EncodeSamples(item.Frame.Mono(), item.Frame.SampleRate)
	return c.send(AudioMessage{
		Type:       "audio",
		ID:         item.ID,
		StartAtMs:  item.StartAt.Milliseconds(),
		DurationMs: item.Duration.Milliseconds(),
		SampleRate: chunk.SampleRate,
		Payload:    base64.StdEncoding.EncodeToString(chunk.Data),
	})
}

// Cancel implements playback.Renderer
func (c *clientSession) Cancel(id uint64) {
	c.send(AudioStopMessage{Type: "audio_stop", ID: id})
}

// observe runs on the engine goroutine and must not block
func (c *clientSession) observe(s session.Snapshot) {
	c.send(newStateMessage(s))

	if s.Recording == nil {
		return
	}
	c.mu.Lock()
	fresh := s.Recording.ID != c.lastRecording
	c.lastRecording = s.Recording.ID
	c.mu.Unlock()

	if fresh {
		c.send(RecordingMessage{
			Type:     "recording",
			ID:       s.Recording.ID,
			URL:      c.server.recordingURL(s.Recording.ID),
			FileName: s.Recording.FileName,
		})
	}
}

func (c *clientSession) sendError(err error) {
	c.send(ErrorMessage{Type: "error", Message: err.Error()})
}

// send queues msg for the writer without blocking. A full queue drops msg
// and reports errOutboundFull.
func (c *clientSession) send(msg any) error {
	select {
	case <-c.done:
		return errDisconnected
	default:
	}

	select {
	case c.out <- msg:
		return nil
	default:
		c.logger.Warn().Msg("Outbound queue full, dropping message")
		return errOutboundFull
	}
}

// writeLoop is the only goroutine writing to the socket
func (c *clientSession) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write to browser")
				// Unblock the read loop so the session ends
				c.conn.Close()
				c.drain()
				return
			}

		case <-c.done:
			return
		}
	}
}

// drain discards outbound messages until the session ends
func (c *clientSession) drain() {
	for {
		select {
		case <-c.out:
		case <-c.done:
			return
		}
	}
}
