// Package gemini adapts the Gemini Live API to the transport interface
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/transport"
)

// Transport opens Gemini Live sessions
type Transport struct {
	client *genai.Client
	logger zerolog.Logger
}

// New creates a Gemini Live transport for the Gemini Developer API
func New(ctx context.Context, apiKey string, logger zerolog.Logger) (*Transport, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Transport{
		client: client,
		logger: logger.With().Str("component", "gemini_transport").Logger(),
	}, nil
}

// Open implements transport.Transport
func (t *Transport) Open(ctx context.Context, cfg transport.Config, handler transport.Handler) (transport.Conn, error) {
	session, err := t.client.Live.Connect(ctx, cfg.Model, LiveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}

	c := &conn{
		session: session,
		handler: handler,
		logger:  t.logger.With().Str("model", cfg.Model).Logger(),
	}
	go c.receiveLoop()

	return c, nil
}

// LiveConfig maps a transport config to the Live API connect config
func LiveConfig(cfg transport.Config) *genai.LiveConnectConfig {
	live := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}

	if cfg.Voice != "" || cfg.LanguageCode != "" {
		live.SpeechConfig = &genai.SpeechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.Voice != "" {
			live.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
	}
	if cfg.SystemPrompt != "" {
		live.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if cfg.InputTranscription {
		live.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		live.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}

	return live
}

type conn struct {
	session *genai.Session
	handler transport.Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool

	// receiveLoop only
	opened bool
}

// Send implements transport.Conn
func (c *conn) Send(chunk audio.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}

	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk.Data, MIMEType: chunk.MIMEType()},
	})
}

// Close implements transport.Conn. No events are delivered afterwards.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.session.Close()
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receiveLoop continuously receives messages until the session ends
func (c *conn) receiveLoop() {
	for {
		msg, err := c.session.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.handler(terminalEvent(err))
			return
		}
		if c.isClosed() {
			return
		}

		if msg.GoAway != nil {
			c.logger.Warn().Msg("Server requested disconnect")
		}

		if !c.opened && (msg.SetupComplete != nil || msg.ServerContent != nil) {
			c.opened = true
			c.handler(transport.Event{Kind: transport.EventOpened})
		}

		if m := convertMessage(msg); m != nil {
			c.handler(transport.Event{Kind: transport.EventMessage, Message: m})
		}
	}
}

// terminalEvent classifies a receive failure. A websocket close frame from
// the server is a clean close; anything else is an error.
func terminalEvent(err error) transport.Event {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return transport.Event{Kind: transport.EventClosed, Err: err}
	}
	return transport.Event{Kind: transport.EventError, Err: err}
}

func convertMessage(msg *genai.LiveServerMessage) *transport.Message {
	content := msg.ServerContent
	if content == nil {
		return nil
	}

	m := &transport.Message{
		TurnComplete: content.TurnComplete,
		Interrupted:  content.Interrupted,
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			m.Audio = append(m.Audio, part.InlineData.Data...)
			m.AudioSampleRate = sampleRateFromMIME(part.InlineData.MIMEType)
			m.AudioChannels = 1
		}
	}
	if content.InputTranscription != nil {
		m.InputTranscript = content.InputTranscription.Text
	}
	if content.OutputTranscription != nil {
		m.OutputTranscript = content.OutputTranscription.Text
	}

	return m
}

// sampleRateFromMIME extracts rate from "audio/pcm;rate=24000"
func sampleRateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return audio.OutputSampleRate
}
