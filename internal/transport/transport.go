// Package transport defines the duplex media session the voice engine talks
// to. Concrete adapters live in subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/krushimitra/voice-engine/internal/audio"
)

// ErrClosed is returned by Send after the connection is closed
var ErrClosed = errors.New("transport connection closed")

// Config describes the remote agent to open a session with
type Config struct {
	Model        string
	Voice        string
	SystemPrompt string
	// LanguageCode is a BCP-47 hint for speech synthesis, e.g. "mr-IN"
	LanguageCode string

	// Both directions are transcribed by the remote service
	InputTranscription  bool
	OutputTranscription bool
}

// EventKind classifies transport callbacks
type EventKind int

const (
	// EventOpened fires once the remote side is ready for audio
	EventOpened EventKind = iota
	// EventMessage carries audio, transcript fragments or turn signals
	EventMessage
	// EventError ends the connection because of a failure
	EventError
	// EventClosed ends the connection because the remote side closed it
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Message is one inbound server message. Any combination of fields may be set.
type Message struct {
	Audio           []byte
	AudioSampleRate int
	AudioChannels   int

	InputTranscript  string
	OutputTranscript string

	TurnComplete bool
	Interrupted  bool
}

// HasAudio reports whether the message carries PCM
func (m *Message) HasAudio() bool {
	return len(m.Audio) > 0
}

// Event is delivered to a Handler. A connection delivers at most one
// EventOpened and exactly one terminal EventError or EventClosed, unless it
// was closed locally first.
type Event struct {
	Kind    EventKind
	Message *Message
	Err     error
}

// Handler receives events on the adapter's goroutine. It must not block.
type Handler func(Event)

// Transport opens duplex media sessions
type Transport interface {
	Open(ctx context.Context, cfg Config, handler Handler) (Conn, error)
}

// Conn is one open session
type Conn interface {
	Send(chunk audio.EncodedChunk) error
	Close() error
}
